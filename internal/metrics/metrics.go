// Package metrics owns the Prometheus registry for the public server and
// the counters the middleware stack reports into.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/proxyfix/internal/httpmw"
	"github.com/keithlinneman/proxyfix/internal/version"
)

// ServerMetrics is safe for concurrent use.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	panicTotal  prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDenied   prometheus.Counter
	ratelimitCapacity prometheus.Counter

	proxyRequests      *prometheus.CounterVec
	proxyTokenRejected prometheus.Counter
	proxyChainShort    prometheus.Counter
	trustTokenSource   *prometheus.GaugeVec
}

var _ httpmw.ProxyFixObserver = (*ServerMetrics)(nil)

// New builds a private registry with the Go and process collectors.
// Labels are limited to method, route and status so paths cannot explode
// cardinality.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times the rate limiter visitor table filled up",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyfix_requests_total",
			Help: "Requests by identity source (trusted or forwarded)",
		}, []string{"source"}),
		proxyTokenRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxyfix_token_rejected_total",
			Help: "Requests that presented a proxy token that did not match",
		}),
		proxyChainShort: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxyfix_forwarded_chain_short_total",
			Help: "Requests whose X-Forwarded-For had fewer hops than the configured proxy count",
		}),
		trustTokenSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxyfix_trust_token_info",
			Help: "Where the proxy trust token was loaded from (label carries value, gauge is always 1)",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.panicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.ratelimitCapacity,
		m.proxyRequests,
		m.proxyTokenRejected,
		m.proxyChainShort,
		m.trustTokenSource,
	)
	// both sources exist from the first scrape so rate() has a baseline
	m.proxyRequests.WithLabelValues(httpmw.SourceTrusted)
	m.proxyRequests.WithLabelValues(httpmw.SourceForwarded)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panicTotal.Inc() }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitDenied() { m.ratelimitDenied.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacity.Inc() }

func (m *ServerMetrics) ObserveProxyFix(source string) {
	m.proxyRequests.WithLabelValues(source).Inc()
}

func (m *ServerMetrics) IncProxyTokenRejected() { m.proxyTokenRejected.Inc() }

func (m *ServerMetrics) IncForwardedChainShort() { m.proxyChainShort.Inc() }

// SetTrustTokenSource records where the trust token came from, "none" when
// the trusted path is disabled.
func (m *ServerMetrics) SetTrustTokenSource(source string) {
	m.trustTokenSource.Reset()
	m.trustTokenSource.WithLabelValues(source).Set(1)
}
