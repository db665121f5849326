package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func serveThrough(m *ServerMetrics, h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	m.Middleware(h).ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})

	serveThrough(m, r, http.MethodGet, "/api/items/1")
	serveThrough(m, r, http.MethodGet, "/api/items/2")
	serveThrough(m, r, http.MethodGet, "/nope")

	s := sample(t, m.reg, "http_requests_total", map[string]string{
		"method": "GET", "route": "/api/items/{id}", "status": "200",
	})
	if v := s.GetCounter().GetValue(); v != 2 {
		t.Fatalf("requests = %v, want 2", v)
	}
	sample(t, m.reg, "http_requests_total", map[string]string{"route": unmatchedRoute, "status": "404"})

	h := sample(t, m.reg, "http_response_size_bytes", map[string]string{"route": "/api/items/{id}"})
	if h.GetHistogram().GetSampleCount() != 2 || h.GetHistogram().GetSampleSum() != 10 {
		t.Fatalf("size histogram = %d samples, sum %v", h.GetHistogram().GetSampleCount(), h.GetHistogram().GetSampleSum())
	}
	d := sample(t, m.reg, "http_request_duration_seconds", map[string]string{"route": "/api/items/{id}"})
	if d.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("duration samples = %d", d.GetHistogram().GetSampleCount())
	}
}

func TestMiddleware_ErrorsOnlyFor5xx(t *testing.T) {
	m := New()
	for _, code := range []int{200, 404, 503, 500} {
		code := code
		serveThrough(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}), http.MethodGet, "/")
	}
	if v := sample(t, m.reg, "http_errors_total", nil).GetCounter().GetValue(); v != 2 {
		t.Fatalf("errors = %v, want 2", v)
	}
}

func TestMiddleware_DefaultStatusAndPassthrough(t *testing.T) {
	m := New()
	rec := serveThrough(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Inner", "1")
	}), http.MethodPost, "/")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Inner") != "1" {
		t.Fatalf("response altered: %d %v", rec.Code, rec.Header())
	}
	sample(t, m.reg, "http_requests_total", map[string]string{"method": "POST", "status": "200"})
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	serveThrough(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = sample(t, m.reg, "http_inflight_requests", nil).GetGauge().GetValue()
	}), http.MethodGet, "/")
	if during != 1 {
		t.Fatalf("inflight during = %v", during)
	}
	if v := sample(t, m.reg, "http_inflight_requests", nil).GetGauge().GetValue(); v != 0 {
		t.Fatalf("inflight after = %v", v)
	}
}

func TestTraceExemplar(t *testing.T) {
	sampled := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	unsampled := sampled.WithTraceFlags(0)

	if ex := traceExemplar(trace.ContextWithSpanContext(context.Background(), sampled)); ex["trace_id"] != sampled.TraceID().String() {
		t.Fatalf("sampled exemplar = %v", ex)
	}
	if ex := traceExemplar(trace.ContextWithSpanContext(context.Background(), unsampled)); ex != nil {
		t.Fatalf("unsampled exemplar = %v", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no-trace exemplar = %v", ex)
	}
}
