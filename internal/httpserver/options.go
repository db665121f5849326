package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/proxyfix/internal/health"
	"github.com/keithlinneman/proxyfix/internal/httpmw"
	"github.com/keithlinneman/proxyfix/internal/log"
)

// RouteRegistrar adds routes (or router fallbacks) to the public router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger log.Logger
	Port   int

	// ProxyFix is always installed. A zero value resolves every request
	// from X-Forwarded-* with one proxy hop.
	ProxyFix httpmw.ProxyFixOptions

	// StripVhmRoot removes X-Vhm-Root before ProxyFix sees the request.
	StripVhmRoot bool

	UseRecoverMW bool
	OnPanic      func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	// MaxBodyBytes caps request bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	Health    health.Probe
	Readiness health.Probe

	Routes []RouteRegistrar
}
