package httpmw

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestSecurityHeaders(t *testing.T) {
	_, calls, rec := serve(t, SecurityHeaders, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if calls != 1 {
		t.Fatalf("next called %d times", calls)
	}
	for _, kv := range securityHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestTraceResponseHeaders(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	_, _, rec := serve(t, TraceResponseHeaders("", ""), httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx))
	if rec.Header().Get("X-Trace-Id") != sc.TraceID().String() {
		t.Errorf("X-Trace-Id = %q", rec.Header().Get("X-Trace-Id"))
	}
	if rec.Header().Get("X-Span-Id") != sc.SpanID().String() {
		t.Errorf("X-Span-Id = %q", rec.Header().Get("X-Span-Id"))
	}

	_, _, rec = serve(t, TraceResponseHeaders("T", "S"), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Header().Get("T") != "" || rec.Header().Get("S") != "" {
		t.Error("headers set without a span")
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	})
	h := MaxBody(8)(inner)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345678")))
	if readErr != nil {
		t.Fatalf("at limit: %v", readErr)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456789")))
	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("over limit: err = %v, want *http.MaxBytesError", readErr)
	}
}

func TestAnnotateHTTPRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Get("/api/identity", func(http.ResponseWriter, *http.Request) {})

	ctx, span := tp.Tracer("test").Start(context.Background(), "GET")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/identity", http.NoBody).WithContext(ctx))
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans = %d", len(ended))
	}
	if ended[0].Name() != "GET /api/identity" {
		t.Fatalf("span name = %q", ended[0].Name())
	}
}
