package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/proxyfix/internal/health"
	"github.com/keithlinneman/proxyfix/internal/httpmw"
	"github.com/keithlinneman/proxyfix/internal/log"
)

func localReq(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:50123"
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Routes(t *testing.T) {
	var gate health.ShutdownGate
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "proxyfix_requests_total 1\n")
	})
	h := NewHandler(log.Nop(), Options{
		Metrics:   metrics,
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	})

	if rec := do(h, localReq(http.MethodGet, PathHealthy)); rec.Code != 200 {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := do(h, localReq(http.MethodGet, PathReady)); rec.Code != 200 {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("shutting down")
	rec := do(h, localReq(http.MethodGet, PathReady))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("ready while draining = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(h, localReq(http.MethodGet, PathMetrics)); !strings.Contains(rec.Body.String(), "proxyfix_requests_total") {
		t.Fatalf("metrics body = %q", rec.Body.String())
	}
}

func TestNewHandler_NoMetrics(t *testing.T) {
	h := NewHandler(log.Nop(), Options{})
	if rec := do(h, localReq(http.MethodGet, PathMetrics)); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", rec.Code)
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	off := NewHandler(log.Nop(), Options{})
	if rec := do(off, localReq(http.MethodGet, "/debug/pprof/")); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
	on := NewHandler(log.Nop(), Options{EnablePprof: true})
	if rec := do(on, localReq(http.MethodGet, "/debug/pprof/")); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled = %d", rec.Code)
	}
}

func TestNewHandler_RecoversPanics(t *testing.T) {
	var panics int
	h := NewHandler(log.Nop(), Options{
		Health:  health.CheckFunc(func(context.Context) error { panic("probe bug") }),
		OnPanic: func() { panics++ },
	})
	if rec := do(h, localReq(http.MethodGet, PathHealthy)); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic = %d", panics)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:1", 200},
		{"[::1]:1", 200},
		{"10.1.2.3:1", 200},
		{"172.16.0.9:1", 200},
		{"192.168.1.1:1", 200},
		{"169.254.169.254:1", 200},
		{"[fe80::1]:1", 200},
		{"[fd00::1]:1", 200},
		{"[::ffff:10.0.0.1]:1", 200},
		{"8.8.8.8:1", 403},
		{"[2001:4860::8888]:1", 403},
		{"[::ffff:8.8.8.8]:1", 403},
		{"192.0.2.1:1234", 403},
		{"not-an-ip", 403},
		{"", 403},
		{"10.0.0.1", 200},
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := requireNonPublicNetwork(log.Nop(), ok)
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.RemoteAddr = tt.remote
		if rec := do(h, req); rec.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestRequireNonPublicNetwork_RejectsProxiedRequests(t *testing.T) {
	h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for _, hdr := range []string{httpmw.HeaderForwardedFor, httpmw.HeaderProxyToken, httpmw.HeaderProxyIP, "Forwarded"} {
		req := localReq(http.MethodGet, "/")
		req.Header.Set(hdr, "x")
		if rec := do(h, req); rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", hdr, rec.Code)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStart_Lifecycle(t *testing.T) {
	port := freePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, PathHealthy)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting after stop")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if _, err := Start(context.Background(), log.Nop(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("want listen error for a port in use")
	}
}
