package sitehttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRegisterRoutes_JSONFallbacks(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/identity", func(w http.ResponseWriter, r *http.Request) {})
	New().RegisterRoutes(r)

	tests := []struct {
		method, path string
		code         int
		body         string
	}{
		{http.MethodGet, "/nope", http.StatusNotFound, `{"error":"not found"}`},
		{http.MethodDelete, "/api/identity", http.StatusMethodNotAllowed, `{"error":"method not allowed"}`},
		{http.MethodGet, "/api/identity", http.StatusOK, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))
		if rec.Code != tt.code || rec.Body.String() != tt.body {
			t.Errorf("%s %s = %d %q, want %d %q", tt.method, tt.path, rec.Code, rec.Body.String(), tt.code, tt.body)
		}
	}
}

func TestRegisterRoutes_NilHandlersKeepChiDefaults(t *testing.T) {
	r := chi.NewRouter()
	(&Routes{}).RegisterRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
