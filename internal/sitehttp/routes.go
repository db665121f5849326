// Package sitehttp registers the router's fallbacks so unknown paths and
// methods answer with the same JSON error shape as the API.
package sitehttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Routes struct {
	NotFound         http.Handler
	MethodNotAllowed http.Handler
}

// New returns JSON 404 and 405 fallbacks.
func New() *Routes {
	return &Routes{
		NotFound:         jsonError(http.StatusNotFound, "not found"),
		MethodNotAllowed: jsonError(http.StatusMethodNotAllowed, "method not allowed"),
	}
}

// RegisterRoutes installs the fallbacks. It registers no patterns, so order
// relative to other registrars does not matter.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	if rt.NotFound != nil {
		r.NotFound(rt.NotFound.ServeHTTP)
	}
	if rt.MethodNotAllowed != nil {
		r.MethodNotAllowed(rt.MethodNotAllowed.ServeHTTP)
	}
}

func jsonError(status int, msg string) http.Handler {
	body := []byte(`{"error":"` + msg + `"}`)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}
