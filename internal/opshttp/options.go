package opshttp

import (
	"net/http"

	"github.com/keithlinneman/proxyfix/internal/health"
)

type Options struct {
	// Port defaults to 9000.
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs after a handler panic is recovered and logged.
	OnPanic func()
}
