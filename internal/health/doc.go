// Package health holds liveness and readiness probes and their HTTP handlers.
//
// Probes compose with All, Any and Named. ShutdownGate fails readiness as
// soon as draining starts so load balancers stop routing to the instance
// before the public listener closes.
package health
