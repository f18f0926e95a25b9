// This file generalizes the teacher's internal/metrics package
// (Copyright 2015 Matthew Holt and The Caddy Authors, Apache License
// 2.0) — a package-level prometheus.Registry plus a handful of
// CounterVec/GaugeVec instruments registered once at init — from
// per-HTTP-request counters to per-dispatch-outcome counters for the
// raw-socket proxy core.

// Package octometrics exposes Prometheus instrumentation for the
// dispatcher and health prober. Its Observe*/Set* calls are cheap,
// always-on label updates against a private registry; Handler is what
// callers mount on an admin listener to actually scrape it.
package octometrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is a dedicated registry rather than the global default,
	// matching the teacher's own isolated admin-metrics registry so a
	// caller can mount it on a loopback-only listener without pulling
	// in Go runtime/process metrics it didn't ask for.
	Registry = prometheus.NewRegistry()

	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "octoproxy_dispatch_total",
		Help: "Count of dispatched transactions by backend and outcome.",
	}, []string{"backend", "outcome"})

	probeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "octoproxy_probe_total",
		Help: "Count of health probes by backend and outcome.",
	}, []string{"backend", "outcome"})

	backendInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "octoproxy_backend_inflight",
		Help: "Current in-flight transaction count per backend.",
	}, []string{"backend"})
)

func init() {
	Registry.MustRegister(dispatchTotal, probeTotal, backendInFlight)
}

// Outcome labels used across ObserveDispatch/ObserveProbe.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeFailure   = "failure"
)

// ObserveDispatch records one client-facing dispatch outcome against backend.
func ObserveDispatch(backend, outcome string) {
	dispatchTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveProbe records one health-probe outcome against backend.
func ObserveProbe(backend, outcome string) {
	probeTotal.WithLabelValues(backend, outcome).Inc()
}

// SetInFlight reports the current in-flight count for backend.
func SetInFlight(backend string, n int64) {
	backendInFlight.WithLabelValues(backend).Set(float64(n))
}

// Handler returns the HTTP handler to mount on an admin/loopback
// listener, never on the proxy's own data-plane listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
