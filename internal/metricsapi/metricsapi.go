// Package metricsapi exposes the process's Prometheus metrics (defined in
// internal/metrics and internal/dispatch) on /metrics (§6).
package metricsapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Register wires the /metrics endpoint onto mux using the default
// Prometheus registry, the same registry internal/metrics' promauto
// collectors register themselves against.
func Register(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())
}
