// Package health serves the engine's operational HTTP surface: liveness,
// readiness, and Prometheus metrics.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source reports the runtime facts readiness depends on.
type Source interface {
	// ControlPlaneConnected reports whether the event stream is up.
	ControlPlaneConnected() bool
	// ActiveCalls is the live session count.
	ActiveCalls() int
}

// Handler builds the operational mux. Liveness is unconditional; readiness
// requires a connected control plane so a load balancer never routes dial
// requests at an engine that cannot see call events.
func Handler(src Source, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		connected := src.ControlPlaneConnected()
		status := http.StatusOK
		if !connected {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"control_plane_connected": connected,
			"active_calls":            src.ActiveCalls(),
		})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return mux
}
