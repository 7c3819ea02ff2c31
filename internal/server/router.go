// Package server wires the HTTP API routes.
package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huntwire-systems/huntwire/internal/handlers"
	"github.com/huntwire-systems/huntwire/internal/middleware"
)

// NewRouter constructs a ServeMux with the engine API routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.IngestEvent(w, r)
	})

	mux.HandleFunc("/api/v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ListIncidents(w, r)
	})

	mux.HandleFunc("/api/v1/incidents/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/acknowledge"):
			h.AcknowledgeIncident(w, r, strings.TrimSuffix(rest, "/acknowledge"))
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/status"):
			h.TransitionIncident(w, r, strings.TrimSuffix(rest, "/status"))
		case r.Method == http.MethodGet && rest != "" && !strings.Contains(rest, "/"):
			h.GetIncident(w, r, rest)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	})

	mux.HandleFunc("/api/v1/export/incidents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ExportIncidents(w, r)
	})

	mux.HandleFunc("/api/v1/export/detections", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ExportDetections(w, r)
	})

	mux.HandleFunc("/api/v1/chains", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ExportChains(w, r)
	})

	// Health endpoint
	mux.HandleFunc("/healthz", h.HealthCheck)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
