package main

import (
	"encoding/json"
	"net/http"

	"chatsync/internal/metrics"
	"chatsync/internal/service"
	"chatsync/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleMetrics serves the registry as indented JSON, or in the Prometheus
// text format when called with ?format=prometheus.
func (s *Server) handleMetrics() http.HandlerFunc {
	prom := promhttp.HandlerFor(metrics.NewPrometheusRegistry(metrics.GetRegistry()), promhttp.HandlerOpts{
		ErrorLog:      s.logger,
		ErrorHandling: promhttp.ContinueOnError,
	})

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		if r.URL.Query().Get("format") == "prometheus" {
			prom.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(metrics.GetAllMetrics()); err != nil {
			s.logger.WithFields(tracing.LogFields(r.Context())).
				WithField(service.LogFieldComponent, "metrics").
				WithError(err).
				Error("Failed to encode metrics response")
		}
	}
}
