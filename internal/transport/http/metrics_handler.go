package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the engine's Prometheus registry.
type MetricsHandler struct {
	registry *prometheus.Registry
}

func NewMetricsHandler(registry *prometheus.Registry) *MetricsHandler {
	return &MetricsHandler{registry: registry}
}

// Handler returns the scrape endpoint for GET /metrics.
func (h *MetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}
