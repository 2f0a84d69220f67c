package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensed/internal/clock"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// HealthHandler serves liveness, readiness and version endpoints.
type HealthHandler struct {
	clock  clock.Clock
	start  time.Time
	logger *slog.Logger
}

func NewHealthHandler(clk clock.Clock, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		clock:  clk,
		start:  clk.Now(),
		logger: logger.With(slog.String("handler", "health")),
	}
}

// Routes returns a chi router for health endpoints.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HealthCheck)
	r.Get("/live", h.LivenessCheck)
	r.Get("/ready", h.ReadinessCheck)
	r.Get("/version", h.VersionInfo)
	return r
}

// HealthCheck handles GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"uptime":    h.clock.Now().Sub(h.start).String(),
		"timestamp": h.clock.Now().UTC(),
	})
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

// ReadinessCheck handles GET /api/health/ready
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ready"})
}

// VersionInfo handles GET /api/health/version
func (h *HealthHandler) VersionInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"version": Version})
}
