package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/emotionlistener/emotion-listener/internal/identity"
	"github.com/emotionlistener/emotion-listener/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.Repository
	sessions interface{ Count() int }
}

// NewHealthHandler creates a new health handler. sessions may be nil.
func NewHealthHandler(repo store.Repository, sessions interface{ Count() int }) *HealthHandler {
	return &HealthHandler{repo: repo, sessions: sessions}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.sessions != nil {
		status["active_sessions"] = h.sessions.Count()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"archive_enabled":    h.cfg.ArchiveEnabled,
		"session_ttl":        int64(h.cfg.SessionTTL.Seconds()),
		"session_header":     identity.SessionHeaderName,
		"input_placeholder":  "Tell me how you're feeling...",
		"rate_limit_per_min": perMinute(h.cfg.RateLimit.RequestsPerWindow, h.cfg.RateLimit.WindowDuration),
	})
}

func perMinute(n int, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(n) * float64(time.Minute) / float64(window)
}
