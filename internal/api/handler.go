// Package api provides HTTP handlers for the listener API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/emotionlistener/emotion-listener/internal/config"
	"github.com/emotionlistener/emotion-listener/internal/render"
	"github.com/emotionlistener/emotion-listener/internal/session"
	"github.com/emotionlistener/emotion-listener/internal/store"
)

// Handler serves the chat session, history and config endpoints.
type Handler struct {
	// baseCtx outlives individual requests; backend calls run on it so a
	// closed browser tab does not abort the interview.
	baseCtx  context.Context
	repo     store.Repository
	sessions *session.Manager
	renderer *render.Renderer
	limiter  *RateLimiter
	cfg      *config.Config
}

// NewHandler creates a new Handler. baseCtx should be cancelled on shutdown.
func NewHandler(baseCtx context.Context, repo store.Repository, sessions *session.Manager, renderer *render.Renderer, cfg *config.Config) *Handler {
	return &Handler{
		baseCtx:  baseCtx,
		repo:     repo,
		sessions: sessions,
		renderer: renderer,
		limiter:  NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:      cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
