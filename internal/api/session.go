package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/emotionlistener/emotion-listener/internal/identity"
	"github.com/emotionlistener/emotion-listener/internal/session"
	"github.com/go-chi/chi/v5"
)

const maxMessageBodySize = 16 << 10

// SubmitRequest is the body of POST /api/session/messages.
type SubmitRequest struct {
	Text string `json:"text"`
}

// RegisterRoutes registers the session, history and config routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/session", h.GetSession)
	r.Delete("/api/session", h.ResetSession)
	r.Post("/api/session/messages", h.PostMessage)
	r.Get("/api/history", h.GetHistory)
	r.Get("/api/config", h.GetConfig)
}

// GetSession returns the caller's tab session, creating it on first use.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctrl := h.sessions.Get(userID, identity.SessionIDFromContext(r.Context()))
	JSON(w, http.StatusOK, h.renderer.Snapshot(ctrl.Snapshot()))
}

// ResetSession archives the caller's tab session and starts a fresh one.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	ctrl := h.sessions.Reset(userID, sessionID)
	slog.Info("Chat session reset", "user_id", userID, "session_id", sessionID)
	JSON(w, http.StatusOK, h.renderer.Snapshot(ctrl.Snapshot()))
}

// PostMessage submits one user message. It returns as soon as the message is
// in the transcript; bot replies arrive on the websocket or a later GET.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBodySize)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl := h.sessions.Get(userID, sessionID)
	if _, err := ctrl.SubmitAsync(h.baseCtx, req.Text); err != nil {
		status := submitErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to submit message", "user_id", userID, "session_id", sessionID, "error", err)
		}
		Error(w, status, err.Error())
		return
	}

	JSON(w, http.StatusAccepted, h.renderer.Snapshot(ctrl.Snapshot()))
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
