package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/emotionlistener/emotion-listener/internal/identity"
	"github.com/emotionlistener/emotion-listener/internal/render"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// TranscriptView is an archived transcript as returned by /api/history.
type TranscriptView struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id"`
	Phase        domain.Phase         `json:"phase"`
	InitialQuery string               `json:"initial_query"`
	Result       string               `json:"result,omitempty"`
	MessageCount int                  `json:"message_count"`
	Messages     []render.MessageView `json:"messages"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// GetHistory lists the caller's archived transcripts, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.repo.ListTranscripts(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list transcripts", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	out := make([]TranscriptView, 0, len(records))
	for _, rec := range records {
		out = append(out, h.transcriptView(rec))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"transcripts": out})
}

func (h *Handler) transcriptView(rec *domain.TranscriptRecord) TranscriptView {
	v := TranscriptView{
		ID:           rec.ID,
		SessionID:    rec.SessionID,
		Phase:        rec.Phase,
		InitialQuery: rec.InitialQuery,
		Result:       rec.Result,
		MessageCount: rec.MessageCount,
		Messages:     []render.MessageView{},
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(rec.MessagesJSON), &msgs); err != nil {
		slog.Warn("Corrupt archived transcript", "transcript_id", rec.ID, "error", err)
		return v
	}
	for _, m := range msgs {
		if !m.Sender.Valid() {
			slog.Warn("Skipping archived message with unknown sender", "transcript_id", rec.ID, "sender", m.Sender)
			continue
		}
		v.Messages = append(v.Messages, h.renderer.Message(m))
	}
	return v
}
