package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emotionlistener/emotion-listener/internal/convlog"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/patrickmn/go-cache"
)

const (
	// archiveTimeout bounds a single archive write triggered by eviction.
	archiveTimeout = 5 * time.Second
	// drainTimeout bounds how long Close waits for running transitions.
	drainTimeout = 10 * time.Second
)

// Archiver persists finished or abandoned transcripts.
type Archiver interface {
	SaveTranscript(ctx context.Context, rec *domain.TranscriptRecord) error
}

// ManagerConfig controls the session registry.
type ManagerConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

type entry struct {
	userID    string
	sessionID string
	ctrl      *Controller
}

// Manager keeps one Controller per user and tab session. Idle sessions
// expire after the TTL and are archived on the way out.
type Manager struct {
	backend  Backend
	archiver Archiver
	convLog  convlog.Logger
	logger   *slog.Logger
	ttl      time.Duration

	mu    sync.Mutex
	cache *cache.Cache
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithArchiver enables transcript archival.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// WithConversationLog routes every transcript append to the conversation log.
func WithConversationLog(l convlog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.convLog = l
		}
	}
}

// WithManagerLogger sets the diagnostic logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a session registry.
func NewManager(backend Backend, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.TTL / 6
	}

	m := &Manager{
		backend: backend,
		convLog: convlog.Nop{},
		logger:  slog.Default(),
		ttl:     cfg.TTL,
		cache:   cache.New(cfg.TTL, cfg.CleanupInterval),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cache.OnEvicted(m.onEvicted)
	return m
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the controller for the tab session, creating it if needed.
// Every call extends the session's lifetime.
func (m *Manager) Get(userID, sessionID string) *Controller {
	key := sessionKey(userID, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, found := m.cache.Get(key); found {
		e := v.(*entry)
		m.cache.Set(key, e, cache.DefaultExpiration)
		return e.ctrl
	}

	// An expired entry the janitor has not collected yet is still stored.
	// Set would overwrite it without eviction, so retire it explicitly.
	m.cache.Delete(key)

	e := &entry{userID: userID, sessionID: sessionID}
	e.ctrl = New(m.backend,
		WithLogger(m.logger.With("user_id", userID, "session_id", sessionID)),
		WithObserver(m.conversationObserver(userID, sessionID)),
	)
	m.cache.Set(key, e, cache.DefaultExpiration)
	m.logger.Info("Chat session started", "user_id", userID, "session_id", sessionID, "session", e.ctrl.ID())
	return e.ctrl
}

// Reset archives the current session, if any, and starts a fresh one.
func (m *Manager) Reset(userID, sessionID string) *Controller {
	m.mu.Lock()
	m.cache.Delete(sessionKey(userID, sessionID))
	m.mu.Unlock()
	return m.Get(userID, sessionID)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.cache.ItemCount()
}

// Close stops every live session, waits for running transitions to finish
// and archives the transcripts.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.DeleteExpired()
	items := m.cache.Items()
	for _, item := range items {
		if e, ok := item.Object.(*entry); ok {
			e.ctrl.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for key, item := range items {
		if e, ok := item.Object.(*entry); ok {
			if err := e.ctrl.Wait(ctx); err != nil {
				m.logger.Warn("Session transition still running at shutdown", "key", key, "error", err)
			}
		}
		m.cache.Delete(key)
	}
}

func (m *Manager) onEvicted(key string, v interface{}) {
	e, ok := v.(*entry)
	if !ok {
		return
	}
	defer e.ctrl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := m.archive(ctx, e.userID, e.sessionID, e.ctrl); err != nil {
		m.logger.Warn("Failed to archive evicted session", "key", key, "error", err)
	}
	m.logger.Info("Chat session ended", "user_id", e.userID, "session_id", e.sessionID, "session", e.ctrl.ID())
}

func (m *Manager) archive(ctx context.Context, userID, sessionID string, ctrl *Controller) error {
	if m.archiver == nil {
		return nil
	}
	rec, err := NewTranscriptRecord(userID, sessionID, ctrl)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := m.archiver.SaveTranscript(ctx, rec); err != nil {
		return fmt.Errorf("save transcript %s: %w", rec.ID, err)
	}
	return nil
}

// NewTranscriptRecord converts a controller into its archived form.
// It returns nil for a session without messages.
func NewTranscriptRecord(userID, sessionID string, ctrl *Controller) (*domain.TranscriptRecord, error) {
	snap := ctrl.Snapshot()
	if len(snap.Messages) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(snap.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	created, updated := ctrl.Times()
	return &domain.TranscriptRecord{
		ID:           snap.ID,
		UserID:       userID,
		SessionID:    sessionID,
		Phase:        snap.Phase,
		InitialQuery: snap.Interview.InitialQuery,
		Result:       ctrl.Result(),
		MessagesJSON: string(data),
		MessageCount: len(snap.Messages),
		CreatedAt:    created,
		UpdatedAt:    updated,
	}, nil
}

func (m *Manager) conversationObserver(userID, sessionID string) Observer {
	return func(ev Event) {
		if ev.Type != EventMessage || ev.Message == nil {
			return
		}
		direction, eventType := "outbound", "chat_user_message"
		if ev.Message.IsBot() {
			direction, eventType = "inbound", "chat_bot_message"
		}
		m.convLog.Log(convlog.Event{
			Timestamp:  ev.Message.CreatedAt.UTC().Format(time.RFC3339Nano),
			UserID:     userID,
			SessionID:  sessionID,
			Channel:    "chat_session",
			Direction:  direction,
			EventType:  eventType,
			ContentRaw: ev.Message.Text,
			Meta: map[string]any{
				"session": ev.SessionID,
				"seq":     ev.Message.Seq,
				"phase":   ev.Phase,
			},
		})
	}
}
