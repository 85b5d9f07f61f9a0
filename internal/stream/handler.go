package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/emotionlistener/emotion-listener/internal/identity"
	"github.com/emotionlistener/emotion-listener/internal/render"
	"github.com/emotionlistener/emotion-listener/internal/session"
)

const (
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 10 * time.Second
	subscriptionBuffer  = 64
)

// Frame is one server-to-client websocket message.
type Frame struct {
	Type     string               `json:"type"`
	Snapshot *render.SnapshotView `json:"snapshot,omitempty"`
	Message  *render.MessageView  `json:"message,omitempty"`
	Phase    domain.Phase         `json:"phase,omitempty"`
	Loading  bool                 `json:"loading"`
	Busy     bool                 `json:"busy"`
	Error    string               `json:"error,omitempty"`
}

// clientFrame is one client-to-server websocket message.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Handler serves /ws/session.
type Handler struct {
	baseCtx        context.Context
	sessions       *session.Manager
	renderer       *render.Renderer
	registry       *Registry
	allowedOrigins []string
	isDev          bool
	pingInterval   time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// NewHandler creates a websocket handler. Submissions received over the socket
// run on baseCtx.
func NewHandler(baseCtx context.Context, sessions *session.Manager, renderer *render.Renderer, registry *Registry, allowedOrigins []string, isDev bool, opts ...Option) *Handler {
	h := &Handler{
		baseCtx:        baseCtx,
		sessions:       sessions,
		renderer:       renderer,
		registry:       registry,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		pingInterval:   defaultPingInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// ServeHTTP upgrades the request and streams the caller's tab session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.registry.Register(userID, sessionID, ws)
	defer h.registry.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.Info("Session stream connected", "user_id", userID, "session_id", sessionID)

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, userID, sessionID)
	}()

	h.writeLoop(ctx, ws, userID, sessionID)
	slog.Info("Session stream closed", "user_id", userID, "session_id", sessionID)
}

// writeLoop sends the snapshot and then every event. When the controller is
// replaced (reset or expiry) it follows the new one.
func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	keepalive := time.NewTicker(h.pingInterval)
	defer keepalive.Stop()

	for ctx.Err() == nil {
		ctrl := h.sessions.Get(userID, sessionID)
		events, unsubscribe := ctrl.Subscribe(subscriptionBuffer)

		snap := h.renderer.Snapshot(ctrl.Snapshot())
		if err := h.writeJSON(ctx, ws, Frame{
			Type: "snapshot", Snapshot: &snap,
			Phase: snap.Phase, Loading: snap.Loading, Busy: snap.Busy,
		}); err != nil {
			unsubscribe()
			slog.Debug("Failed to send snapshot", "error", err, "user_id", userID)
			return
		}

		if !h.pump(ctx, ws, events, keepalive.C, userID) {
			unsubscribe()
			return
		}
		unsubscribe()
	}
}

// pump forwards events until the subscription closes (returns true) or the
// connection fails (returns false).
func (h *Handler) pump(ctx context.Context, ws *websocket.Conn, events <-chan session.Event, keepalive <-chan time.Time, userID string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if err := h.writeJSON(ctx, ws, h.frame(ev)); err != nil {
				slog.Debug("Failed to send event", "error", err, "user_id", userID)
				return false
			}
		case <-keepalive:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err, "user_id", userID)
				return false
			}
		}
	}
}

func (h *Handler) frame(ev session.Event) Frame {
	f := Frame{
		Type:    string(ev.Type),
		Phase:   ev.Phase,
		Loading: ev.Loading,
		Busy:    ev.Busy,
	}
	if ev.Message != nil {
		m := h.renderer.Message(*ev.Message)
		f.Message = &m
	}
	return f
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.writeJSON(ctx, ws, Frame{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, Frame{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "submit":
			ctrl := h.sessions.Get(userID, sessionID)
			if _, err := ctrl.SubmitAsync(h.baseCtx, msg.Text); err != nil {
				_ = h.writeJSON(ctx, ws, Frame{Type: "error", Error: err.Error()})
			}
		default:
			_ = h.writeJSON(ctx, ws, Frame{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
