package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/emotionlistener/emotion-listener/internal/analysis"
	"github.com/emotionlistener/emotion-listener/internal/analysis/analysistest"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/emotionlistener/emotion-listener/internal/identity"
	"github.com/emotionlistener/emotion-listener/internal/render"
	"github.com/emotionlistener/emotion-listener/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamEnv struct {
	url      string
	sessions *session.Manager
	registry *Registry
}

func newStreamEnv(t *testing.T, opts ...analysistest.Option) *streamEnv {
	t.Helper()

	backend := analysistest.NewServer(t, opts...)
	client, err := analysis.NewClient(analysis.ClientConfig{BaseURL: backend.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	sessions := session.NewManager(client, session.ManagerConfig{TTL: time.Minute})
	registry := NewRegistry()
	h := NewHandler(context.Background(), sessions, render.New(), registry, []string{"*"}, true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithIdentity(r.Context(), "anon_ws", r.URL.Query().Get(identity.SessionQueryParam))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
		sessions.Close()
	})

	return &streamEnv{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?session_id=tab-1",
		sessions: sessions,
		registry: registry,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, data))
}

// readUntil reads frames until pred matches, returning every frame read.
func readUntil(t *testing.T, ws *websocket.Conn, pred func(Frame) bool) []Frame {
	t.Helper()
	var frames []Frame
	for i := 0; i < 50; i++ {
		f := readFrame(t, ws)
		frames = append(frames, f)
		if pred(f) {
			return frames
		}
	}
	t.Fatalf("condition not met after %d frames", len(frames))
	return nil
}

func TestStreamSendsSnapshotFirst(t *testing.T) {
	env := newStreamEnv(t, analysistest.WithQuestions("How long?"))
	ws := dial(t, env.url)

	f := readFrame(t, ws)
	require.Equal(t, "snapshot", f.Type)
	require.NotNil(t, f.Snapshot)
	assert.Equal(t, domain.PhaseAwaitingQuery, f.Snapshot.Phase)
	assert.Empty(t, f.Snapshot.Messages)
	require.Eventually(t, func() bool { return env.registry.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStreamForwardsEventsForSubmissions(t *testing.T) {
	env := newStreamEnv(t,
		analysistest.WithQuestions("How long?"),
		analysistest.WithResult("Take **care**."),
	)
	ws := dial(t, env.url)
	require.Equal(t, "snapshot", readFrame(t, ws).Type)

	send(t, ws, map[string]string{"type": "submit", "text": "I feel anxious"})
	frames := readUntil(t, ws, func(f Frame) bool {
		return f.Type == "phase" && f.Phase == domain.PhaseCollectingAnswers
	})
	var texts []string
	for _, f := range frames {
		if f.Message != nil {
			texts = append(texts, f.Message.Text)
		}
	}
	assert.Equal(t, []string{"I feel anxious", "How long?"}, texts)

	send(t, ws, map[string]string{"type": "submit", "text": "2 weeks"})
	frames = readUntil(t, ws, func(f Frame) bool {
		return f.Type == "phase" && f.Phase == domain.PhaseComplete
	})
	var final *render.MessageView
	for _, f := range frames {
		if f.Message != nil && f.Message.Sender == domain.SenderBot {
			final = f.Message
		}
	}
	require.NotNil(t, final)
	assert.Contains(t, final.HTML, "<strong>care</strong>")
}

func TestStreamReportsSubmitErrors(t *testing.T) {
	env := newStreamEnv(t, analysistest.WithQuestions("Q?"))
	ws := dial(t, env.url)
	require.Equal(t, "snapshot", readFrame(t, ws).Type)

	send(t, ws, map[string]string{"type": "submit", "text": "   "})
	f := readFrame(t, ws)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, session.ErrEmptyInput.Error(), f.Error)

	send(t, ws, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, ws).Type)
}

func TestStreamFollowsResetSession(t *testing.T) {
	env := newStreamEnv(t, analysistest.WithQuestions("Q?"))
	ws := dial(t, env.url)
	first := readFrame(t, ws)
	require.Equal(t, "snapshot", first.Type)

	fresh := env.sessions.Reset("anon_ws", "tab-1")

	f := readFrame(t, ws)
	require.Equal(t, "snapshot", f.Type)
	assert.Equal(t, fresh.ID(), f.Snapshot.ID)
	assert.NotEqual(t, first.Snapshot.ID, f.Snapshot.ID)
}

func TestStreamRejectsAnonymousRequest(t *testing.T) {
	sessions := session.NewManager(nil, session.ManagerConfig{TTL: time.Minute})
	t.Cleanup(sessions.Close)
	h := NewHandler(context.Background(), sessions, render.New(), NewRegistry(), []string{"*"}, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/session", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "unauthorized", strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, 0, sessions.Count())
}
