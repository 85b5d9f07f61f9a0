package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/emotionlistener/emotion-listener/internal/convlog"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	mu      sync.Mutex
	records []*domain.TranscriptRecord
}

func (f *fakeArchiver) SaveTranscript(_ context.Context, rec *domain.TranscriptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeArchiver) saved() []*domain.TranscriptRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.TranscriptRecord(nil), f.records...)
}

type recordingLog struct {
	mu     sync.Mutex
	events []convlog.Event
}

func (r *recordingLog) Log(ev convlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingLog) Close() error { return nil }

func TestManagerGetReturnsSameController(t *testing.T) {
	m := NewManager(newFakeBackend("Q?"), ManagerConfig{TTL: time.Minute})

	a := m.Get("anon_1", "tab-1")
	b := m.Get("anon_1", "tab-1")
	c := m.Get("anon_1", "tab-2")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, m.Count())
}

func TestManagerResetArchivesAndReplaces(t *testing.T) {
	archiver := &fakeArchiver{}
	m := NewManager(newFakeBackend("Q?"), ManagerConfig{TTL: time.Minute}, WithArchiver(archiver))

	old := m.Get("anon_1", "tab-1")
	require.NoError(t, old.Submit(context.Background(), "I feel anxious"))

	fresh := m.Reset("anon_1", "tab-1")
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Empty(t, fresh.Transcript())

	saved := archiver.saved()
	require.Len(t, saved, 1)
	rec := saved[0]
	assert.Equal(t, old.ID(), rec.ID)
	assert.Equal(t, "anon_1", rec.UserID)
	assert.Equal(t, "tab-1", rec.SessionID)
	assert.Equal(t, domain.PhaseCollectingAnswers, rec.Phase)
	assert.Equal(t, "I feel anxious", rec.InitialQuery)
	assert.Equal(t, 2, rec.MessageCount)

	var msgs []domain.Message
	require.NoError(t, json.Unmarshal([]byte(rec.MessagesJSON), &msgs))
	assert.Equal(t, "Q?", msgs[1].Text)
}

func TestManagerSkipsEmptyTranscripts(t *testing.T) {
	archiver := &fakeArchiver{}
	m := NewManager(newFakeBackend("Q?"), ManagerConfig{TTL: time.Minute}, WithArchiver(archiver))

	m.Get("anon_1", "tab-1")
	m.Reset("anon_1", "tab-1")
	assert.Empty(t, archiver.saved())
}

func TestManagerEvictionArchives(t *testing.T) {
	archiver := &fakeArchiver{}
	m := NewManager(newFakeBackend("Q?"), ManagerConfig{
		TTL:             20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, WithArchiver(archiver))

	ctrl := m.Get("anon_1", "tab-1")
	require.NoError(t, ctrl.Submit(context.Background(), "hello"))

	require.Eventually(t, func() bool {
		return len(archiver.saved()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Count())
}

func TestManagerCloseArchivesLiveSessions(t *testing.T) {
	archiver := &fakeArchiver{}
	m := NewManager(newFakeBackend("Q?"), ManagerConfig{TTL: time.Minute}, WithArchiver(archiver))

	for _, tab := range []string{"tab-1", "tab-2"} {
		require.NoError(t, m.Get("anon_1", tab).Submit(context.Background(), "hi"))
	}
	m.Close()

	assert.Len(t, archiver.saved(), 2)
	assert.Equal(t, 0, m.Count())
}

func TestManagerWritesConversationLog(t *testing.T) {
	log := &recordingLog{}
	m := NewManager(newFakeBackend("How long?"), ManagerConfig{TTL: time.Minute}, WithConversationLog(log))

	require.NoError(t, m.Get("anon_1", "tab-1").Submit(context.Background(), "I feel anxious"))

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.events, 2)
	assert.Equal(t, "chat_user_message", log.events[0].EventType)
	assert.Equal(t, "outbound", log.events[0].Direction)
	assert.Equal(t, "I feel anxious", log.events[0].ContentRaw)
	assert.Equal(t, "chat_bot_message", log.events[1].EventType)
	assert.Equal(t, "How long?", log.events[1].ContentRaw)
	assert.Equal(t, "tab-1", log.events[1].SessionID)
}

func TestManagerGetRetiresExpiredSession(t *testing.T) {
	archiver := &fakeArchiver{}
	m := NewManager(newFakeBackend("Q?"), ManagerConfig{
		TTL:             50 * time.Millisecond,
		CleanupInterval: time.Hour,
	}, WithArchiver(archiver))
	ctx := context.Background()

	old := m.Get("anon_1", "tab-1")
	events, unsubscribe := old.Subscribe(8)
	defer unsubscribe()
	require.NoError(t, old.Submit(ctx, "hello"))

	time.Sleep(80 * time.Millisecond)
	fresh := m.Get("anon_1", "tab-1")
	assert.NotSame(t, old, fresh)

	saved := archiver.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, old.ID(), saved[0].ID)

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond, "subscription of the expired session stays open")
	assert.ErrorIs(t, old.Submit(ctx, "late"), ErrSessionClosed)
}

func TestManagerCloseWaitsForRunningTransition(t *testing.T) {
	archiver := &fakeArchiver{}
	backend := newFakeBackend("Q?")
	backend.gate = make(chan struct{})
	m := NewManager(backend, ManagerConfig{TTL: time.Minute}, WithArchiver(archiver))
	ctx := context.Background()

	ctrl := m.Get("anon_1", "tab-1")
	require.NoError(t, ctrl.Submit(ctx, "initial"))
	_, err := ctrl.SubmitAsync(ctx, "answer")
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a diagnosis was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, archiver.saved())

	close(backend.gate)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	saved := archiver.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, domain.PhaseComplete, saved[0].Phase)
	assert.Equal(t, "X", saved[0].Result)
	assert.ErrorIs(t, ctrl.Submit(ctx, "after close"), ErrSessionClosed)
}
