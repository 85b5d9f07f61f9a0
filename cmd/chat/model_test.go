package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/emotionlistener/emotion-listener/internal/analysis"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/emotionlistener/emotion-listener/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	questions []string
	result    string
	err       error
}

func (s *stubBackend) FollowUp(_ context.Context, query string) (*analysis.FollowUp, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &analysis.FollowUp{InitialQuery: query, Candidates: map[string]string{}, Questions: s.questions}, nil
}

func (s *stubBackend) Diagnose(_ context.Context, _ analysis.DiagnosisRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.result, nil
}

func newTestModel(b session.Backend) model {
	return newModel(context.Background(), func() *session.Controller { return session.New(b) })
}

func typeAndSend(t *testing.T, m model, text string) model {
	t.Helper()
	m.input.SetValue(text)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(model)
}

// drainUntil feeds controller events into the model until the phase is reached.
func drainUntil(t *testing.T, m model, phase domain.Phase) model {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.events:
			next, _ := m.Update(ev)
			m = next.(model)
			if m.phase == phase && !m.ctrl.Snapshot().Busy {
				return m
			}
		case <-timeout:
			t.Fatalf("phase %s not reached, at %s", phase, m.phase)
		}
	}
}

func TestModelRunsInterview(t *testing.T) {
	m := newTestModel(&stubBackend{questions: []string{"How long?"}, result: "You seem **stressed**."})

	m = typeAndSend(t, m, "I feel anxious")
	assert.Empty(t, m.input.Value())
	m = drainUntil(t, m, domain.PhaseCollectingAnswers)
	require.Len(t, m.history, 2)
	assert.Equal(t, "How long?", m.history[1].Text)

	m = typeAndSend(t, m, "2 weeks")
	m = drainUntil(t, m, domain.PhaseComplete)
	require.Len(t, m.history, 4)
	assert.Contains(t, m.renderTranscript(), "stressed")
	assert.Contains(t, m.status, "ctrl+n")

	m = typeAndSend(t, m, "more")
	assert.Contains(t, m.status, "ended")
}

func TestModelNewSessionClearsTranscript(t *testing.T) {
	m := newTestModel(&stubBackend{questions: []string{"Q?"}})
	m = typeAndSend(t, m, "hello")
	m = drainUntil(t, m, domain.PhaseCollectingAnswers)
	old := m.ctrl.ID()

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlN})
	m = next.(model)
	assert.NotEqual(t, old, m.ctrl.ID())
	assert.Empty(t, m.history)
	assert.Equal(t, domain.PhaseAwaitingQuery, m.phase)
}

func TestModelShowsRetryTextOnBackendFailure(t *testing.T) {
	m := newTestModel(&stubBackend{err: errors.New("down")})
	m = typeAndSend(t, m, "hello")

	timeout := time.After(2 * time.Second)
	for len(m.history) < 2 {
		select {
		case ev := <-m.events:
			next, _ := m.Update(ev)
			m = next.(model)
		case <-timeout:
			t.Fatal("no bot reply")
		}
	}
	assert.Equal(t, session.FollowUpFailureText, m.history[1].Text)
	assert.Equal(t, domain.PhaseAwaitingQuery, m.phase)
}

func TestModelViewShowsHelp(t *testing.T) {
	m := newTestModel(&stubBackend{})
	assert.Contains(t, m.View(), "ctrl+n")
}
