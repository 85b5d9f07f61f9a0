// Package session implements the follow-up interview that drives one chat
// session from the initial query to the final diagnosis.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emotionlistener/emotion-listener/internal/analysis"
	"github.com/emotionlistener/emotion-listener/internal/domain"
	"github.com/google/uuid"
)

// Fixed bot texts.
const (
	NoQuestionsText      = "No follow-up questions available."
	DiagnosisFailureText = "There was a problem processing your responses."
	FollowUpFailureText  = "We couldn't reach the analysis service. Please send your message again."
)

var (
	// ErrEmptyInput is returned for blank submissions.
	ErrEmptyInput = errors.New("message is empty")
	// ErrBusy is returned while a backend request is outstanding.
	ErrBusy = errors.New("a request is already in progress")
	// ErrSessionClosed is returned once the interview accepts no more input.
	ErrSessionClosed = errors.New("session is closed")
)

// Backend is the analysis service as seen by the controller.
type Backend interface {
	FollowUp(ctx context.Context, query string) (*analysis.FollowUp, error)
	Diagnose(ctx context.Context, req analysis.DiagnosisRequest) (string, error)
}

// Controller owns the state machine of one chat session.
// It is safe for concurrent use; at most one transition runs at a time.
type Controller struct {
	id      string
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu        sync.Mutex
	phase     domain.Phase
	busy      bool
	loading   bool
	interview domain.Interview
	messages  []domain.Message
	result    string
	createdAt time.Time
	updatedAt time.Time
	observers []Observer
	subs      map[int]chan Event
	nextSub   int
	closed    bool
	inflight  sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a synchronous event callback.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides how message ids are produced.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// New creates a controller in the awaiting-query phase.
func New(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		phase:   domain.PhaseAwaitingQuery,
		subs:    make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.id = c.newID()
	c.createdAt = c.now()
	c.updatedAt = c.createdAt
	return c
}

// ID returns the session's unique id.
func (c *Controller) ID() string {
	return c.id
}

// Submit handles one user submission and returns once the resulting
// transition, including any backend call, has completed.
func (c *Controller) Submit(ctx context.Context, text string) error {
	done, err := c.SubmitAsync(ctx, text)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// SubmitAsync records the user message synchronously and runs the rest of
// the transition in the background. The returned channel is closed when the
// transition has completed.
func (c *Controller) SubmitAsync(ctx context.Context, text string) (<-chan struct{}, error) {
	step, err := c.begin(text)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer c.inflight.Done()
		step(ctx)
	}()
	return done, nil
}

// Wait blocks until every accepted submission has finished its transition
// or ctx is done. Call it after Close so that no new submission is accepted.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin validates the submission, appends the user message and returns the
// backend step to run. It is the only place the busy flag is raised.
// Every returned step is counted in c.inflight.
func (c *Controller) begin(text string) (func(context.Context), error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return nil, ErrBusy
	}
	if c.closed || c.phase.Terminal() {
		return nil, ErrSessionClosed
	}

	step, err := c.transitionLocked(text)
	if err != nil {
		return nil, err
	}
	c.inflight.Add(1)
	return step, nil
}

func (c *Controller) transitionLocked(text string) (func(context.Context), error) {
	switch c.phase {
	case domain.PhaseAwaitingQuery:
		c.busy = true
		c.appendLocked(domain.SenderUser, text)
		return func(ctx context.Context) { c.requestFollowUp(ctx, text) }, nil

	case domain.PhaseCollectingAnswers:
		next, more := c.interview.NextQuestion()

		c.appendLocked(domain.SenderUser, text)
		c.interview.UserFollowupResponses = append(c.interview.UserFollowupResponses, text)

		if more {
			c.appendLocked(domain.SenderBot, next)
			c.interview.CurrentQuestionIndex++
			return func(context.Context) {}, nil
		}

		payload := analysis.DiagnosisRequest{
			InitialQuery:         c.interview.InitialQuery,
			Candidates:           c.interview.Clone().Candidates,
			FollowUpQuestions:    append([]string(nil), c.interview.FollowUpQuestions...),
			UserFollowupResponse: append([]string(nil), c.interview.UserFollowupResponses...),
		}
		c.busy = true
		c.setLoadingLocked(true)
		c.setPhaseLocked(domain.PhaseAwaitingDiagnosis)
		return func(ctx context.Context) { c.requestDiagnosis(ctx, payload) }, nil
	}

	return nil, ErrSessionClosed
}

func (c *Controller) requestFollowUp(ctx context.Context, query string) {
	resp, err := c.backend.FollowUp(ctx, query)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if err != nil {
		c.logger.Warn("Follow-up request failed", "session", c.id, "error", err)
		c.appendLocked(domain.SenderBot, FollowUpFailureText)
		return
	}

	if len(resp.Questions) == 0 {
		c.appendLocked(domain.SenderBot, NoQuestionsText)
		c.setPhaseLocked(domain.PhaseNoQuestions)
		return
	}

	c.interview = domain.Interview{
		InitialQuery:      resp.InitialQuery,
		Candidates:        resp.Candidates,
		FollowUpQuestions: append([]string(nil), resp.Questions...),
	}
	first, _ := c.interview.NextQuestion()
	c.appendLocked(domain.SenderBot, first)
	c.interview.CurrentQuestionIndex = 1
	c.setPhaseLocked(domain.PhaseCollectingAnswers)
}

func (c *Controller) requestDiagnosis(ctx context.Context, payload analysis.DiagnosisRequest) {
	result, err := c.backend.Diagnose(ctx, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if err != nil {
		c.logger.Warn("Diagnosis request failed", "session", c.id, "error", err)
		result = DiagnosisFailureText
	} else {
		c.result = result
	}
	c.setLoadingLocked(false)
	c.appendLocked(domain.SenderBot, result)
	c.setPhaseLocked(domain.PhaseComplete)
}

func (c *Controller) appendLocked(sender domain.Sender, text string) {
	msg := domain.Message{
		ID:        c.newID(),
		Seq:       len(c.messages) + 1,
		Text:      text,
		Sender:    sender,
		CreatedAt: c.now(),
	}
	c.messages = append(c.messages, msg)
	c.updatedAt = msg.CreatedAt
	c.emitLocked(Event{Type: EventMessage, Message: &msg})
}

func (c *Controller) setPhaseLocked(p domain.Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	c.updatedAt = c.now()
	c.emitLocked(Event{Type: EventPhase})
}

func (c *Controller) setLoadingLocked(v bool) {
	if c.loading == v {
		return
	}
	c.loading = v
	c.emitLocked(Event{Type: EventLoading})
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		ID:            c.id,
		Phase:         c.phase,
		Loading:       c.loading,
		Busy:          c.busy,
		QuestionIndex: c.interview.CurrentQuestionIndex,
		QuestionCount: len(c.interview.FollowUpQuestions),
		Messages:      append([]domain.Message(nil), c.messages...),
		Interview:     c.interview.Clone(),
	}
}

// Transcript returns a copy of the messages shown so far.
func (c *Controller) Transcript() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

// Phase returns the current phase.
func (c *Controller) Phase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Loading reports whether the diagnosis request is outstanding.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Result returns the diagnosis text once it has been received.
func (c *Controller) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Times returns when the session was created and last changed.
func (c *Controller) Times() (created, updated time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt, c.updatedAt
}
