package session

import (
	"github.com/emotionlistener/emotion-listener/internal/domain"
)

// EventType categorizes controller events.
type EventType string

const (
	// EventMessage is emitted for every transcript append.
	EventMessage EventType = "message"
	// EventLoading is emitted when the loading indicator changes.
	EventLoading EventType = "loading"
	// EventPhase is emitted when the interview moves to another phase.
	EventPhase EventType = "phase"
)

// Event describes one observable change of a session. Phase, Loading and
// Busy reflect the state right after the change.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Message   *domain.Message `json:"message,omitempty"`
	Phase     domain.Phase    `json:"phase"`
	Loading   bool            `json:"loading"`
	Busy      bool            `json:"busy"`
}

// Observer is called synchronously, in order, for every event. It runs
// while the controller is locked and must not call back into it.
type Observer func(Event)

// Subscribe returns a channel receiving the session's events and a function
// that cancels the subscription. Events are dropped for a subscriber whose
// buffer is full; it should resynchronise from a Snapshot.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close ends every subscription and stops accepting submissions. Later
// subscriptions are closed immediately; a running transition still completes.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) emitLocked(ev Event) {
	ev.SessionID = c.id
	ev.Phase = c.phase
	ev.Loading = c.loading
	ev.Busy = c.busy

	for _, o := range c.observers {
		o(ev)
	}
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("Dropping session event for slow subscriber",
				"session", c.id,
				"subscriber", id,
				"type", ev.Type,
			)
		}
	}
}
