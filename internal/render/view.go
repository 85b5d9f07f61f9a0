package render

import (
	"time"

	"github.com/emotionlistener/emotion-listener/internal/domain"
)

// MessageView is a transcript entry as sent to clients.
type MessageView struct {
	ID        string        `json:"id"`
	Seq       int           `json:"seq"`
	Text      string        `json:"text"`
	Sender    domain.Sender `json:"sender"`
	CreatedAt time.Time     `json:"created_at"`
	HTML      string        `json:"html,omitempty"`
}

// SnapshotView is a session snapshot as sent to clients.
type SnapshotView struct {
	ID            string        `json:"id"`
	Phase         domain.Phase  `json:"phase"`
	Loading       bool          `json:"loading"`
	Busy          bool          `json:"busy"`
	Closed        bool          `json:"closed"`
	QuestionIndex int           `json:"question_index"`
	QuestionCount int           `json:"question_count"`
	Messages      []MessageView `json:"messages"`
}

// Message converts m. Bot messages carry rendered HTML.
func (r *Renderer) Message(m domain.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		Seq:       m.Seq,
		Text:      m.Text,
		Sender:    m.Sender,
		CreatedAt: m.CreatedAt,
	}
	if m.IsBot() {
		v.HTML = r.HTMLOrEscaped(m.Text)
	}
	return v
}

// Snapshot converts s.
func (r *Renderer) Snapshot(s domain.Snapshot) SnapshotView {
	msgs := make([]MessageView, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, r.Message(m))
	}
	return SnapshotView{
		ID:            s.ID,
		Phase:         s.Phase,
		Loading:       s.Loading,
		Busy:          s.Busy,
		Closed:        s.Phase.Terminal(),
		QuestionIndex: s.QuestionIndex,
		QuestionCount: s.QuestionCount,
		Messages:      msgs,
	}
}
