package domain

import "time"

// Sender identifies who authored a transcript entry.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderBot
}

// Message is one transcript entry. Seq is 1-based and defines display order.
type Message struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// IsBot returns true if the message was produced by the system.
func (m Message) IsBot() bool {
	return m.Sender == SenderBot
}
