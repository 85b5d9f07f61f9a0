package domain

import "time"

// TranscriptRecord is the archived form of a finished or abandoned session.
type TranscriptRecord struct {
	ID           string
	UserID       string
	SessionID    string
	Phase        Phase
	InitialQuery string
	Result       string
	MessagesJSON string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
