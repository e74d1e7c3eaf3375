package store

import (
	"context"
	"time"
)

// LogEntry is one append-only structured event attached to a session.
type LogEntry struct {
	ID        int64
	SessionID int64
	Level     string
	Message   string
	CreatedAt time.Time
}

// LogFilter narrows ListBySession.
type LogFilter struct {
	Level  string
	Limit  int
	Offset int
}

// LogRepository persists session logs.
type LogRepository interface {
	// Add appends one entry.
	Add(ctx context.Context, sessionID int64, level, message string, now time.Time) error
	// ListBySession returns entries for a session, oldest first.
	ListBySession(ctx context.Context, sessionID int64, f LogFilter) ([]LogEntry, error)
	// PruneBefore deletes entries older than cutoff and returns the removed
	// rows so the retention janitor can archive them.
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) ([]LogEntry, error)
}
