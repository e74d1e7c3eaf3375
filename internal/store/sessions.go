// Package store declares persistence interfaces for sessions, discovered
// URLs, and session logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pricegrid/orchestrator/internal/session"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrActiveSessionExists signals that a non-terminal session already holds the
// job key. Callers translate it to a 409 carrying the existing session id.
var ErrActiveSessionExists = errors.New("active session exists for job key")

// IllegalTransitionError reports a lifecycle mutation rejected by the state
// machine. Current carries the status the row actually had.
type IllegalTransitionError struct {
	SessionID int64
	Current   session.Status
	Target    session.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("session %d: illegal transition %s -> %s", e.SessionID, e.Current, e.Target)
}

// NewSessionParams captures everything needed to insert a session row.
type NewSessionParams struct {
	JobKey string
	// Status is the seed state: created for normal starts, collect_done for
	// retries resuming from known discovered work.
	Status    session.Status
	Limits    session.Limits
	TotalURLs int
	StartedAt time.Time
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	JobKey string
	Status *session.Status
	Limit  int
	Offset int
}

// KeyOutcomes aggregates terminal outcomes and liveness for one job key over a
// window, feeding the health scorer.
type KeyOutcomes struct {
	JobKey    string `json:"job_key"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Aborted   int    `json:"aborted"`
	Zombies   int    `json:"zombies"`
}

// SessionCounts summarizes current lifecycle occupancy for the system report.
type SessionCounts struct {
	Active  int
	Running int
}

// SessionRepository is the single mutation surface over session rows. Every
// lifecycle write goes through a named method here; there is no generic
// field-update escape hatch.
type SessionRepository interface {
	// Create inserts a new session row. Returns ErrActiveSessionExists when the
	// partial unique index rejects a second non-terminal row for the key.
	Create(ctx context.Context, p NewSessionParams) (session.Session, error)
	// Get loads one session or ErrNotFound.
	Get(ctx context.Context, id int64) (session.Session, error)
	// GetActiveByKey returns the non-terminal session for a key, or ErrNotFound.
	GetActiveByKey(ctx context.Context, jobKey string) (session.Session, error)
	// List returns sessions matching the filter, newest first.
	List(ctx context.Context, f SessionFilter) ([]session.Session, error)

	// MarkDispatched flips dispatched to true; it must be persisted before the
	// work descriptor leaves the process.
	MarkDispatched(ctx context.Context, id int64) error
	// Transition moves the session to target, guarded in SQL by the set of
	// legal source states. Sets collect_finished_at / finished_at / abort_actor
	// as the target demands.
	Transition(ctx context.Context, id int64, target session.Status, actor *session.AbortActor, now time.Time) (session.Session, error)
	// SetTotalURLs records the worker-reported collection total.
	SetTotalURLs(ctx context.Context, id int64, total int) error
	// RecordHeartbeat stores pid/last_heartbeat and progress counters.
	RecordHeartbeat(ctx context.Context, id int64, pid int, counters Heartbeat, now time.Time) error

	// ListZombies returns running sessions with a pid whose heartbeat is older
	// than cutoff.
	ListZombies(ctx context.Context, cutoff time.Time) ([]session.Session, error)
	// KeyOutcomes aggregates outcomes for one key since the window start.
	KeyOutcomes(ctx context.Context, jobKey string, since time.Time, heartbeatCutoff time.Time) (KeyOutcomes, error)
	// Counts returns current active/running totals.
	Counts(ctx context.Context) (SessionCounts, error)
}

// Heartbeat carries the progress counters reported alongside a heartbeat.
type Heartbeat struct {
	PagesProcessed int
	ItemsUpdated   int
	ErrorsCount    int
}
