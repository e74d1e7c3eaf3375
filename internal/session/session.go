// Package session holds the scrape-session domain model and its lifecycle
// state machine.
package session

import (
	"time"

	"github.com/google/uuid"
)

// AbortActor identifies who forced a session into the aborted state.
type AbortActor string

// Abort actors persisted in sessions.abort_actor.
const (
	AbortActorUser   AbortActor = "user"
	AbortActorSystem AbortActor = "system"
)

// Limits are caller-supplied caps for the collection phase. Zero means
// unlimited.
type Limits struct {
	MaxCollectPages       int `json:"max_collect_pages"`
	MaxCollectURLs        int `json:"max_collect_urls"`
	MaxCollectTimeSeconds int `json:"max_collect_time_seconds"`
}

// Session models one orchestrated job run. Rows are append-only: a retried
// job always creates a new Session, terminal rows are never mutated.
type Session struct {
	// ID is the numeric primary key; the signed-field callback protocol signs
	// its decimal string form.
	ID int64
	// RunToken is an opaque correlation id generated at creation, never reused.
	RunToken uuid.UUID
	// JobKey is the contention domain for the one-active-session invariant.
	JobKey string
	// Status is the lifecycle state; mutated only through named store methods.
	Status Status
	// Dispatched flips to true exactly once, strictly before the work
	// descriptor is handed to the external runner.
	Dispatched bool

	// PID and LastHeartbeat are liveness markers set by the external worker.
	PID           *int
	LastHeartbeat *time.Time

	TotalURLs      int
	PagesProcessed int
	ItemsUpdated   int
	ErrorsCount    int

	Limits Limits

	AbortActor *AbortActor

	StartedAt         time.Time
	CollectFinishedAt *time.Time
	FinishedAt        *time.Time
}

// CanDispatch reports whether the session may be handed to the runner: only a
// freshly created, never-dispatched session qualifies.
func (s Session) CanDispatch() bool {
	return s.Status == StatusCreated && !s.Dispatched
}

// IsZombie reports whether the session looks alive on paper but has stopped
// heartbeating: running, with a recorded pid, and no heartbeat within timeout.
func (s Session) IsZombie(now time.Time, timeout time.Duration) bool {
	if s.Status != StatusRunning || s.PID == nil || s.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*s.LastHeartbeat) > timeout
}
