package session

import "fmt"

// Status represents the lifecycle state of a scrape session. It enables
// tracking of a job run from creation through collection and processing to a
// terminal outcome.
type Status string

const (
	// StatusCreated indicates a session row exists but no work has started.
	StatusCreated Status = "created"

	// StatusCollecting indicates the worker is discovering URLs.
	StatusCollecting Status = "collecting"

	// StatusCollectDone indicates URL discovery finished; processing may begin.
	StatusCollectDone Status = "collect_done"

	// StatusRunning indicates the worker is processing discovered URLs.
	StatusRunning Status = "running"

	// StatusCanceling indicates a cooperative cancel was requested; the worker
	// is expected to observe it and stop on its own.
	StatusCanceling Status = "canceling"

	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the run ended with an unrecoverable error.
	StatusFailed Status = "failed"

	// StatusAborted indicates the run was stopped by a user or the system.
	StatusAborted Status = "aborted"
)

func (s Status) String() string { return string(s) }

// TerminalStatuses are the states that admit no further transitions.
// The partial unique index on sessions(job_key) is scoped to everything
// outside this set.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusAborted}

// IsTerminal reports whether the session reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// ParseStatus converts a string to a Status, returning an error for anything
// outside the closed set.
func ParseStatus(input string) (Status, error) {
	switch Status(input) {
	case StatusCreated, StatusCollecting, StatusCollectDone, StatusRunning,
		StatusCanceling, StatusCompleted, StatusFailed, StatusAborted:
		return Status(input), nil
	default:
		return "", fmt.Errorf("unknown session status %q", input)
	}
}

// ValidateTransition checks if a status transition is legal and returns an
// error if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.canTransitionTo(target) {
		return fmt.Errorf("invalid session status transition from %s to %s", s, target)
	}
	return nil
}

// canTransitionTo enforces the session lifecycle:
// created -> collecting -> collect_done -> running -> completed|failed,
// any non-terminal -> canceling -> aborted,
// any non-terminal -> aborted (forced stop) or -> failed (internal error).
func (s Status) canTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	// Escape hatches available from every non-terminal state.
	if target == StatusAborted || target == StatusFailed || target == StatusCanceling {
		// canceling -> canceling is a no-op request, not a transition.
		return !(s == StatusCanceling && target == StatusCanceling)
	}
	switch s {
	case StatusCreated:
		return target == StatusCollecting
	case StatusCollecting:
		return target == StatusCollectDone
	case StatusCollectDone:
		return target == StatusRunning
	case StatusRunning:
		return target == StatusCompleted
	case StatusCanceling:
		return false
	default:
		return false
	}
}

// TransitionSources returns every status allowed to move to target. Storage
// mutators embed this set in their UPDATE predicates so an illegal transition
// can never be committed, even under concurrent writers.
func TransitionSources(target Status) []Status {
	all := []Status{
		StatusCreated, StatusCollecting, StatusCollectDone,
		StatusRunning, StatusCanceling,
	}
	var sources []Status
	for _, s := range all {
		if s.canTransitionTo(target) {
			sources = append(sources, s)
		}
	}
	return sources
}

// StatusStrings converts a status slice to plain strings for SQL parameters.
func StatusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
