// Package memory provides in-memory store implementations for tests and
// local development. They enforce the same invariants as the Postgres stores,
// including the one-active-session-per-key constraint.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/store"
)

// SessionRepo implements store.SessionRepository over a map.
type SessionRepo struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*session.Session
}

// NewSessionRepo returns an empty SessionRepo.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{nextID: 1, rows: map[int64]*session.Session{}}
}

// Create inserts a session, rejecting a second non-terminal row per key just
// like the partial unique index does.
func (r *SessionRepo) Create(_ context.Context, p store.NewSessionParams) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.JobKey == p.JobKey && !s.Status.IsTerminal() {
			return session.Session{}, store.ErrActiveSessionExists
		}
	}
	token, err := uuid.NewV7()
	if err != nil {
		return session.Session{}, err
	}
	s := &session.Session{
		ID:        r.nextID,
		RunToken:  token,
		JobKey:    p.JobKey,
		Status:    p.Status,
		Limits:    p.Limits,
		TotalURLs: p.TotalURLs,
		StartedAt: p.StartedAt,
	}
	r.nextID++
	r.rows[s.ID] = s
	return *s, nil
}

// Get loads one session.
func (r *SessionRepo) Get(_ context.Context, id int64) (session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rows[id]
	if !ok {
		return session.Session{}, store.ErrNotFound
	}
	return *s, nil
}

// GetActiveByKey returns the non-terminal session for a key.
func (r *SessionRepo) GetActiveByKey(_ context.Context, jobKey string) (session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rows {
		if s.JobKey == jobKey && !s.Status.IsTerminal() {
			return *s, nil
		}
	}
	return session.Session{}, store.ErrNotFound
}

// List returns sessions matching the filter, newest first.
func (r *SessionRepo) List(_ context.Context, f store.SessionFilter) ([]session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []session.Session
	for _, s := range r.rows {
		if f.JobKey != "" && s.JobKey != f.JobKey {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkDispatched flips the dispatched flag exactly once.
func (r *SessionRepo) MarkDispatched(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.Dispatched || s.Status.IsTerminal() {
		return store.ErrNotFound
	}
	s.Dispatched = true
	return nil
}

// Transition applies a validated lifecycle change.
func (r *SessionRepo) Transition(
	_ context.Context,
	id int64,
	target session.Status,
	actor *session.AbortActor,
	now time.Time,
) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return session.Session{}, store.ErrNotFound
	}
	if err := s.Status.ValidateTransition(target); err != nil {
		return session.Session{}, &store.IllegalTransitionError{
			SessionID: id, Current: s.Status, Target: target,
		}
	}
	s.Status = target
	switch {
	case target == session.StatusCollectDone:
		t := now
		s.CollectFinishedAt = &t
	case target.IsTerminal():
		t := now
		s.FinishedAt = &t
		if actor != nil {
			a := *actor
			s.AbortActor = &a
		}
	}
	return *s, nil
}

// SetTotalURLs records the collection total.
func (r *SessionRepo) SetTotalURLs(_ context.Context, id int64, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.Status.IsTerminal() {
		return store.ErrNotFound
	}
	s.TotalURLs = total
	return nil
}

// RecordHeartbeat stores liveness markers and counters.
func (r *SessionRepo) RecordHeartbeat(_ context.Context, id int64, pid int, counters store.Heartbeat, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.Status.IsTerminal() {
		return store.ErrNotFound
	}
	p := pid
	t := now
	s.PID = &p
	s.LastHeartbeat = &t
	s.PagesProcessed = counters.PagesProcessed
	s.ItemsUpdated = counters.ItemsUpdated
	s.ErrorsCount = counters.ErrorsCount
	return nil
}

// ListZombies returns running sessions with stale heartbeats.
func (r *SessionRepo) ListZombies(_ context.Context, cutoff time.Time) ([]session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []session.Session
	for _, s := range r.rows {
		if s.Status == session.StatusRunning && s.PID != nil &&
			s.LastHeartbeat != nil && s.LastHeartbeat.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// KeyOutcomes aggregates outcomes for one key since the window start.
func (r *SessionRepo) KeyOutcomes(_ context.Context, jobKey string, since, heartbeatCutoff time.Time) (store.KeyOutcomes, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := store.KeyOutcomes{JobKey: jobKey}
	for _, s := range r.rows {
		if s.JobKey != jobKey || s.StartedAt.Before(since) {
			continue
		}
		out.Total++
		switch s.Status {
		case session.StatusCompleted:
			out.Completed++
		case session.StatusFailed:
			out.Failed++
		case session.StatusAborted:
			out.Aborted++
		case session.StatusRunning:
			if s.PID != nil && s.LastHeartbeat != nil && s.LastHeartbeat.Before(heartbeatCutoff) {
				out.Zombies++
			}
		}
	}
	return out, nil
}

// Counts returns active/running totals.
func (r *SessionRepo) Counts(_ context.Context) (store.SessionCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var counts store.SessionCounts
	for _, s := range r.rows {
		if !s.Status.IsTerminal() {
			counts.Active++
		}
		if s.Status == session.StatusRunning {
			counts.Running++
		}
	}
	return counts, nil
}

// URLRepo implements store.URLRepository over a map keyed by (job_key, url).
type URLRepo struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[[2]string]*store.DiscoveredURL
}

// NewURLRepo returns an empty URLRepo.
func NewURLRepo() *URLRepo {
	return &URLRepo{nextID: 1, rows: map[[2]string]*store.DiscoveredURL{}}
}

// Seed installs a row directly, bypassing upsert semantics. Test helper.
func (r *URLRepo) Seed(row store.DiscoveredURL) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := row
	if cp.ID == 0 {
		cp.ID = r.nextID
		r.nextID++
	}
	r.rows[[2]string{cp.JobKey, cp.URL}] = &cp
}

// Upsert mirrors the Postgres conflict-update behavior.
func (r *URLRepo) Upsert(_ context.Context, jobKey string, item store.URLUpsert, collectedAt, seenAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{jobKey, item.URL}
	if existing, ok := r.rows[key]; ok {
		existing.MaterialType = item.MaterialType
		existing.IsValid = item.IsValid
		existing.ValidationError = item.ValidationError
		existing.LastSeenAt = seenAt
		return false, nil
	}
	r.rows[key] = &store.DiscoveredURL{
		ID:              r.nextID,
		JobKey:          jobKey,
		URL:             item.URL,
		MaterialType:    item.MaterialType,
		IsValid:         item.IsValid,
		ValidationError: item.ValidationError,
		Status:          store.URLPending,
		CollectedAt:     collectedAt,
		LastSeenAt:      seenAt,
	}
	r.nextID++
	return true, nil
}

// ListByKey returns rows for a key, optionally filtered.
func (r *URLRepo) ListByKey(_ context.Context, jobKey string, f store.URLFilter) ([]store.DiscoveredURL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.DiscoveredURL
	for _, row := range r.rows {
		if row.JobKey != jobKey {
			continue
		}
		if f.MaterialType != "" && row.MaterialType != f.MaterialType {
			continue
		}
		if f.ValidOnly && !row.IsValid {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaterialType != out[j].MaterialType {
			return out[i].MaterialType < out[j].MaterialType
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

// CountFailed returns the number of failed rows for a key.
func (r *URLRepo) CountFailed(_ context.Context, jobKey string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, row := range r.rows {
		if row.JobKey == jobKey && row.Status == store.URLFailed {
			n++
		}
	}
	return n, nil
}

// ResetFailed flips failed rows back to pending.
func (r *URLRepo) ResetFailed(_ context.Context, jobKey string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.rows {
		if row.JobKey == jobKey && row.Status == store.URLFailed {
			row.Status = store.URLPending
			row.ErrorCode = nil
			row.ErrorMessage = nil
			row.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// Stats aggregates totals for one key.
func (r *URLRepo) Stats(_ context.Context, jobKey string) (store.URLStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := store.URLStats{ByStatus: map[store.URLStatus]int{}}
	for _, row := range r.rows {
		if row.JobKey != jobKey {
			continue
		}
		stats.Total++
		if row.IsValid {
			stats.Valid++
		} else {
			stats.Invalid++
		}
		stats.ByStatus[row.Status]++
		if stats.LastCollected == nil || row.CollectedAt.After(*stats.LastCollected) {
			t := row.CollectedAt
			stats.LastCollected = &t
		}
	}
	return stats, nil
}

// LogRepo implements store.LogRepository over a slice.
type LogRepo struct {
	mu      sync.RWMutex
	nextID  int64
	entries []store.LogEntry
}

// NewLogRepo returns an empty LogRepo.
func NewLogRepo() *LogRepo {
	return &LogRepo{nextID: 1}
}

// Add appends one entry.
func (r *LogRepo) Add(_ context.Context, sessionID int64, level, message string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, store.LogEntry{
		ID:        r.nextID,
		SessionID: sessionID,
		Level:     level,
		Message:   message,
		CreatedAt: now,
	})
	r.nextID++
	return nil
}

// ListBySession returns entries for a session, oldest first.
func (r *LogRepo) ListBySession(_ context.Context, sessionID int64, f store.LogFilter) ([]store.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.LogEntry
	for _, e := range r.entries {
		if e.SessionID != sessionID {
			continue
		}
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		out = append(out, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PruneBefore deletes entries older than cutoff.
func (r *LogRepo) PruneBefore(_ context.Context, cutoff time.Time, limit int) ([]store.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []store.LogEntry
	var kept []store.LogEntry
	for _, e := range r.entries {
		if e.CreatedAt.Before(cutoff) && (limit <= 0 || len(pruned) < limit) {
			pruned = append(pruned, e)
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return pruned, nil
}
