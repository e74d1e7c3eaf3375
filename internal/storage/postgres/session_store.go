// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/store"
)

const uniqueViolationCode = "23505"

// dbPool is the subset of pgxpool.Pool the stores need; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const sessionColumns = `id, run_token, job_key, lifecycle_status, dispatched,
	pid, last_heartbeat, total_urls, pages_processed, items_updated, errors_count,
	max_collect_pages, max_collect_urls, max_collect_time_seconds, abort_actor,
	started_at, collect_finished_at, finished_at`

// SessionStore implements store.SessionRepository using Postgres.
type SessionStore struct {
	pool dbPool
}

// NewSessionStore creates a SessionStore with its own connection pool.
func NewSessionStore(ctx context.Context, dsn string) (*SessionStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &SessionStore{pool: pool}, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(pool dbPool) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *SessionStore) Close() {
	s.pool.Close()
}

// Create inserts a new session row. The partial unique index over non-terminal
// rows per job key turns a lost race between two starts into a clean
// ErrActiveSessionExists instead of a second live session.
func (s *SessionStore) Create(ctx context.Context, p store.NewSessionParams) (session.Session, error) {
	token, err := uuid.NewV7()
	if err != nil {
		return session.Session{}, fmt.Errorf("generate run token: %w", err)
	}
	query := `
		INSERT INTO sessions (run_token, job_key, lifecycle_status, total_urls,
			max_collect_pages, max_collect_urls, max_collect_time_seconds, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + sessionColumns + `;
	`
	row := s.pool.QueryRow(ctx, query,
		token,
		p.JobKey,
		string(p.Status),
		p.TotalURLs,
		p.Limits.MaxCollectPages,
		p.Limits.MaxCollectURLs,
		p.Limits.MaxCollectTimeSeconds,
		p.StartedAt,
	)
	sess, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return session.Session{}, store.ErrActiveSessionExists
		}
		return session.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Get loads a single session by id.
func (s *SessionStore) Get(ctx context.Context, id int64) (session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1;`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, store.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// GetActiveByKey returns the non-terminal session for a job key, if any.
func (s *SessionStore) GetActiveByKey(ctx context.Context, jobKey string) (session.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE job_key = $1 AND NOT (lifecycle_status = ANY($2))
		ORDER BY started_at DESC
		LIMIT 1;
	`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, jobKey, session.StatusStrings(session.TerminalStatuses)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, store.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("failed to get active session: %w", err)
	}
	return sess, nil
}

// List returns sessions matching the filter, newest first.
func (s *SessionStore) List(ctx context.Context, f store.SessionFilter) ([]session.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE ($1::text = '' OR job_key = $1)
		  AND ($2::text IS NULL OR lifecycle_status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4;
	`
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	rows, err := s.pool.Query(ctx, query, f.JobKey, status, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MarkDispatched flips the dispatched flag exactly once, before handoff.
// Retry sessions are seeded at collect_done, so any live never-dispatched row
// qualifies.
func (s *SessionStore) MarkDispatched(ctx context.Context, id int64) error {
	query := `
		UPDATE sessions SET dispatched = TRUE
		WHERE id = $1 AND dispatched = FALSE AND NOT (lifecycle_status = ANY($2));
	`
	res, err := s.pool.Exec(ctx, query, id, session.StatusStrings(session.TerminalStatuses))
	if err != nil {
		return fmt.Errorf("failed to mark dispatched: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("session %d is not dispatchable", id)
	}
	return nil
}

// Transition moves the session to target. The WHERE clause restricts the
// update to statuses the state machine allows as sources, so a concurrent
// writer can never commit an illegal transition.
func (s *SessionStore) Transition(
	ctx context.Context,
	id int64,
	target session.Status,
	actor *session.AbortActor,
	now time.Time,
) (session.Session, error) {
	sources := session.StatusStrings(session.TransitionSources(target))
	if len(sources) == 0 {
		return session.Session{}, &store.IllegalTransitionError{SessionID: id, Target: target}
	}

	var query string
	args := []any{id, string(target), sources, now}
	switch {
	case target.IsTerminal():
		var actorVal *string
		if actor != nil {
			v := string(*actor)
			actorVal = &v
		}
		query = `
			UPDATE sessions
			SET lifecycle_status = $2, finished_at = $4, abort_actor = COALESCE($5, abort_actor)
			WHERE id = $1 AND lifecycle_status = ANY($3)
			RETURNING ` + sessionColumns + `;
		`
		args = append(args, actorVal)
	case target == session.StatusCollectDone:
		query = `
			UPDATE sessions
			SET lifecycle_status = $2, collect_finished_at = $4
			WHERE id = $1 AND lifecycle_status = ANY($3)
			RETURNING ` + sessionColumns + `;
		`
	default:
		query = `
			UPDATE sessions
			SET lifecycle_status = $2
			WHERE id = $1 AND lifecycle_status = ANY($3)
			RETURNING ` + sessionColumns + `;
		`
		args = args[:3]
	}

	sess, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, fmt.Errorf("failed to transition session: %w", err)
	}

	// Nothing matched: either the row is gone or it sits in a state that may
	// not move to target. Re-read to tell the two apart.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return session.Session{}, getErr
	}
	return session.Session{}, &store.IllegalTransitionError{
		SessionID: id,
		Current:   current.Status,
		Target:    target,
	}
}

// SetTotalURLs records the worker-reported collection total.
func (s *SessionStore) SetTotalURLs(ctx context.Context, id int64, total int) error {
	query := `
		UPDATE sessions SET total_urls = $2
		WHERE id = $1 AND NOT (lifecycle_status = ANY($3));
	`
	res, err := s.pool.Exec(ctx, query, id, total, session.StatusStrings(session.TerminalStatuses))
	if err != nil {
		return fmt.Errorf("failed to set total urls: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordHeartbeat stores the worker's liveness markers and progress counters.
func (s *SessionStore) RecordHeartbeat(
	ctx context.Context,
	id int64,
	pid int,
	counters store.Heartbeat,
	now time.Time,
) error {
	query := `
		UPDATE sessions
		SET pid = $2, last_heartbeat = $3,
			pages_processed = $4, items_updated = $5, errors_count = $6
		WHERE id = $1 AND NOT (lifecycle_status = ANY($7));
	`
	res, err := s.pool.Exec(ctx, query,
		id, pid, now,
		counters.PagesProcessed, counters.ItemsUpdated, counters.ErrorsCount,
		session.StatusStrings(session.TerminalStatuses),
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListZombies returns running sessions with a pid whose heartbeat predates cutoff.
func (s *SessionStore) ListZombies(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE lifecycle_status = 'running' AND pid IS NOT NULL AND last_heartbeat < $1
		ORDER BY last_heartbeat ASC;
	`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list zombies: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// KeyOutcomes aggregates terminal outcomes and zombie counts for one job key
// over the scoring window.
func (s *SessionStore) KeyOutcomes(
	ctx context.Context,
	jobKey string,
	since time.Time,
	heartbeatCutoff time.Time,
) (store.KeyOutcomes, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE lifecycle_status = 'completed'),
			COUNT(*) FILTER (WHERE lifecycle_status = 'failed'),
			COUNT(*) FILTER (WHERE lifecycle_status = 'aborted'),
			COUNT(*) FILTER (WHERE lifecycle_status = 'running'
				AND pid IS NOT NULL AND last_heartbeat < $3)
		FROM sessions
		WHERE job_key = $1 AND started_at >= $2;
	`
	out := store.KeyOutcomes{JobKey: jobKey}
	err := s.pool.QueryRow(ctx, query, jobKey, since, heartbeatCutoff).Scan(
		&out.Total, &out.Completed, &out.Failed, &out.Aborted, &out.Zombies,
	)
	if err != nil {
		return store.KeyOutcomes{}, fmt.Errorf("failed to aggregate key outcomes: %w", err)
	}
	return out, nil
}

// Counts returns current active/running session totals.
func (s *SessionStore) Counts(ctx context.Context) (store.SessionCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT (lifecycle_status = ANY($1))),
			COUNT(*) FILTER (WHERE lifecycle_status = 'running')
		FROM sessions;
	`
	var counts store.SessionCounts
	err := s.pool.QueryRow(ctx, query, session.StatusStrings(session.TerminalStatuses)).
		Scan(&counts.Active, &counts.Running)
	if err != nil {
		return store.SessionCounts{}, fmt.Errorf("failed to count sessions: %w", err)
	}
	return counts, nil
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		sess   session.Session
		status string
		actor  *string
	)
	err := row.Scan(
		&sess.ID,
		&sess.RunToken,
		&sess.JobKey,
		&status,
		&sess.Dispatched,
		&sess.PID,
		&sess.LastHeartbeat,
		&sess.TotalURLs,
		&sess.PagesProcessed,
		&sess.ItemsUpdated,
		&sess.ErrorsCount,
		&sess.Limits.MaxCollectPages,
		&sess.Limits.MaxCollectURLs,
		&sess.Limits.MaxCollectTimeSeconds,
		&actor,
		&sess.StartedAt,
		&sess.CollectFinishedAt,
		&sess.FinishedAt,
	)
	if err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	if actor != nil {
		a := session.AbortActor(*actor)
		sess.AbortActor = &a
	}
	return sess, nil
}

func scanSessions(rows pgx.Rows) ([]session.Session, error) {
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session rows: %w", err)
	}
	return out, nil
}
