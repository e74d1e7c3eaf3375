package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricegrid/orchestrator/internal/store"
)

// LogStore implements store.LogRepository using Postgres.
type LogStore struct {
	pool dbPool
}

// NewLogStore creates a LogStore with its own connection pool.
func NewLogStore(ctx context.Context, dsn string) (*LogStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &LogStore{pool: pool}, nil
}

// NewLogStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLogStoreWithPool(pool dbPool) (*LogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LogStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *LogStore) Close() {
	s.pool.Close()
}

// Add appends one log entry for a session.
func (s *LogStore) Add(ctx context.Context, sessionID int64, level, message string, now time.Time) error {
	query := `
		INSERT INTO session_logs (session_id, level, message, created_at)
		VALUES ($1, $2, $3, $4);
	`
	if _, err := s.pool.Exec(ctx, query, sessionID, level, message, now); err != nil {
		return fmt.Errorf("failed to add session log: %w", err)
	}
	return nil
}

// ListBySession returns log entries for a session, oldest first.
func (s *LogStore) ListBySession(ctx context.Context, sessionID int64, f store.LogFilter) ([]store.LogEntry, error) {
	query := `
		SELECT id, session_id, level, message, created_at
		FROM session_logs
		WHERE session_id = $1 AND ($2::text = '' OR level = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.pool.Query(ctx, query, sessionID, f.Level, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session log row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log rows: %w", err)
	}
	return out, nil
}

// PruneBefore deletes at most limit entries older than cutoff and returns the
// removed rows so callers can archive them.
func (s *LogStore) PruneBefore(ctx context.Context, cutoff time.Time, limit int) ([]store.LogEntry, error) {
	query := `
		DELETE FROM session_logs
		WHERE id IN (
			SELECT id FROM session_logs
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		RETURNING id, session_id, level, message, created_at;
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to prune session logs: %w", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pruned log row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pruned log rows: %w", err)
	}
	return out, nil
}
