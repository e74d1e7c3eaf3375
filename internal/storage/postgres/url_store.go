package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pricegrid/orchestrator/internal/store"
)

const urlColumns = `id, job_key, url, material_type, is_valid, validation_error,
	status, attempts, claimed_at, error_code, error_message, collected_at, last_seen_at`

// URLStore implements store.URLRepository using Postgres.
type URLStore struct {
	pool dbPool
}

// NewURLStore creates a URLStore with its own connection pool.
func NewURLStore(ctx context.Context, dsn string) (*URLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &URLStore{pool: pool}, nil
}

// NewURLStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewURLStoreWithPool(pool dbPool) (*URLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &URLStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *URLStore) Close() {
	s.pool.Close()
}

// Upsert inserts a discovery row or refreshes an existing one. The conflict
// branch deliberately leaves status and attempts alone: re-observing a URL
// never moves it backwards. xmax = 0 distinguishes a fresh insert from a
// conflict update.
func (s *URLStore) Upsert(
	ctx context.Context,
	jobKey string,
	item store.URLUpsert,
	collectedAt time.Time,
	seenAt time.Time,
) (bool, error) {
	query := `
		INSERT INTO discovered_urls
			(job_key, url, material_type, is_valid, validation_error,
			 status, attempts, collected_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)
		ON CONFLICT (job_key, url) DO UPDATE
		SET material_type = EXCLUDED.material_type,
			is_valid = EXCLUDED.is_valid,
			validation_error = EXCLUDED.validation_error,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING (xmax = 0) AS inserted;
	`
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		jobKey, item.URL, item.MaterialType, item.IsValid, item.ValidationError,
		collectedAt, seenAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert discovered url: %w", err)
	}
	return inserted, nil
}

// ListByKey returns discovered URLs for a job key, optionally filtered.
func (s *URLStore) ListByKey(ctx context.Context, jobKey string, f store.URLFilter) ([]store.DiscoveredURL, error) {
	query := `
		SELECT ` + urlColumns + `
		FROM discovered_urls
		WHERE job_key = $1
		  AND ($2::text = '' OR material_type = $2)
		  AND (NOT $3::bool OR is_valid)
		ORDER BY material_type, url;
	`
	rows, err := s.pool.Query(ctx, query, jobKey, f.MaterialType, f.ValidOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list discovered urls: %w", err)
	}
	defer rows.Close()

	var out []store.DiscoveredURL
	for rows.Next() {
		u, err := scanURL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discovered url row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read discovered url rows: %w", err)
	}
	return out, nil
}

// CountFailed returns the number of failed rows for a job key.
func (s *URLStore) CountFailed(ctx context.Context, jobKey string) (int, error) {
	query := `SELECT COUNT(*) FROM discovered_urls WHERE job_key = $1 AND status = 'failed';`
	var n int
	if err := s.pool.QueryRow(ctx, query, jobKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed urls: %w", err)
	}
	return n, nil
}

// ResetFailed flips failed rows back to pending for a retry run, clearing the
// error fields and the stale claim.
func (s *URLStore) ResetFailed(ctx context.Context, jobKey string) (int, error) {
	query := `
		UPDATE discovered_urls
		SET status = 'pending', error_code = NULL, error_message = NULL, claimed_at = NULL
		WHERE job_key = $1 AND status = 'failed';
	`
	res, err := s.pool.Exec(ctx, query, jobKey)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed urls: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// Stats aggregates registry totals for one job key.
func (s *URLStore) Stats(ctx context.Context, jobKey string) (store.URLStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_valid),
			COUNT(*) FILTER (WHERE NOT is_valid),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'claimed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'done'),
			MAX(collected_at)
		FROM discovered_urls
		WHERE job_key = $1;
	`
	var (
		stats                          store.URLStats
		pending, claimed, failed, done int
	)
	err := s.pool.QueryRow(ctx, query, jobKey).Scan(
		&stats.Total, &stats.Valid, &stats.Invalid,
		&pending, &claimed, &failed, &done,
		&stats.LastCollected,
	)
	if err != nil {
		return store.URLStats{}, fmt.Errorf("failed to aggregate url stats: %w", err)
	}
	stats.ByStatus = map[store.URLStatus]int{
		store.URLPending: pending,
		store.URLClaimed: claimed,
		store.URLFailed:  failed,
		store.URLDone:    done,
	}
	return stats, nil
}

func scanURL(row pgx.Row) (store.DiscoveredURL, error) {
	var (
		u      store.DiscoveredURL
		status string
	)
	err := row.Scan(
		&u.ID,
		&u.JobKey,
		&u.URL,
		&u.MaterialType,
		&u.IsValid,
		&u.ValidationError,
		&status,
		&u.Attempts,
		&u.ClaimedAt,
		&u.ErrorCode,
		&u.ErrorMessage,
		&u.CollectedAt,
		&u.LastSeenAt,
	)
	if err != nil {
		return store.DiscoveredURL{}, err
	}
	u.Status = store.URLStatus(status)
	return u, nil
}
