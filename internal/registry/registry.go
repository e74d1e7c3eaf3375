// Package registry implements the deduplicated URL discovery registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/metrics"
	"github.com/pricegrid/orchestrator/internal/store"
)

// Coarse machine-readable reasons for an escalated batch failure. The worker
// uses these to decide whether to abort a larger in-progress scan.
const (
	ReasonSchemaMismatch = "COLLECT_DB_SCHEMA_MISMATCH"
	ReasonNoRowsWritten  = "COLLECT_NO_ROWS_WRITTEN"
)

// BatchError signals that a discovery batch could not make progress. It
// escalates to the calling worker so it aborts instead of proceeding on a
// false premise of success.
type BatchError struct {
	Reason string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("discovery batch failed: %s", e.Reason)
}

// BatchResult summarizes one SaveDiscovered call.
type BatchResult struct {
	Inserted      int `json:"inserted_count"`
	Updated       int `json:"updated_count"`
	Failed        int `json:"failed_count"`
	ReceivedTotal int `json:"received_total"`
	UniqueTotal   int `json:"unique_total"`
}

// Group is one classification bucket of discovered URLs.
type Group struct {
	MaterialType string
	URLs         []store.DiscoveredURL
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Registry coordinates discovery upserts and reads over the URL repository.
type Registry struct {
	urls   store.URLRepository
	clock  Clock
	logger *zap.Logger
}

// New creates a Registry.
func New(urls store.URLRepository, clock Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{urls: urls, clock: clock, logger: logger}
}

// SaveDiscovered applies one discovery batch from the worker. Items are
// upserted one by one: malformed items are tolerated and counted, duplicate
// URLs within the batch are collapsed, and existing rows keep their
// status/attempts untouched. Database write failures, or a non-empty batch
// producing zero writes, escalate as a BatchError.
func (r *Registry) SaveDiscovered(
	ctx context.Context,
	jobKey string,
	batch []store.URLUpsert,
	collectedAt time.Time,
) (BatchResult, error) {
	res := BatchResult{ReceivedTotal: len(batch)}
	now := r.clock.Now()
	if collectedAt.IsZero() {
		collectedAt = now
	}

	seen := make(map[string]struct{}, len(batch))
	var dbFailure, schemaMismatch bool
	for _, item := range batch {
		if item.URL == "" {
			res.Failed++
			r.logger.Warn("discovery item missing url", zap.String("job_key", jobKey))
			continue
		}
		if _, dup := seen[item.URL]; dup {
			continue
		}
		seen[item.URL] = struct{}{}
		res.UniqueTotal++

		inserted, err := r.urls.Upsert(ctx, jobKey, item, collectedAt, now)
		if err != nil {
			res.Failed++
			dbFailure = true
			if isSchemaError(err) {
				schemaMismatch = true
			}
			r.logger.Error("discovery upsert failed",
				zap.String("job_key", jobKey),
				zap.String("url", item.URL),
				zap.Error(err),
			)
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	metrics.ObserveDiscoveryBatch(jobKey, res.Inserted, res.Updated, res.Failed)

	written := res.Inserted + res.Updated
	if dbFailure || (written == 0 && len(batch) > 0) {
		reason := ReasonNoRowsWritten
		if schemaMismatch {
			reason = ReasonSchemaMismatch
		}
		return res, &BatchError{Reason: reason}
	}
	return res, nil
}

// ListGrouped returns discovered URLs for a key bucketed by material type,
// preserving the repository's ordering.
func (r *Registry) ListGrouped(ctx context.Context, jobKey string, f store.URLFilter) ([]Group, error) {
	urls, err := r.urls.ListByKey(ctx, jobKey, f)
	if err != nil {
		return nil, err
	}
	var groups []Group
	index := map[string]int{}
	for _, u := range urls {
		i, ok := index[u.MaterialType]
		if !ok {
			i = len(groups)
			index[u.MaterialType] = i
			groups = append(groups, Group{MaterialType: u.MaterialType})
		}
		groups[i].URLs = append(groups[i].URLs, u)
	}
	return groups, nil
}

// Stats aggregates the registry for one job key.
func (r *Registry) Stats(ctx context.Context, jobKey string) (store.URLStats, error) {
	return r.urls.Stats(ctx, jobKey)
}

// isSchemaError recognizes Postgres errors that indicate the registry schema
// does not match expectations (missing table/column and friends, SQLSTATE
// class 42), as opposed to transient write failures.
func isSchemaError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42"
}
