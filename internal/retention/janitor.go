// Package retention prunes aged session logs from the database, archiving
// them to blob storage first so the audit trail survives the prune.
package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/storage"
	"github.com/pricegrid/orchestrator/internal/store"
)

const archiveContentType = "application/x-ndjson"

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Janitor sweeps session logs older than the retention window.
type Janitor struct {
	logs      store.LogRepository
	blobs     storage.BlobStore
	maxAge    time.Duration
	batchSize int
	interval  time.Duration
	prefix    string
	clock     Clock
	logger    *zap.Logger
}

// Config bounds one janitor's behavior.
type Config struct {
	// MaxAge is how long entries stay in the database.
	MaxAge time.Duration
	// BatchSize caps rows removed per sweep iteration.
	BatchSize int
	// Interval is the sweep cadence for Run.
	Interval time.Duration
	// Prefix is the object path prefix in the blob store.
	Prefix string
}

// New creates a Janitor. A nil blob store disables archiving: entries are
// pruned without a copy, which suits development setups.
func New(logs store.LogRepository, blobs storage.BlobStore, cfg Config, clock Clock, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "session-logs"
	}
	return &Janitor{
		logs:      logs,
		blobs:     blobs,
		maxAge:    cfg.MaxAge,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		prefix:    cfg.Prefix,
		clock:     clock,
		logger:    logger,
	}
}

// Sweep removes one batch of expired entries and archives them. It returns
// the number of rows pruned; callers loop until it reports zero.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.clock.Now()
	cutoff := now.Add(-j.maxAge)

	pruned, err := j.logs.PruneBefore(ctx, cutoff, j.batchSize)
	if err != nil {
		return 0, fmt.Errorf("prune session logs: %w", err)
	}
	if len(pruned) == 0 {
		return 0, nil
	}

	if j.blobs != nil {
		if err := j.archive(ctx, now, pruned); err != nil {
			// The rows are already gone; losing the archive copy is logged
			// loudly but does not fail the sweep.
			j.logger.Error("failed to archive pruned session logs",
				zap.Int("entries", len(pruned)), zap.Error(err))
		}
	}

	j.logger.Info("session logs pruned",
		zap.Int("entries", len(pruned)),
		zap.Time("cutoff", cutoff),
	)
	return len(pruned), nil
}

// Run sweeps on a fixed cadence until the context is canceled, draining all
// expired batches each tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := j.Sweep(ctx)
				if err != nil {
					j.logger.Error("retention sweep failed", zap.Error(err))
					break
				}
				if n < j.batchSize {
					break
				}
			}
		}
	}
}

// archive writes the pruned entries as one JSONL object named after the sweep
// timestamp.
func (j *Janitor) archive(ctx context.Context, now time.Time, entries []store.LogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(archivedEntry{
			ID:        e.ID,
			SessionID: e.SessionID,
			Level:     e.Level,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		}); err != nil {
			return fmt.Errorf("encode archived entry: %w", err)
		}
	}

	path := fmt.Sprintf("%s/%s/logs-%d.jsonl", j.prefix, now.UTC().Format("2006/01/02"), now.UnixNano())
	uri, err := j.blobs.PutObject(ctx, path, archiveContentType, &buf)
	if err != nil {
		return err
	}
	j.logger.Info("pruned session logs archived",
		zap.Int("entries", len(entries)),
		zap.String("uri", uri),
	)
	return nil
}

type archivedEntry struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
