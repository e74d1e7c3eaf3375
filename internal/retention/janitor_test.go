package retention_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricegrid/orchestrator/internal/retention"
	"github.com/pricegrid/orchestrator/internal/storage/memory"
	"github.com/pricegrid/orchestrator/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestSweepArchivesAndPrunes(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	logs := memory.NewLogRepo()
	blobs := memory.NewBlobStore()

	// Two expired entries, one recent.
	require.NoError(t, logs.Add(ctx, 70, "info", "dispatched to worker", now.Add(-40*24*time.Hour)))
	require.NoError(t, logs.Add(ctx, 70, "warn", "cancel requested", now.Add(-35*24*time.Hour)))
	require.NoError(t, logs.Add(ctx, 71, "info", "dispatched to worker", now.Add(-time.Hour)))

	janitor := retention.New(logs, blobs, retention.Config{
		MaxAge:    30 * 24 * time.Hour,
		BatchSize: 100,
	}, fixedClock{now}, nil)

	n, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := logs.ListBySession(ctx, 70, store.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	kept, err := logs.ListBySession(ctx, 71, store.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	require.Equal(t, 1, blobs.Len())
}

func TestSweepArchiveContentIsJSONL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	logs := memory.NewLogRepo()
	blobs := memory.NewBlobStore()

	require.NoError(t, logs.Add(ctx, 70, "error", "work descriptor handoff failed", now.Add(-60*24*time.Hour)))

	janitor := retention.New(logs, blobs, retention.Config{
		MaxAge: 30 * 24 * time.Hour,
		Prefix: "archive",
	}, fixedClock{now}, nil)

	_, err := janitor.Sweep(ctx)
	require.NoError(t, err)

	path := "archive/" + now.UTC().Format("2006/01/02") + "/logs-" + timestampSuffix(now)
	raw, ok := blobs.Object(path)
	require.True(t, ok, "expected archive object at %s", path)

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 1)
	var entry struct {
		SessionID int64  `json:"session_id"`
		Level     string `json:"level"`
		Message   string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, int64(70), entry.SessionID)
	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, "work descriptor handoff failed", entry.Message)
}

func TestSweepNothingExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	logs := memory.NewLogRepo()
	blobs := memory.NewBlobStore()

	require.NoError(t, logs.Add(ctx, 70, "info", "dispatched to worker", now.Add(-time.Hour)))

	janitor := retention.New(logs, blobs, retention.Config{MaxAge: 30 * 24 * time.Hour}, fixedClock{now}, nil)
	n, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, blobs.Len())
}

func TestSweepWithoutBlobStore(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	logs := memory.NewLogRepo()

	require.NoError(t, logs.Add(ctx, 70, "info", "dispatched to worker", now.Add(-60*24*time.Hour)))

	janitor := retention.New(logs, nil, retention.Config{MaxAge: 30 * 24 * time.Hour}, fixedClock{now}, nil)
	n, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func timestampSuffix(now time.Time) string {
	return strconv.FormatInt(now.UnixNano(), 10) + ".jsonl"
}
