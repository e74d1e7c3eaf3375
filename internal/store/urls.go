package store

import (
	"context"
	"time"
)

// URLStatus mirrors the discovered_urls status column. Discovery never moves
// a row backwards; only an explicit retry resets failed to pending.
type URLStatus string

// Discovered URL statuses persisted in discovered_urls.status.
const (
	URLPending URLStatus = "pending"
	URLClaimed URLStatus = "claimed"
	URLFailed  URLStatus = "failed"
	URLDone    URLStatus = "done"
)

// DiscoveredURL models one (job_key, url) row in the registry.
type DiscoveredURL struct {
	ID              int64
	JobKey          string
	URL             string
	MaterialType    string
	IsValid         bool
	ValidationError *string
	Status          URLStatus
	Attempts        int
	ClaimedAt       *time.Time
	ErrorCode       *string
	ErrorMessage    *string
	CollectedAt     time.Time
	LastSeenAt      time.Time
}

// URLUpsert is one discovery item from the worker.
type URLUpsert struct {
	URL             string
	MaterialType    string
	IsValid         bool
	ValidationError *string
}

// URLFilter narrows ListByKey.
type URLFilter struct {
	MaterialType string
	ValidOnly    bool
}

// URLStats aggregates the registry for one job key.
type URLStats struct {
	Total         int
	Valid         int
	Invalid       int
	ByStatus      map[URLStatus]int
	LastCollected *time.Time
}

// URLRepository persists the deduplicated discovery registry.
type URLRepository interface {
	// Upsert inserts a new row (pending, zero attempts) or refreshes the
	// metadata of an existing one without touching status/attempts. Returns
	// true when a new row was inserted.
	Upsert(ctx context.Context, jobKey string, item URLUpsert, collectedAt, seenAt time.Time) (inserted bool, err error)
	// ListByKey returns rows for a key, optionally filtered.
	ListByKey(ctx context.Context, jobKey string, f URLFilter) ([]DiscoveredURL, error)
	// CountFailed returns the number of failed rows for a key.
	CountFailed(ctx context.Context, jobKey string) (int, error)
	// ResetFailed flips failed rows back to pending, clearing error_code,
	// error_message and claimed_at. Returns the number of rows reset.
	ResetFailed(ctx context.Context, jobKey string) (int, error)
	// Stats aggregates totals for one key.
	Stats(ctx context.Context, jobKey string) (URLStats, error)
}
