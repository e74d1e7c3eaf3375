// Package storage defines the blob store contract used for archiving pruned
// session logs. The abstraction keeps the retention janitor independent of a
// specific backend (Google Cloud Storage or the local filesystem).
package storage

import (
	"context"
	"io"
)

// BlobStore persists one named object per call and returns its URI.
type BlobStore interface {
	// PutObject uploads data to path and returns a backend-specific URI
	// (gs://... or file://...).
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
