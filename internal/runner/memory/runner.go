// Package memory contains an in-memory runner for tests.
package memory

import (
	"context"
	"sync"

	"github.com/pricegrid/orchestrator/internal/dispatcher"
)

// Runner records dispatched work descriptors for inspection.
type Runner struct {
	mu         sync.RWMutex
	dispatched []dispatcher.WorkDescriptor
	failWith   error
}

// New returns a memory Runner.
func New() *Runner {
	return &Runner{}
}

// FailWith makes subsequent Dispatch calls return err.
func (r *Runner) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// Dispatch records the descriptor.
func (r *Runner) Dispatch(_ context.Context, d dispatcher.WorkDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.dispatched = append(r.dispatched, d)
	return nil
}

// Dispatched returns the recorded descriptors.
func (r *Runner) Dispatched() []dispatcher.WorkDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dispatcher.WorkDescriptor, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}
