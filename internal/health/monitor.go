// Package health classifies stale sessions and scores job-key reliability.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/metrics"
	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/store"
)

// DefaultHeartbeatTimeout is how long a running session may go silent before
// it is classified as a zombie.
const DefaultHeartbeatTimeout = 15 * time.Minute

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Monitor periodically sweeps for zombie sessions. Detection is advisory
// only: the monitor never kills anything, remediation is an operator action.
type Monitor struct {
	sessions store.SessionRepository
	timeout  time.Duration
	interval time.Duration
	clock    Clock
	logger   *zap.Logger
}

// NewMonitor creates a Monitor. A zero timeout falls back to the default.
func NewMonitor(sessions store.SessionRepository, timeout time.Duration, clock Clock, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sessions: sessions,
		timeout:  timeout,
		interval: time.Minute,
		clock:    clock,
		logger:   logger.With(zap.String("component", "heartbeat_monitor")),
	}
}

// Timeout returns the configured heartbeat timeout.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Zombies returns the sessions currently classified as stale: running, pid
// recorded, heartbeat older than the timeout.
func (m *Monitor) Zombies(ctx context.Context) ([]session.Session, error) {
	cutoff := m.clock.Now().Add(-m.timeout)
	return m.sessions.ListZombies(ctx, cutoff)
}

// Run sweeps on a ticker until the context is done, keeping the zombie gauge
// current and logging newly observed stragglers.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			zombies, err := m.Zombies(ctx)
			if err != nil {
				m.logger.Error("zombie sweep failed", zap.Error(err))
				continue
			}
			metrics.SetZombieSessions(len(zombies))
			for _, z := range zombies {
				m.logger.Warn("zombie session detected",
					zap.Int64("session_id", z.ID),
					zap.String("job_key", z.JobKey),
					zap.String("run_token", z.RunToken.String()),
					zap.Timep("last_heartbeat", z.LastHeartbeat),
				)
			}
		}
	}
}
