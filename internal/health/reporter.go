package health

import (
	"context"
)

// SchedulerProbe reports whether the background scheduler (a collaborator
// outside this service) is alive.
type SchedulerProbe func(ctx context.Context) bool

// SystemHealth is the operator-facing aggregate.
type SystemHealth struct {
	Status         string `json:"status"`
	SchedulerAlive bool   `json:"scheduler_alive"`
	ActiveSessions int    `json:"active_sessions"`
	RunningCount   int    `json:"running_sessions"`
	ZombieCount    int    `json:"zombie_sessions"`
}

// Reporter is the read-only aggregation surface over sessions and the
// heartbeat monitor.
type Reporter struct {
	monitor *Monitor
	probe   SchedulerProbe
	clock   Clock
}

// NewReporter creates a Reporter. A nil probe counts as an always-dead
// scheduler, which keeps a misconfigured deployment visible.
func NewReporter(monitor *Monitor, probe SchedulerProbe, clock Clock) *Reporter {
	return &Reporter{monitor: monitor, probe: probe, clock: clock}
}

// KeyHealth scores one job key over the rolling window.
func (r *Reporter) KeyHealth(ctx context.Context, jobKey string) (KeyHealth, error) {
	now := r.clock.Now()
	outcomes, err := r.monitor.sessions.KeyOutcomes(ctx, jobKey,
		now.Add(-ScoreWindow), now.Add(-r.monitor.timeout))
	if err != nil {
		return KeyHealth{}, err
	}
	score := Score(outcomes)
	return KeyHealth{
		JobKey:   jobKey,
		Score:    score,
		Status:   Label(score),
		Outcomes: outcomes,
	}, nil
}

// System builds the system-wide health report.
func (r *Reporter) System(ctx context.Context) (SystemHealth, error) {
	counts, err := r.monitor.sessions.Counts(ctx)
	if err != nil {
		return SystemHealth{}, err
	}
	zombies, err := r.monitor.Zombies(ctx)
	if err != nil {
		return SystemHealth{}, err
	}

	alive := r.probe != nil && r.probe(ctx)
	report := SystemHealth{
		SchedulerAlive: alive,
		ActiveSessions: counts.Active,
		RunningCount:   counts.Running,
		ZombieCount:    len(zombies),
	}
	switch {
	case !alive:
		report.Status = StatusCritical
	case len(zombies) > 0:
		report.Status = StatusPoor
	default:
		report.Status = StatusExcellent
	}
	return report, nil
}
