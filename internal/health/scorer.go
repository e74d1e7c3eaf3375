package health

import (
	"time"

	"github.com/pricegrid/orchestrator/internal/store"
)

// ScoreWindow is the rolling window over which key outcomes are aggregated.
const ScoreWindow = 24 * time.Hour

// Health status labels by score threshold.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusFair      = "fair"
	StatusPoor      = "poor"
	StatusCritical  = "critical"
)

// KeyHealth is the scored view of one job key.
type KeyHealth struct {
	JobKey   string            `json:"job_key"`
	Score    float64           `json:"score"`
	Status   string            `json:"status"`
	Outcomes store.KeyOutcomes `json:"outcomes"`
}

// Score computes the rolling health score for one key's outcomes:
// successRate*100 - failureRate*30 - zombieRate*50, clamped to [0,100].
// A key with no runs in the window scores a clean 100.
func Score(o store.KeyOutcomes) float64 {
	if o.Total == 0 {
		return 100
	}
	total := float64(o.Total)
	successRate := float64(o.Completed) / total
	failureRate := float64(o.Failed) / total
	zombieRate := float64(o.Zombies) / total

	score := successRate*100 - failureRate*30 - zombieRate*50
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Label maps a score to its status label.
func Label(score float64) string {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 70:
		return StatusGood
	case score >= 50:
		return StatusFair
	case score >= 30:
		return StatusPoor
	default:
		return StatusCritical
	}
}
