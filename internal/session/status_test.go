package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransitionHappyPath(t *testing.T) {
	t.Parallel()

	steps := []struct {
		from Status
		to   Status
	}{
		{StatusCreated, StatusCollecting},
		{StatusCollecting, StatusCollectDone},
		{StatusCollectDone, StatusRunning},
		{StatusRunning, StatusCompleted},
	}
	for _, step := range steps {
		assert.NoError(t, step.from.ValidateTransition(step.to),
			"expected %s -> %s to be legal", step.from, step.to)
	}
}

func TestValidateTransitionEscapeHatches(t *testing.T) {
	t.Parallel()

	nonTerminal := []Status{
		StatusCreated, StatusCollecting, StatusCollectDone, StatusRunning, StatusCanceling,
	}
	for _, from := range nonTerminal {
		assert.NoError(t, from.ValidateTransition(StatusAborted), "from %s", from)
		assert.NoError(t, from.ValidateTransition(StatusFailed), "from %s", from)
		if from != StatusCanceling {
			assert.NoError(t, from.ValidateTransition(StatusCanceling), "from %s", from)
		}
	}
}

func TestValidateTransitionTerminalRejectsEverything(t *testing.T) {
	t.Parallel()

	targets := []Status{
		StatusCreated, StatusCollecting, StatusCollectDone, StatusRunning,
		StatusCanceling, StatusCompleted, StatusFailed, StatusAborted,
	}
	for _, from := range TerminalStatuses {
		for _, to := range targets {
			assert.Error(t, from.ValidateTransition(to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestValidateTransitionRejectsSkips(t *testing.T) {
	t.Parallel()

	assert.Error(t, StatusCreated.ValidateTransition(StatusRunning))
	assert.Error(t, StatusCreated.ValidateTransition(StatusCollectDone))
	assert.Error(t, StatusCollecting.ValidateTransition(StatusRunning))
	assert.Error(t, StatusCollectDone.ValidateTransition(StatusCompleted))
	assert.Error(t, StatusCanceling.ValidateTransition(StatusRunning))
	assert.Error(t, StatusCanceling.ValidateTransition(StatusCompleted))
	assert.Error(t, StatusCanceling.ValidateTransition(StatusCanceling))
}

func TestTransitionSources(t *testing.T) {
	t.Parallel()

	assert.ElementsMatch(t,
		[]Status{StatusCollectDone},
		TransitionSources(StatusRunning),
	)
	assert.ElementsMatch(t,
		[]Status{StatusCreated, StatusCollecting, StatusCollectDone, StatusRunning, StatusCanceling},
		TransitionSources(StatusAborted),
	)
	assert.ElementsMatch(t,
		[]Status{StatusCreated, StatusCollecting, StatusCollectDone, StatusRunning},
		TransitionSources(StatusCanceling),
	)
	assert.Empty(t, TransitionSources(StatusCreated))
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	got, err := ParseStatus("collect_done")
	require.NoError(t, err)
	assert.Equal(t, StatusCollectDone, got)

	_, err = ParseStatus("paused")
	assert.Error(t, err)
}

func TestCanDispatch(t *testing.T) {
	t.Parallel()

	s := Session{Status: StatusCreated}
	assert.True(t, s.CanDispatch())

	s.Dispatched = true
	assert.False(t, s.CanDispatch())

	s = Session{Status: StatusCollecting}
	assert.False(t, s.CanDispatch())
}

func TestIsZombie(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	pid := 4242
	beat := now.Add(-20 * time.Minute)

	s := Session{Status: StatusRunning, PID: &pid, LastHeartbeat: &beat}
	assert.True(t, s.IsZombie(now, 15*time.Minute))
	assert.False(t, s.IsZombie(now, 30*time.Minute))

	s.PID = nil
	assert.False(t, s.IsZombie(now, 15*time.Minute), "no pid means never started")

	fresh := now.Add(-1 * time.Minute)
	s = Session{Status: StatusCollecting, PID: &pid, LastHeartbeat: &fresh}
	assert.False(t, s.IsZombie(now, 15*time.Minute), "only running sessions go stale")
}
