// Package dispatcher creates sessions and hands work to the external runner,
// enforcing the one-active-session-per-key invariant.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/metrics"
	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/store"
)

// ErrNotTerminal signals a retry attempted against a still-live session.
var ErrNotTerminal = errors.New("source session is not terminal")

// ErrNoFailedURLs signals a retry with nothing to retry.
var ErrNoFailedURLs = errors.New("no failed urls for job key")

// ConflictError reports that a non-terminal session already owns the job key.
// Callers surface the existing id so clients can poll it instead of queueing.
type ConflictError struct {
	ExistingID     int64
	ExistingStatus session.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active session %d (%s) exists for job key", e.ExistingID, e.ExistingStatus)
}

// Config is the caller-supplied job configuration.
type Config struct {
	Limits session.Limits `json:"limits"`
	// CollectOnly stops the worker after the discovery phase.
	CollectOnly bool `json:"collect_only"`
	// SkipCollect resumes processing from already-registered URLs.
	SkipCollect bool `json:"skip_collect"`
}

// WorkDescriptor is the unit handed to the external execution facility.
type WorkDescriptor struct {
	SessionID int64  `json:"session_id"`
	JobKey    string `json:"job_key"`
	RunToken  string `json:"run_token"`
	Config    Config `json:"config"`
}

// Runner is the external execution facility. Dispatch must not be called
// before the session row carries dispatched = true.
type Runner interface {
	Dispatch(ctx context.Context, d WorkDescriptor) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Dispatcher owns session creation and handoff.
type Dispatcher struct {
	sessions store.SessionRepository
	urls     store.URLRepository
	logs     store.LogRepository
	runner   Runner
	clock    Clock
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	sessions store.SessionRepository,
	urls store.URLRepository,
	logs store.LogRepository,
	runner Runner,
	clock Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		urls:     urls,
		logs:     logs,
		runner:   runner,
		clock:    clock,
		logger:   logger,
	}
}

// Start creates a session for the job key and hands it to the runner. A
// non-terminal session already holding the key yields a ConflictError with the
// existing session's id and status.
func (d *Dispatcher) Start(ctx context.Context, jobKey string, cfg Config) (session.Session, error) {
	if existing, err := d.sessions.GetActiveByKey(ctx, jobKey); err == nil {
		metrics.ObserveDispatch(jobKey, "conflict")
		return session.Session{}, &ConflictError{ExistingID: existing.ID, ExistingStatus: existing.Status}
	} else if !errors.Is(err, store.ErrNotFound) {
		return session.Session{}, err
	}

	sess, err := d.sessions.Create(ctx, store.NewSessionParams{
		JobKey:    jobKey,
		Status:    session.StatusCreated,
		Limits:    cfg.Limits,
		StartedAt: d.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			// Lost the race between the read above and the insert: the partial
			// unique index caught it. Re-read to report the winner.
			return session.Session{}, d.conflictFor(ctx, jobKey)
		}
		return session.Session{}, err
	}

	// Unreachable for a freshly created session, but the handoff below is
	// irreversible, so check anyway.
	if !sess.CanDispatch() {
		return session.Session{}, fmt.Errorf("session %d is not dispatchable (status=%s, dispatched=%t)",
			sess.ID, sess.Status, sess.Dispatched)
	}

	return d.dispatch(ctx, sess, cfg)
}

// RetryFailedURLs resets the failed registry rows of a terminal session's job
// key and dispatches a new session seeded at collect_done.
func (d *Dispatcher) RetryFailedURLs(ctx context.Context, sourceID int64) (session.Session, error) {
	src, err := d.sessions.Get(ctx, sourceID)
	if err != nil {
		return session.Session{}, err
	}
	if !src.Status.IsTerminal() {
		return session.Session{}, ErrNotTerminal
	}

	failed, err := d.urls.CountFailed(ctx, src.JobKey)
	if err != nil {
		return session.Session{}, err
	}
	if failed == 0 {
		return session.Session{}, ErrNoFailedURLs
	}

	if existing, err := d.sessions.GetActiveByKey(ctx, src.JobKey); err == nil {
		return session.Session{}, &ConflictError{ExistingID: existing.ID, ExistingStatus: existing.Status}
	} else if !errors.Is(err, store.ErrNotFound) {
		return session.Session{}, err
	}

	reset, err := d.urls.ResetFailed(ctx, src.JobKey)
	if err != nil {
		return session.Session{}, err
	}

	sess, err := d.sessions.Create(ctx, store.NewSessionParams{
		JobKey:    src.JobKey,
		Status:    session.StatusCollectDone,
		Limits:    src.Limits,
		TotalURLs: reset,
		StartedAt: d.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			return session.Session{}, d.conflictFor(ctx, src.JobKey)
		}
		return session.Session{}, err
	}

	d.addLog(ctx, sess.ID, "info", fmt.Sprintf("retrying %d failed urls from session %d", reset, src.ID))
	return d.dispatch(ctx, sess, Config{Limits: src.Limits, SkipCollect: true})
}

// RequestCancel asks the worker to stop: a cooperative flag the worker polls
// via the state export endpoint. It never waits for acknowledgement.
func (d *Dispatcher) RequestCancel(ctx context.Context, id int64) (session.Session, error) {
	sess, err := d.sessions.Transition(ctx, id, session.StatusCanceling, nil, d.clock.Now())
	if err != nil {
		return session.Session{}, err
	}
	metrics.ObserveTransition(string(session.StatusCanceling))
	d.addLog(ctx, id, "warn", "cancel requested")
	return sess, nil
}

// Abort forces a non-terminal session to aborted immediately, recording who
// pulled the plug.
func (d *Dispatcher) Abort(ctx context.Context, id int64, actor session.AbortActor) (session.Session, error) {
	sess, err := d.sessions.Transition(ctx, id, session.StatusAborted, &actor, d.clock.Now())
	if err != nil {
		return session.Session{}, err
	}
	metrics.ObserveTransition(string(session.StatusAborted))
	d.addLog(ctx, id, "warn", fmt.Sprintf("aborted by %s", actor))
	return sess, nil
}

// dispatch persists the dispatched flag, then hands the descriptor to the
// runner. The ordering matters: a crash between the two steps leaves a
// classifiable dispatched-but-silent session instead of a silently lost run.
func (d *Dispatcher) dispatch(ctx context.Context, sess session.Session, cfg Config) (session.Session, error) {
	if err := d.sessions.MarkDispatched(ctx, sess.ID); err != nil {
		return session.Session{}, err
	}
	sess.Dispatched = true

	descriptor := WorkDescriptor{
		SessionID: sess.ID,
		JobKey:    sess.JobKey,
		RunToken:  sess.RunToken.String(),
		Config:    cfg,
	}
	if err := d.runner.Dispatch(ctx, descriptor); err != nil {
		metrics.ObserveDispatch(sess.JobKey, "error")
		d.logger.Error("work descriptor handoff failed",
			zap.Int64("session_id", sess.ID),
			zap.String("run_token", sess.RunToken.String()),
			zap.Error(err),
		)
		d.addLog(ctx, sess.ID, "error", "work descriptor handoff failed")
		if _, ferr := d.sessions.Transition(ctx, sess.ID, session.StatusFailed, nil, d.clock.Now()); ferr != nil {
			d.logger.Error("failed to mark session failed after handoff error",
				zap.Int64("session_id", sess.ID), zap.Error(ferr))
		}
		return session.Session{}, fmt.Errorf("dispatch session %d: %w", sess.ID, err)
	}

	metrics.ObserveDispatch(sess.JobKey, "ok")
	d.addLog(ctx, sess.ID, "info", "dispatched to worker")
	d.logger.Info("session dispatched",
		zap.Int64("session_id", sess.ID),
		zap.String("job_key", sess.JobKey),
		zap.String("run_token", sess.RunToken.String()),
	)
	return sess, nil
}

func (d *Dispatcher) conflictFor(ctx context.Context, jobKey string) error {
	existing, err := d.sessions.GetActiveByKey(ctx, jobKey)
	if err != nil {
		// The winner may have finished already; report the bare conflict.
		return &ConflictError{}
	}
	return &ConflictError{ExistingID: existing.ID, ExistingStatus: existing.Status}
}

func (d *Dispatcher) addLog(ctx context.Context, sessionID int64, level, message string) {
	if err := d.logs.Add(ctx, sessionID, level, message, d.clock.Now()); err != nil {
		d.logger.Warn("failed to append session log",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}
}
