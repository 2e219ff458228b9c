// Package barrier coordinates N worker completions onto exactly one
// supervisor resume. The atomicity lives in the store's barrier critical
// sections; this package adds the orchestration around them: install with
// the two-phase queue flip, completion with fast-worker race recovery, and
// the deadline reaper.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// timeoutErrText is cached into timed-out barrier-jobs and surfaces to the
// supervisor as the tool response for the affected spawn call.
const timeoutErrText = "Worker timed out"

// Config bounds barrier lifetimes and the reaper cadence.
type Config struct {
	// Timeout is the absolute barrier deadline from install.
	Timeout time.Duration
	// ReapInterval is how often the reaper scans for expired barriers.
	ReapInterval time.Duration
	// CreatedOrphanAge is how long a job may sit in status created before it
	// is considered debris from a rolled-back install.
	CreatedOrphanAge time.Duration
	// RaceRetries and RaceRetryDelay bound the fast-worker recovery loop: a
	// worker that finishes before its barrier commits polls until the
	// barrier becomes observable.
	RaceRetries    int
	RaceRetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Minute,
		ReapInterval:     30 * time.Second,
		CreatedOrphanAge: 5 * time.Minute,
		RaceRetries:      10,
		RaceRetryDelay:   200 * time.Millisecond,
	}
}

// Resumer re-enters a suspended supervisor run with the completed batch. The
// supervisor resume service implements it.
type Resumer interface {
	Resume(ctx context.Context, runID string, batch []*models.WorkerBarrierJob) error
}

// Coordinator wraps the store's barrier operations with resume dispatch.
type Coordinator struct {
	store   store.Store
	resumer Resumer
	logger  *slog.Logger
	cfg     Config
}

// NewCoordinator creates a coordinator. The resumer may be nil at
// construction and supplied via SetResumer before any worker completes;
// the supervisor service and the coordinator reference each other, so one
// side has to be wired late.
func NewCoordinator(st store.Store, resumer Resumer, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RaceRetries <= 0 {
		cfg.RaceRetries = DefaultConfig().RaceRetries
	}
	if cfg.RaceRetryDelay <= 0 {
		cfg.RaceRetryDelay = DefaultConfig().RaceRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, resumer: resumer, logger: logger, cfg: cfg}
}

// SetResumer completes the wiring cycle described on NewCoordinator.
func (c *Coordinator) SetResumer(r Resumer) { c.resumer = r }

// Install commits the run's barrier over the given jobs and flips them to
// queued in the same transaction. Safe to call on a run that already has a
// barrier: the old generation's barrier-jobs are discarded and the counters
// reset, which is how re-interruption reuses the row.
func (c *Coordinator) Install(ctx context.Context, runID string, seeds []store.BarrierSeed) (*models.WorkerBarrier, error) {
	if len(seeds) == 0 {
		return nil, errors.New("barrier install requires at least one job")
	}
	deadline := time.Now().UTC().Add(c.cfg.Timeout)
	b, err := c.store.Barriers().Install(ctx, runID, deadline, seeds)
	if err != nil {
		return nil, fmt.Errorf("install barrier for run %s: %w", runID, err)
	}
	c.logger.Info("barrier installed",
		"run_id", runID, "barrier_id", b.ID, "expected", b.ExpectedCount, "deadline_at", b.DeadlineAt)
	return b, nil
}

// Complete records one worker's result. Exactly one completion per barrier
// generation observes the final count and triggers the resume; the others
// return with a waiting or skipped outcome.
//
// A worker can finish before the supervisor's install transaction commits.
// The completion then finds no barrier; retry briefly until it appears. If it
// never does the install was rolled back and the supervisor will re-spawn, so
// giving up is safe.
func (c *Coordinator) Complete(ctx context.Context, runID, jobID, result, errMsg string) (*store.BarrierOutcome, error) {
	var outcome *store.BarrierOutcome
	var err error
	for attempt := 0; ; attempt++ {
		outcome, err = c.store.Barriers().CompleteJob(ctx, runID, jobID, result, errMsg)
		if err != nil {
			return nil, fmt.Errorf("complete barrier job %s: %w", jobID, err)
		}
		if outcome.Decision != store.BarrierSkipped || outcome.Reason != store.SkipReasonNoBarrier {
			break
		}
		if attempt >= c.cfg.RaceRetries {
			c.logger.Warn("no barrier appeared for completed job", "run_id", runID, "job_id", jobID)
			return outcome, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RaceRetryDelay):
		}
	}

	switch outcome.Decision {
	case store.BarrierResume:
		c.logger.Info("barrier complete, resuming supervisor",
			"run_id", runID, "job_id", jobID, "barrier_id", outcome.BarrierID, "batch", len(outcome.Batch))
		if err := c.resumer.Resume(ctx, runID, outcome.Batch); err != nil {
			return outcome, fmt.Errorf("resume run %s: %w", runID, err)
		}
	case store.BarrierWaiting:
		c.logger.Info("barrier waiting",
			"run_id", runID, "job_id", jobID, "completed", outcome.Completed, "expected", outcome.Expected)
	case store.BarrierSkipped:
		c.logger.Info("barrier completion skipped", "run_id", runID, "job_id", jobID, "reason", outcome.Reason)
	}
	return outcome, nil
}
