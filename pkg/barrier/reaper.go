package barrier

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// Reaper enforces barrier deadlines and clears created-job debris. Multiple
// pods may run it concurrently: ReapExpired claims each barrier under a
// no-wait row lock, so a contended barrier is simply someone else's.
type Reaper struct {
	store       store.Store
	coordinator *Coordinator
	logger      *slog.Logger
	cfg         Config
}

func NewReaper(st store.Store, coordinator *Coordinator, logger *slog.Logger, cfg Config) *Reaper {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	if cfg.CreatedOrphanAge <= 0 {
		cfg.CreatedOrphanAge = DefaultConfig().CreatedOrphanAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: st, coordinator: coordinator, logger: logger, cfg: cfg}
}

// Run loops until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	r.logger.Info("barrier reaper started", "interval", r.cfg.ReapInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("barrier reaper stopped")
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce performs a single scan: expired barriers resume with partial
// results, and created-status jobs older than CreatedOrphanAge that never got
// a barrier are failed.
func (r *Reaper) ReapOnce(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := r.store.Barriers().ReapExpired(ctx, now, timeoutErrText)
	if err != nil {
		r.logger.Error("barrier reap scan failed", "error", err)
	}
	for _, eb := range expired {
		r.logger.Warn("barrier deadline expired",
			"run_id", eb.Barrier.RunID, "barrier_id", eb.Barrier.ID,
			"timed_out_jobs", len(eb.TimedOutJobIDs), "expected", eb.Barrier.ExpectedCount)
		for _, jobID := range eb.TimedOutJobIDs {
			if _, err := r.store.Jobs().CASStatus(ctx, jobID, models.JobRunning, models.JobTimeout); err != nil {
				r.logger.Error("mark job timeout failed", "job_id", jobID, "error", err)
			}
			if _, err := r.store.Jobs().CASStatus(ctx, jobID, models.JobQueued, models.JobTimeout); err != nil {
				r.logger.Error("mark job timeout failed", "job_id", jobID, "error", err)
			}
		}
		if err := r.coordinator.resumer.Resume(ctx, eb.Barrier.RunID, eb.Batch); err != nil {
			r.logger.Error("resume after barrier expiry failed", "run_id", eb.Barrier.RunID, "error", err)
		}
	}

	failed, err := r.store.Jobs().FailStaleCreated(ctx, now.Add(-r.cfg.CreatedOrphanAge))
	if err != nil {
		r.logger.Error("stale created-job cleanup failed", "error", err)
	} else if failed > 0 {
		r.logger.Warn("failed stale created jobs", "count", failed)
	}
}
