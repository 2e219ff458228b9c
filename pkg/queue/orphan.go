package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/store"
)

// OrphanConfig tunes the stale-heartbeat detector.
type OrphanConfig struct {
	// Threshold is how stale a running job's heartbeat may be before the job
	// is treated as orphaned by a dead process.
	Threshold time.Duration
	// ScanInterval is how often the detector scans.
	ScanInterval time.Duration
	// MaxRetries bounds orphan requeues; a job orphaned more often than this
	// is failed instead.
	MaxRetries int
}

func DefaultOrphanConfig() OrphanConfig {
	return OrphanConfig{
		Threshold:    90 * time.Second,
		ScanInterval: 30 * time.Second,
		MaxRetries:   3,
	}
}

// OrphanDetector requeues running jobs whose heartbeat went stale, so a pod
// crash mid-job delays the work instead of losing it.
type OrphanDetector struct {
	store  store.Store
	logger *slog.Logger
	cfg    OrphanConfig
}

func NewOrphanDetector(st store.Store, logger *slog.Logger, cfg OrphanConfig) *OrphanDetector {
	def := DefaultOrphanConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OrphanDetector{store: st, logger: logger, cfg: cfg}
}

// Run loops until ctx is cancelled.
func (d *OrphanDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	d.logger.Info("orphan detector started", "threshold", d.cfg.Threshold, "interval", d.cfg.ScanInterval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("orphan detector stopped")
			return
		case <-ticker.C:
			d.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs one detection pass.
func (d *OrphanDetector) ScanOnce(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-d.cfg.Threshold)
	requeued, failed, err := d.store.Jobs().RequeueOrphans(ctx, staleBefore, d.cfg.MaxRetries)
	if err != nil {
		d.logger.Error("orphan scan failed", "error", err)
		return
	}
	if requeued > 0 || failed > 0 {
		d.logger.Warn("orphaned jobs recovered", "requeued", requeued, "failed", failed)
	}
}
