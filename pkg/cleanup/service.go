// Package cleanup enforces data retention on the event log.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/store"
)

// Config controls the retention loop.
type Config struct {
	// EventTTL is how long durable events stay queryable for catchup. Runs,
	// messages, and jobs are kept indefinitely; only the event log is pruned.
	EventTTL time.Duration
	// Interval between pruning passes.
	Interval time.Duration
}

// DefaultConfig keeps two weeks of events, pruned hourly.
func DefaultConfig() Config {
	return Config{
		EventTTL: 14 * 24 * time.Hour,
		Interval: time.Hour,
	}
}

// Service periodically deletes events past their TTL. Deletion is idempotent
// and safe to run from multiple pods.
type Service struct {
	store  store.Store
	logger *slog.Logger
	cfg    Config
}

func NewService(st store.Store, logger *slog.Logger, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = def.EventTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger, cfg: cfg}
}

// Run executes pruning passes until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pruning pass.
func (s *Service) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.EventTTL)
	removed, err := s.store.Events().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("event retention pass failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("pruned expired events", "removed", removed, "cutoff", cutoff)
	}
}
