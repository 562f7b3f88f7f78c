// Package jobs runs periodic maintenance for the grading service.
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"saiten/internal/config"
	"saiten/internal/journal"
)

// DefaultRetentionSchedule runs journal cleanup nightly at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// Scheduler owns the cron entries for background maintenance. The cron
// engine is injected so the caller controls its lifecycle.
type Scheduler struct {
	cfg     *config.Config
	journal *journal.Journal
	logger  *slog.Logger
	cron    *cron.Cron
}

func NewScheduler(cfg *config.Config, jl *journal.Journal, logger *slog.Logger, c *cron.Cron) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, journal: jl, logger: logger, cron: c}
}

// Schedule registers the retention entry. Call once before Start; a
// disabled retention config registers nothing.
func (s *Scheduler) Schedule(ctx context.Context) error {
	if !s.cfg.Retention.Enabled {
		return nil
	}
	expr := s.cfg.Retention.Schedule
	if expr == "" {
		expr = DefaultRetentionSchedule
	}
	_, err := s.cron.AddFunc(expr, func() {
		stats := CleanupExpiredRuns(ctx, s.cfg, s.journal, s.logger)
		if len(stats.RunsDeleted) > 0 {
			s.logger.Info("journal retention pass finished", "deleted", stats.RunsDeleted)
		}
	})
	return err
}

// Start launches the cron engine in its own goroutine. Callers keep
// the process alive themselves.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling. Entries already running finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
