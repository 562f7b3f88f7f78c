package jobs

import (
	"context"
	"log/slog"
	"time"

	"saiten/internal/config"
	"saiten/internal/journal"
	"saiten/internal/metrics"
	"saiten/internal/poller"
)

// RetentionStats captures the number of journal rows deleted by TTL cleanup.
type RetentionStats struct {
	RunsDeleted map[string]int64 `json:"runsDeleted"`
}

// CleanupExpiredRuns deletes old grading runs based on retention
// settings so that the database does not grow without bound.
func CleanupExpiredRuns(ctx context.Context, cfg *config.Config, jl *journal.Journal, logger *slog.Logger) RetentionStats {
	now := time.Now().UTC()
	stats := RetentionStats{RunsDeleted: make(map[string]int64)}

	ttl := cfg.Retention.Runs

	// Runs TTL per outcome, falling back to defaultDays when specific
	// values are not provided.
	applyRunTTL := func(outcome string, days int) {
		if days <= 0 {
			return
		}
		cutoff := now.AddDate(0, 0, -days)
		n, err := jl.DeleteExpiredRuns(ctx, outcome, cutoff)
		if err != nil {
			logger.Warn("retention delete failed", "outcome", outcome, "error", err)
			return
		}
		if n > 0 {
			stats.RunsDeleted[outcome] += n
			metrics.RecordRetentionRuns(outcome, n)
		}
	}

	// Helper to compute effective TTL for each journalled outcome.
	effectiveDays := func(specific int) int {
		if specific > 0 {
			return specific
		}
		return ttl.DefaultDays
	}

	applyRunTTL(string(poller.EventCompleted), effectiveDays(ttl.CompletedDays))
	applyRunTTL(string(poller.EventFailed), effectiveDays(ttl.FailedDays))
	applyRunTTL(string(poller.EventCancelled), effectiveDays(ttl.CancelledDays))
	applyRunTTL(string(poller.EventOrphaned), effectiveDays(0))
	applyRunTTL(string(poller.EventTimedOut), effectiveDays(0))

	return stats
}
