// Package bootstrap runs startup preflight checks.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"saiten/internal/config"
)

const pingTimeout = 5 * time.Second

// APIKeyPrefix is the expected shape of configured service keys.
const APIKeyPrefix = "saiten_"

// Run validates configuration coherence and pings the backing stores.
// It is designed to be idempotent and safe to run multiple times; a
// nil database or redis client skips that check so reduced roles can
// still boot.
func Run(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client, logger *slog.Logger) error {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := checkConfig(cfg, logger); err != nil {
		return err
	}
	if err := pingPostgres(ctx, db); err != nil {
		return fmt.Errorf("postgres preflight: %w", err)
	}
	if err := pingRedis(ctx, rdb); err != nil {
		return fmt.Errorf("redis preflight: %w", err)
	}
	return nil
}

func checkConfig(cfg *config.Config, logger *slog.Logger) error {
	if strings.TrimSpace(cfg.Engine.BaseURL) == "" {
		return fmt.Errorf("engine base url is required")
	}

	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth is enabled but no api keys are configured")
	}
	for i, key := range cfg.Auth.APIKeys {
		if !strings.HasPrefix(key, APIKeyPrefix) {
			// Key index only; the value must not reach the logs.
			logger.Warn("configured api key does not carry the expected prefix", "index", i)
		}
	}

	if cfg.Session.FreshnessWindowMinutes < 0 {
		return fmt.Errorf("session freshness window must not be negative")
	}
	if cfg.Session.FreshnessWindowMinutes > 24*60 {
		logger.Warn("session freshness window exceeds a day; stale checkpoints will linger",
			"minutes", cfg.Session.FreshnessWindowMinutes)
	}

	if cfg.Poller.IntervalMs > 0 && cfg.Poller.IntervalMs < 250 {
		logger.Warn("poll interval is very aggressive", "intervalMs", cfg.Poller.IntervalMs)
	}

	if cfg.Retention.Enabled && strings.TrimSpace(cfg.Retention.Schedule) != "" {
		if _, err := cron.ParseStandard(cfg.Retention.Schedule); err != nil {
			return fmt.Errorf("invalid retention schedule: %w", err)
		}
	}

	return nil
}

func pingPostgres(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	if rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
