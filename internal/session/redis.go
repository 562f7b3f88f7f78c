package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints in Redis, one key per record. The
// key TTL doubles as a server-side backstop for the freshness window;
// the window is still enforced on read so the memory store behaves
// identically and clock skew cannot resurrect a stale record.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	logger *slog.Logger
}

func NewRedisStore(rdb *redis.Client, prefix string, window time.Duration, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "saiten"
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &RedisStore{rdb: rdb, prefix: prefix, window: window, logger: logger}
}

func (s *RedisStore) activeJobKey(sessionID string) string {
	return fmt.Sprintf("%s:sess:%s:active_job", s.prefix, sessionID)
}

func (s *RedisStore) wizardKey(sessionID string) string {
	return fmt.Sprintf("%s:sess:%s:wizard_state", s.prefix, sessionID)
}

func (s *RedisStore) ReadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	now := time.Now().UTC()
	cp := &Checkpoint{}

	raw, err := s.rdb.Get(ctx, s.activeJobKey(sessionID)).Bytes()
	switch {
	case err == redis.Nil:
		// no record
	case err != nil:
		return nil, fmt.Errorf("read active_job: %w", err)
	default:
		var rec ActiveJob
		if uerr := json.Unmarshal(raw, &rec); uerr != nil || activeJobStale(&rec, now, s.window) {
			s.discard(ctx, s.activeJobKey(sessionID), "active_job", sessionID)
		} else {
			cp.ActiveJob = &rec
		}
	}

	raw, err = s.rdb.Get(ctx, s.wizardKey(sessionID)).Bytes()
	switch {
	case err == redis.Nil:
		// no record
	case err != nil:
		return nil, fmt.Errorf("read wizard_state: %w", err)
	default:
		var rec WizardState
		if uerr := json.Unmarshal(raw, &rec); uerr != nil || wizardStateStale(&rec, now, s.window) {
			s.discard(ctx, s.wizardKey(sessionID), "wizard_state", sessionID)
		} else {
			cp.WizardState = &rec
		}
	}

	return cp, nil
}

func (s *RedisStore) SaveActiveJob(ctx context.Context, sessionID string, rec ActiveJob) error {
	rec.SchemaVersion = SchemaVersion
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal active_job: %w", err)
	}
	if err := s.rdb.Set(ctx, s.activeJobKey(sessionID), raw, s.window).Err(); err != nil {
		return fmt.Errorf("write active_job: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearActiveJob(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.activeJobKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear active_job: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveWizardState(ctx context.Context, sessionID string, rec WizardState) error {
	rec.SchemaVersion = SchemaVersion
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	if rec.SnapshotHash == "" && len(rec.FormSnapshot) > 0 {
		rec.SnapshotHash = SnapshotHash(rec.FormSnapshot)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wizard_state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.wizardKey(sessionID), raw, s.window).Err(); err != nil {
		return fmt.Errorf("write wizard_state: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearWizardState(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.wizardKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear wizard_state: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.activeJobKey(sessionID), s.wizardKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// discard removes a record that failed decoding or freshness checks.
// Best-effort; the TTL backstop will catch anything this misses.
func (s *RedisStore) discard(ctx context.Context, key, record, sessionID string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil && s.logger != nil {
		s.logger.Warn("failed to discard stale checkpoint record",
			"record", record, "session_id", sessionID, "error", err)
	}
}
