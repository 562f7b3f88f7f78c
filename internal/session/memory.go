package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments without Redis. Same read-side freshness behavior as
// RedisStore, minus the TTL backstop.
type MemoryStore struct {
	mu     sync.RWMutex
	window time.Duration
	active map[string]ActiveJob
	wizard map[string]WizardState
}

func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &MemoryStore{
		window: window,
		active: make(map[string]ActiveJob),
		wizard: make(map[string]WizardState),
	}
}

func (s *MemoryStore) ReadCheckpoint(_ context.Context, sessionID string) (*Checkpoint, error) {
	now := time.Now().UTC()
	cp := &Checkpoint{}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.active[sessionID]; ok {
		if activeJobStale(&rec, now, s.window) {
			delete(s.active, sessionID)
		} else {
			out := rec
			cp.ActiveJob = &out
		}
	}
	if rec, ok := s.wizard[sessionID]; ok {
		if wizardStateStale(&rec, now, s.window) {
			delete(s.wizard, sessionID)
		} else {
			out := rec
			out.FormSnapshot = cloneBytes(rec.FormSnapshot)
			cp.WizardState = &out
		}
	}

	return cp, nil
}

func (s *MemoryStore) SaveActiveJob(_ context.Context, sessionID string, rec ActiveJob) error {
	rec.SchemaVersion = SchemaVersion
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sessionID] = rec
	return nil
}

func (s *MemoryStore) ClearActiveJob(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	return nil
}

func (s *MemoryStore) SaveWizardState(_ context.Context, sessionID string, rec WizardState) error {
	rec.SchemaVersion = SchemaVersion
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	rec.FormSnapshot = cloneBytes(rec.FormSnapshot)
	if rec.SnapshotHash == "" && len(rec.FormSnapshot) > 0 {
		rec.SnapshotHash = SnapshotHash(rec.FormSnapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wizard[sessionID] = rec
	return nil
}

func (s *MemoryStore) ClearWizardState(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wizard, sessionID)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	delete(s.wizard, sessionID)
	return nil
}

// cloneBytes keeps callers from aliasing the stored snapshot buffer.
func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
