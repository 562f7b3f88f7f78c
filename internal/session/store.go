package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SchemaVersion is stamped on every persisted record. Records carrying
// a different version are discarded as if expired.
const SchemaVersion = 1

// DefaultFreshnessWindow bounds how old a checkpoint may be before it
// is discarded unread.
const DefaultFreshnessWindow = 2 * time.Hour

// ActiveJob is the persisted reference to the one in-flight grading
// job of a session. Identity only; progress is never persisted.
type ActiveJob struct {
	SchemaVersion int       `json:"schemaVersion"`
	JobID         string    `json:"jobId"`
	BatchID       string    `json:"batchId"`
	StartedAt     time.Time `json:"startedAt"`
}

// WizardState is the persisted pre-submission wizard checkpoint,
// independent of ActiveJob.
type WizardState struct {
	SchemaVersion int             `json:"schemaVersion"`
	Step          int             `json:"step"`
	BatchID       string          `json:"batchId,omitempty"`
	FormSnapshot  json.RawMessage `json:"formSnapshot,omitempty"`
	SnapshotHash  string          `json:"snapshotHash,omitempty"`
	SavedAt       time.Time       `json:"savedAt"`
}

// Checkpoint bundles both records of one session. A nil field means
// the record is absent (or was expired and discarded on read).
type Checkpoint struct {
	ActiveJob   *ActiveJob
	WizardState *WizardState
}

// Store is the only access path to persisted session state. Keeping
// the API this narrow keeps the single-active-job invariant in one
// place; nothing else may touch the underlying keys.
//
// Reads never fail on a missing record: concurrent observers race on
// deletion (last writer wins), so absence is a normal answer.
type Store interface {
	ReadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	SaveActiveJob(ctx context.Context, sessionID string, rec ActiveJob) error
	ClearActiveJob(ctx context.Context, sessionID string) error
	SaveWizardState(ctx context.Context, sessionID string, rec WizardState) error
	ClearWizardState(ctx context.Context, sessionID string) error
	Clear(ctx context.Context, sessionID string) error
}

// SnapshotHash fingerprints a wizard form snapshot. Handlers use it to
// skip rewriting an unchanged checkpoint.
func SnapshotHash(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

func activeJobStale(rec *ActiveJob, now time.Time, window time.Duration) bool {
	if rec.SchemaVersion != SchemaVersion {
		return true
	}
	if rec.JobID == "" || rec.StartedAt.IsZero() {
		return true
	}
	return now.Sub(rec.StartedAt) > window
}

func wizardStateStale(rec *WizardState, now time.Time, window time.Duration) bool {
	if rec.SchemaVersion != SchemaVersion {
		return true
	}
	if rec.SavedAt.IsZero() {
		return true
	}
	return now.Sub(rec.SavedAt) > window
}
