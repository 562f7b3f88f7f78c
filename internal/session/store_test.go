package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ActiveJobRoundTrip(t *testing.T) {
	st := NewMemoryStore(0)
	ctx := context.Background()

	err := st.SaveActiveJob(ctx, "sess-1", ActiveJob{JobID: "J1", BatchID: "B1"})
	require.NoError(t, err)

	cp, err := st.ReadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, cp.ActiveJob)
	require.Equal(t, "J1", cp.ActiveJob.JobID)
	require.Equal(t, "B1", cp.ActiveJob.BatchID)
	require.Equal(t, SchemaVersion, cp.ActiveJob.SchemaVersion)
	require.False(t, cp.ActiveJob.StartedAt.IsZero())
	require.Nil(t, cp.WizardState)
}

func TestMemoryStore_MissingRecordsAreNotErrors(t *testing.T) {
	st := NewMemoryStore(0)

	cp, err := st.ReadCheckpoint(context.Background(), "never-written")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)
	require.Nil(t, cp.WizardState)

	// Clearing what does not exist must also be benign: a racing
	// observer may have deleted the record first.
	require.NoError(t, st.ClearActiveJob(context.Background(), "never-written"))
	require.NoError(t, st.Clear(context.Background(), "never-written"))
}

func TestMemoryStore_ExpiredActiveJobDiscarded(t *testing.T) {
	st := NewMemoryStore(time.Minute)
	ctx := context.Background()

	stale := ActiveJob{JobID: "J1", BatchID: "B1", StartedAt: time.Now().UTC().Add(-2 * time.Minute)}
	require.NoError(t, st.SaveActiveJob(ctx, "sess-1", stale))

	cp, err := st.ReadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)

	// The discard is permanent, not a per-read filter.
	st.mu.RLock()
	_, stillThere := st.active["sess-1"]
	st.mu.RUnlock()
	require.False(t, stillThere)
}

func TestMemoryStore_ExpiredWizardStateDiscarded(t *testing.T) {
	st := NewMemoryStore(time.Minute)
	ctx := context.Background()

	stale := WizardState{Step: 3, SavedAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, st.SaveWizardState(ctx, "sess-1", stale))

	cp, err := st.ReadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, cp.WizardState)
}

func TestMemoryStore_SchemaVersionMismatchDiscarded(t *testing.T) {
	st := NewMemoryStore(0)

	// Bypass SaveActiveJob to simulate a record written by an older build.
	st.mu.Lock()
	st.active["sess-1"] = ActiveJob{SchemaVersion: 99, JobID: "J1", StartedAt: time.Now().UTC()}
	st.mu.Unlock()

	cp, err := st.ReadCheckpoint(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)
}

func TestMemoryStore_WizardSnapshotNotAliased(t *testing.T) {
	st := NewMemoryStore(0)
	ctx := context.Background()

	buf := []byte(`{"rubric":"R1"}`)
	require.NoError(t, st.SaveWizardState(ctx, "sess-1", WizardState{Step: 2, FormSnapshot: buf}))

	// Mutating the caller's buffer after save must not corrupt the store.
	buf[2] = 'X'

	cp, err := st.ReadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, cp.WizardState)
	require.JSONEq(t, `{"rubric":"R1"}`, string(cp.WizardState.FormSnapshot))
	require.NotEmpty(t, cp.WizardState.SnapshotHash)
}

func TestMemoryStore_ClearBothRecords(t *testing.T) {
	st := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, st.SaveActiveJob(ctx, "sess-1", ActiveJob{JobID: "J1", BatchID: "B1"}))
	require.NoError(t, st.SaveWizardState(ctx, "sess-1", WizardState{Step: 2}))
	require.NoError(t, st.Clear(ctx, "sess-1"))

	cp, err := st.ReadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)
	require.Nil(t, cp.WizardState)
}

func TestSnapshotHash(t *testing.T) {
	a, _ := json.Marshal(map[string]string{"rubric": "R1"})
	b, _ := json.Marshal(map[string]string{"rubric": "R2"})

	require.Equal(t, SnapshotHash(a), SnapshotHash(a))
	require.NotEqual(t, SnapshotHash(a), SnapshotHash(b))
}
