package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"saiten/internal/gradeapi"
	"saiten/internal/model"
	"saiten/internal/session"
)

type fakeEngine struct {
	mu          sync.Mutex
	submitFn    func(batchID string, payload gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error)
	statusFn    func(jobID string) (*model.GradingJob, error)
	cancelFn    func(jobID string) error
	submitCalls int
	cancelled   []string
}

func (f *fakeEngine) SubmitJob(_ context.Context, batchID string, payload gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error) {
	f.mu.Lock()
	f.submitCalls++
	fn := f.submitFn
	f.mu.Unlock()
	if fn == nil {
		return &gradeapi.SubmitResult{JobID: "J1", TotalUnits: 3}, nil
	}
	return fn(batchID, payload)
}

func (f *fakeEngine) GetJobStatus(_ context.Context, jobID string) (*model.GradingJob, error) {
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &model.GradingJob{JobID: jobID, Status: model.StatusProcessing, TotalUnits: 3, ProcessedUnits: 1}, nil
	}
	return fn(jobID)
}

func (f *fakeEngine) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, jobID)
	fn := f.cancelFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(jobID)
}

func (f *fakeEngine) GetBatch(_ context.Context, batchID string) (*model.Batch, error) {
	return &model.Batch{ID: batchID, PaperCount: 3}, nil
}

func (f *fakeEngine) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

func (f *fakeEngine) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

// statusScript replays engine statuses in order, repeating the last.
func statusScript(jobs ...*model.GradingJob) func(string) (*model.GradingJob, error) {
	var mu sync.Mutex
	idx := 0
	return func(string) (*model.GradingJob, error) {
		mu.Lock()
		defer mu.Unlock()
		jb := *jobs[idx]
		if idx < len(jobs)-1 {
			idx++
		}
		return &jb, nil
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (r *fakeRecorder) RecordRun(_ context.Context, run RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRecorder) all() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunRecord, len(r.runs))
	copy(out, r.runs)
	return out
}

func newTestCoordinator(t *testing.T, engine *fakeEngine, rec *fakeRecorder) (*Coordinator, session.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := session.NewMemoryStore(time.Hour)
	opts := Options{PollInterval: 5 * time.Millisecond}
	if rec != nil {
		opts.Recorder = rec
	}
	return New(ctx, engine, store, nil, opts), store
}

func waitPhase(t *testing.T, c *Coordinator, sessionID string, want Phase) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Snapshot(sessionID).Phase == want
	}, 2*time.Second, 2*time.Millisecond)
	return c.Snapshot(sessionID)
}

func TestSubmitPollsToCompletion(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 3, ProcessedUnits: 1, SuccessfulUnits: 1},
			// Processed caught up but the engine still says processing;
			// the loop reconciles this to completed.
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 3, ProcessedUnits: 3, SuccessfulUnits: 3},
		),
	}
	rec := &fakeRecorder{}
	coord, store := newTestCoordinator(t, engine, rec)

	snap, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{RubricID: "R1"})
	require.NoError(t, err)
	require.Equal(t, PhasePolling, snap.Phase)
	require.Equal(t, "J1", snap.JobID)
	require.Equal(t, 3, snap.TotalUnits)

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, cp.ActiveJob)
	require.Equal(t, "J1", cp.ActiveJob.JobID)

	final := waitPhase(t, coord, "S1", PhaseCompleted)
	require.Equal(t, 100, final.Percent)
	require.Equal(t, "graded 3 of 3", final.Message)

	cp, err = store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob, "checkpoint must be cleared on completion")
	require.Nil(t, cp.WizardState)

	runs := rec.all()
	require.Len(t, runs, 1)
	require.Equal(t, "completed", runs[0].Outcome)
	require.Equal(t, 3, runs[0].SuccessfulUnits)
}

func TestSubmitRejectsSecondJob(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 3, ProcessedUnits: 1},
		),
	}
	coord, store := newTestCoordinator(t, engine, nil)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	_, err = coord.Submit(context.Background(), "S1", "B2", gradeapi.SubmitPayload{})
	require.ErrorIs(t, err, ErrJobActive)
	require.Equal(t, 1, engine.submits())

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Equal(t, "J1", cp.ActiveJob.JobID, "rejected submit must not touch the checkpoint")
}

func TestSubmitRejectsForeignCheckpoint(t *testing.T) {
	engine := &fakeEngine{}
	coord, store := newTestCoordinator(t, engine, nil)

	// A record written by another process; this coordinator has no
	// in-memory state for the session.
	err := store.SaveActiveJob(context.Background(), "S1", session.ActiveJob{JobID: "J9", BatchID: "B9"})
	require.NoError(t, err)

	_, err = coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.ErrorIs(t, err, ErrJobActive)
	require.Zero(t, engine.submits(), "engine must not be reached on conflict")
}

func TestSubmitValidationFailureWritesNothing(t *testing.T) {
	engine := &fakeEngine{
		submitFn: func(string, gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error) {
			return nil, &gradeapi.ValidationError{Message: "rubric missing"}
		},
	}
	coord, store := newTestCoordinator(t, engine, nil)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.True(t, gradeapi.IsValidation(err))

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)
	require.Equal(t, PhaseIdle, coord.Snapshot("S1").Phase)
}

func TestCancelClearsLocalStateWhenEngineFails(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 3, ProcessedUnits: 1},
		),
		cancelFn: func(string) error {
			return &gradeapi.TransportError{Op: "cancel job", Err: context.DeadlineExceeded}
		},
	}
	rec := &fakeRecorder{}
	coord, store := newTestCoordinator(t, engine, rec)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	snap, err := coord.Cancel(context.Background(), "S1")
	require.NoError(t, err, "engine cancel failure must not surface")
	require.Equal(t, PhaseCancelled, snap.Phase)
	require.Equal(t, []string{"J1"}, engine.cancels())

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)

	runs := rec.all()
	require.Len(t, runs, 1)
	require.Equal(t, "cancelled", runs[0].Outcome)

	// The stopped loop must not resurrect the phase.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, PhaseCancelled, coord.Snapshot("S1").Phase)
}

func TestCancelWithoutJob(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeEngine{}, nil)
	_, err := coord.Cancel(context.Background(), "S1")
	require.ErrorIs(t, err, ErrNoActiveJob)
}

func TestFailedRunJournalsMessage(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusFailed, TotalUnits: 3, ProcessedUnits: 2, Error: "engine exploded"},
		),
	}
	rec := &fakeRecorder{}
	coord, store := newTestCoordinator(t, engine, rec)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	final := waitPhase(t, coord, "S1", PhaseFailed)
	require.Equal(t, "engine exploded", final.Message)

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)

	runs := rec.all()
	require.Len(t, runs, 1)
	require.Equal(t, "failed", runs[0].Outcome)
	require.Equal(t, "engine exploded", runs[0].Message)
}

func TestOrphanedJobGetsDistinctMessage(t *testing.T) {
	engine := &fakeEngine{}
	engine.statusFn = func(jobID string) (*model.GradingJob, error) {
		return nil, &gradeapi.NotFoundError{Resource: "grading job", ID: jobID}
	}
	coord, store := newTestCoordinator(t, engine, nil)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	final := waitPhase(t, coord, "S1", PhaseOrphaned)
	require.Contains(t, final.Message, "no longer exists")

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)
	require.Nil(t, cp.WizardState)
}

func TestTimeoutKeepsCheckpoint(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 30, ProcessedUnits: 1},
		),
	}
	rec := &fakeRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := session.NewMemoryStore(time.Hour)
	coord := New(ctx, engine, store, nil, Options{
		PollInterval: 5 * time.Millisecond,
		MaxRuntime:   25 * time.Millisecond,
		Recorder:     rec,
	})

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	final := waitPhase(t, coord, "S1", PhaseTimedOut)
	require.Contains(t, final.Message, "timed out")

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, cp.ActiveJob, "timeout must leave the checkpoint for re-verification")

	runs := rec.all()
	require.Len(t, runs, 1)
	require.Equal(t, "timeout", runs[0].Outcome)
}

func TestResetReturnsToIdle(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusCompleted, TotalUnits: 3, ProcessedUnits: 3, SuccessfulUnits: 3},
		),
	}
	coord, store := newTestCoordinator(t, engine, nil)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)
	waitPhase(t, coord, "S1", PhaseCompleted)

	snap, err := coord.Reset(context.Background(), "S1")
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Empty(t, snap.JobID)
	require.Zero(t, snap.Percent)

	cp, err := store.ReadCheckpoint(context.Background(), "S1")
	require.NoError(t, err)
	require.Nil(t, cp.ActiveJob)
	require.Nil(t, cp.WizardState)
}

func TestAttachLoopIsIdempotentPerJob(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 10, ProcessedUnits: 4},
		),
	}
	coord, _ := newTestCoordinator(t, engine, nil)

	started := time.Now().UTC().Add(-time.Minute)
	snap, err := coord.AttachLoop(context.Background(), "S1", "J1", "B1", started)
	require.NoError(t, err)
	require.Equal(t, PhasePolling, snap.Phase)
	require.Equal(t, started, snap.StartedAt)

	again, err := coord.AttachLoop(context.Background(), "S1", "J1", "B1", started)
	require.NoError(t, err)
	require.Equal(t, PhasePolling, again.Phase)

	_, err = coord.AttachLoop(context.Background(), "S1", "J2", "B1", started)
	require.ErrorIs(t, err, ErrJobActive, "a different job must not displace a live loop")
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{JobID: "J1", Status: model.StatusProcessing, TotalUnits: 2, ProcessedUnits: 1, SuccessfulUnits: 1},
			&model.GradingJob{JobID: "J1", Status: model.StatusCompleted, TotalUnits: 2, ProcessedUnits: 2, SuccessfulUnits: 2},
		),
	}
	coord, _ := newTestCoordinator(t, engine, nil)

	ch, unsubscribe := coord.Subscribe("S1")
	defer unsubscribe()

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	var phases []Phase
	deadline := time.After(2 * time.Second)
	for {
		var snap Snapshot
		select {
		case snap = <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for completion, saw %v", phases)
		}
		phases = append(phases, snap.Phase)
		if snap.Phase == PhaseCompleted {
			break
		}
	}
	require.Equal(t, PhasePolling, phases[0], "first published snapshot is the accepted submission")

	unsubscribe()
	unsubscribe() // double unsubscribe is benign
}

func TestPartialFailureIsQualifiedSuccess(t *testing.T) {
	engine := &fakeEngine{
		statusFn: statusScript(
			&model.GradingJob{
				JobID: "J1", Status: model.StatusCompleted,
				TotalUnits: 30, ProcessedUnits: 30, SuccessfulUnits: 28,
				Errors: []model.UnitError{
					{UnitID: "P12", Message: "blank sheet"},
					{UnitID: "P29", Message: "unreadable"},
				},
			},
		),
	}
	coord, _ := newTestCoordinator(t, engine, nil)

	_, err := coord.Submit(context.Background(), "S1", "B1", gradeapi.SubmitPayload{})
	require.NoError(t, err)

	final := waitPhase(t, coord, "S1", PhaseCompleted)
	require.Equal(t, "graded 28 of 30; 2 failed", final.Message)
	require.Len(t, final.UnitErrors, 2)
	require.Equal(t, PhaseCompleted, final.Phase, "partial failure is still a success outcome")
}
