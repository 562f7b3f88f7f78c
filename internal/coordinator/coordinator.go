package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"saiten/internal/gradeapi"
	"saiten/internal/metrics"
	"saiten/internal/model"
	"saiten/internal/observability"
	"saiten/internal/poller"
	"saiten/internal/session"
)

// Phase is a session's position in the grading lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
	PhaseOrphaned   Phase = "orphaned"
	PhaseTimedOut   Phase = "timed_out"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseOrphaned, PhaseTimedOut:
		return true
	}
	return false
}

// ErrJobActive rejects a submission while the session already has a
// live grading job, locally or as a fresh checkpoint from another
// process.
var ErrJobActive = errors.New("GRADING_ACTIVE: a grading job is already active for this session")

// ErrNoActiveJob rejects cancel when nothing is polling.
var ErrNoActiveJob = errors.New("NO_ACTIVE_JOB: no grading job is active for this session")

// Snapshot is the UI-facing state of one session's lifecycle.
type Snapshot struct {
	SessionID       string            `json:"sessionId"`
	Phase           Phase             `json:"phase"`
	JobID           string            `json:"jobId,omitempty"`
	BatchID         string            `json:"batchId,omitempty"`
	Percent         int               `json:"percent"`
	TotalUnits      int               `json:"totalUnits"`
	ProcessedUnits  int               `json:"processedUnits"`
	SuccessfulUnits int               `json:"successfulUnits"`
	UnitErrors      []model.UnitError `json:"unitErrors,omitempty"`
	Message         string            `json:"message,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// RunRecord is the journal's view of one finished run.
type RunRecord struct {
	SessionID       string
	JobID           string
	BatchID         string
	Outcome         string
	TotalUnits      int
	ProcessedUnits  int
	SuccessfulUnits int
	UnitErrors      []model.UnitError
	Message         string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Recorder journals finished runs. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// Options tunes a Coordinator.
type Options struct {
	PollInterval time.Duration
	MaxRuntime   time.Duration
	Recorder     Recorder
	Tracer       *observability.Tracer
}

const (
	storeOpTimeout = 5 * time.Second
	sweepInterval  = 15 * time.Minute
	sweepTTL       = 2 * time.Hour
)

// Coordinator is the single writer of the active-job checkpoint and
// the canonical in-memory lifecycle state per session.
//
// Locking: mu guards the session table only; each sessionState has its
// own mutex serializing operations and loop events for that session.
// Event delivery holds the poll loop's internal mutex, so st.mu nests
// inside it; never call Stop on a started loop while holding st.mu.
type Coordinator struct {
	api      gradeapi.API
	store    session.Store
	recorder Recorder
	tracer   *observability.Tracer
	logger   *slog.Logger

	pollInterval time.Duration
	maxRuntime   time.Duration

	baseCtx context.Context

	mu       sync.Mutex
	sessions map[string]*sessionState

	bus *bus
}

type sessionState struct {
	mu         sync.Mutex
	phase      Phase
	jobID      string
	batchID    string
	percent    int
	total      int
	processed  int
	successful int
	unitErrors []model.UnitError
	message    string
	startedAt  time.Time
	updatedAt  time.Time
	loop       *poller.Loop
}

func (s *sessionState) activePhase() bool {
	return s.phase == PhaseSubmitting || s.phase == PhasePolling
}

func (s *sessionState) snapshot(sessionID string) Snapshot {
	return Snapshot{
		SessionID:       sessionID,
		Phase:           s.phase,
		JobID:           s.jobID,
		BatchID:         s.batchID,
		Percent:         s.percent,
		TotalUnits:      s.total,
		ProcessedUnits:  s.processed,
		SuccessfulUnits: s.successful,
		UnitErrors:      cloneUnitErrors(s.unitErrors),
		Message:         s.message,
		StartedAt:       s.startedAt,
		UpdatedAt:       s.updatedAt,
	}
}

// New builds a Coordinator. baseCtx bounds the lifetime of every poll
// loop the coordinator starts; request contexts are deliberately not
// used for that, a loop must outlive the submission request.
func New(baseCtx context.Context, api gradeapi.API, store session.Store, logger *slog.Logger, opts Options) *Coordinator {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}

	c := &Coordinator{
		api:          api,
		store:        store,
		recorder:     opts.Recorder,
		tracer:       tracer,
		logger:       logger,
		pollInterval: opts.PollInterval,
		maxRuntime:   opts.MaxRuntime,
		baseCtx:      baseCtx,
		sessions:     make(map[string]*sessionState),
		bus:          newBus(),
	}
	go c.sweepLoop(baseCtx)
	return c
}

func (c *Coordinator) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.sessions[sessionID]
	if st == nil {
		st = &sessionState{phase: PhaseIdle}
		c.sessions[sessionID] = st
	}
	return st
}

func (c *Coordinator) peek(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Submit forwards one batch to the grading engine and starts polling.
// Nothing is persisted when the engine rejects the submission.
func (c *Coordinator) Submit(ctx context.Context, sessionID, batchID string, payload gradeapi.SubmitPayload) (*Snapshot, error) {
	ctx, span := c.tracer.StartSubmit(ctx, sessionID, batchID)
	defer span.End()

	st := c.state(sessionID)

	st.mu.Lock()
	if st.activePhase() {
		st.mu.Unlock()
		metrics.RecordSubmission("conflict")
		return nil, ErrJobActive
	}
	// The phase itself is the reservation: concurrent submits for the
	// session see Submitting and conflict without holding the lock
	// across the engine call.
	st.phase = PhaseSubmitting
	st.jobID = ""
	st.batchID = batchID
	st.percent = 0
	st.total = 0
	st.processed = 0
	st.successful = 0
	st.unitErrors = nil
	st.message = ""
	st.startedAt = time.Now().UTC()
	st.updatedAt = st.startedAt
	st.mu.Unlock()

	revert := func() {
		st.mu.Lock()
		if st.phase == PhaseSubmitting {
			st.phase = PhaseIdle
			st.batchID = ""
		}
		st.mu.Unlock()
	}

	// A fresh checkpoint with no local state means another process (or
	// a previous life of this one) owns a job for the session.
	cp, err := c.store.ReadCheckpoint(ctx, sessionID)
	if err != nil {
		revert()
		c.tracer.RecordError(span, err)
		metrics.RecordSubmission("engine_error")
		return nil, fmt.Errorf("read session checkpoint: %w", err)
	}
	if cp.ActiveJob != nil {
		revert()
		metrics.RecordSubmission("conflict")
		return nil, ErrJobActive
	}

	res, err := c.api.SubmitJob(ctx, batchID, payload)
	if err != nil {
		revert()
		c.tracer.RecordError(span, err)
		if gradeapi.IsValidation(err) {
			metrics.RecordSubmission("rejected")
		} else {
			metrics.RecordSubmission("engine_error")
		}
		return nil, err
	}

	now := time.Now().UTC()
	rec := session.ActiveJob{JobID: res.JobID, BatchID: batchID, StartedAt: now}
	if err := c.store.SaveActiveJob(ctx, sessionID, rec); err != nil {
		// Polling proceeds on in-memory state; only reload recovery
		// is degraded.
		c.logger.Warn("active job checkpoint not persisted",
			"session_id", sessionID, "job_id", res.JobID, "error", err)
	}

	st.mu.Lock()
	if st.phase != PhaseSubmitting {
		// Reset raced the submission; nobody tracks the job now.
		st.mu.Unlock()
		c.logger.Warn("session state changed during submission, cancelling engine job",
			"session_id", sessionID, "job_id", res.JobID)
		if cerr := c.api.CancelJob(ctx, res.JobID); cerr != nil {
			c.logger.Warn("orphan cancel failed", "job_id", res.JobID, "error", cerr)
		}
		metrics.RecordSubmission("engine_error")
		return nil, fmt.Errorf("SUBMISSION_SUPERSEDED: session state changed during submission")
	}
	st.phase = PhasePolling
	st.jobID = res.JobID
	st.total = res.TotalUnits
	st.updatedAt = now
	loop := c.newLoop(sessionID, res.JobID)
	st.loop = loop
	snap := st.snapshot(sessionID)
	c.bus.publish(sessionID, snap)
	if err := loop.Start(c.baseCtx); err != nil {
		c.logger.Error("poll loop start failed", "job_id", res.JobID, "error", err)
	}
	st.mu.Unlock()

	metrics.RecordSubmission("accepted")
	c.logger.Info("grading job submitted",
		"session_id", sessionID, "batch_id", batchID, "job_id", res.JobID, "total_units", res.TotalUnits)
	return &snap, nil
}

// AttachLoop re-enters Polling for a checkpointed job without
// resubmitting. Used by recovery after the batch has been verified.
func (c *Coordinator) AttachLoop(_ context.Context, sessionID, jobID, batchID string, startedAt time.Time) (*Snapshot, error) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase == PhasePolling && st.loop != nil && st.loop.JobID() == jobID {
		snap := st.snapshot(sessionID)
		return &snap, nil
	}
	if st.activePhase() {
		return nil, ErrJobActive
	}

	now := time.Now().UTC()
	if startedAt.IsZero() {
		startedAt = now
	}
	st.phase = PhasePolling
	st.jobID = jobID
	st.batchID = batchID
	st.percent = 0
	st.total = 0
	st.processed = 0
	st.successful = 0
	st.unitErrors = nil
	st.message = ""
	st.startedAt = startedAt
	st.updatedAt = now
	loop := c.newLoop(sessionID, jobID)
	st.loop = loop
	snap := st.snapshot(sessionID)
	c.bus.publish(sessionID, snap)
	if err := loop.Start(c.baseCtx); err != nil {
		c.logger.Error("poll loop start failed", "job_id", jobID, "error", err)
	}
	c.logger.Info("poll loop re-attached", "session_id", sessionID, "job_id", jobID, "batch_id", batchID)
	return &snap, nil
}

// Cancel stops the session's grading job. The engine cancel is
// best-effort; local state is cleared regardless so the session never
// hangs waiting for an acknowledgment.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) (*Snapshot, error) {
	st := c.state(sessionID)

	st.mu.Lock()
	if st.phase != PhasePolling {
		// A checkpointed job left by a previous process can still be
		// cancelled without a live loop.
		cp, err := c.store.ReadCheckpoint(ctx, sessionID)
		if err != nil {
			st.mu.Unlock()
			c.logger.Warn("checkpoint read failed during cancel", "session_id", sessionID, "error", err)
			return nil, ErrNoActiveJob
		}
		if cp.ActiveJob == nil {
			st.mu.Unlock()
			return nil, ErrNoActiveJob
		}
		st.jobID = cp.ActiveJob.JobID
		st.batchID = cp.ActiveJob.BatchID
		st.startedAt = cp.ActiveJob.StartedAt
	}
	jobID := st.jobID
	stale := st.loop
	st.loop = nil
	now := time.Now().UTC()
	st.phase = PhaseCancelled
	st.message = "grading cancelled"
	st.updatedAt = now
	c.clearCheckpoint(sessionID)
	c.recordRun(sessionID, st, "cancelled", now)
	snap := st.snapshot(sessionID)
	c.bus.publish(sessionID, snap)
	st.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}

	cctx, span := c.tracer.StartCancel(ctx, sessionID, jobID)
	defer span.End()
	if err := c.api.CancelJob(cctx, jobID); err != nil {
		c.tracer.RecordError(span, err)
		metrics.RecordCancel("engine_failed")
		c.logger.Warn("engine cancel failed, local state already cleared",
			"session_id", sessionID, "job_id", jobID, "error", err)
	} else {
		metrics.RecordCancel("requested")
		c.logger.Info("grading job cancelled", "session_id", sessionID, "job_id", jobID)
	}
	return &snap, nil
}

// Reset returns the session to Idle from any phase, clearing both
// checkpoint records. A live loop is torn down without contacting the
// engine.
func (c *Coordinator) Reset(_ context.Context, sessionID string) (*Snapshot, error) {
	st := c.state(sessionID)

	st.mu.Lock()
	stale := st.loop
	st.loop = nil
	st.phase = PhaseIdle
	st.jobID = ""
	st.batchID = ""
	st.percent = 0
	st.total = 0
	st.processed = 0
	st.successful = 0
	st.unitErrors = nil
	st.message = ""
	st.startedAt = time.Time{}
	st.updatedAt = time.Now().UTC()
	c.clearCheckpoint(sessionID)
	snap := st.snapshot(sessionID)
	c.bus.publish(sessionID, snap)
	st.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	c.logger.Info("session reset", "session_id", sessionID)
	return &snap, nil
}

// Snapshot returns the current lifecycle state without side effects.
func (c *Coordinator) Snapshot(sessionID string) Snapshot {
	st := c.peek(sessionID)
	if st == nil {
		return Snapshot{SessionID: sessionID, Phase: PhaseIdle}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(sessionID)
}

// Subscribe registers a lifecycle snapshot feed for the session. The
// returned func unregisters and closes the channel; it is safe to call
// more than once.
func (c *Coordinator) Subscribe(sessionID string) (<-chan Snapshot, func()) {
	ch := c.bus.subscribe(sessionID)
	return ch, func() { c.bus.unsubscribe(sessionID, ch) }
}

func (c *Coordinator) newLoop(sessionID, jobID string) *poller.Loop {
	var loop *poller.Loop
	loop = poller.New(jobID, c.api, func(ev poller.Event) {
		c.handleEvent(sessionID, loop, ev)
	}, poller.Options{
		Interval:   c.pollInterval,
		MaxRuntime: c.maxRuntime,
		Logger:     c.logger,
	})
	return loop
}

// handleEvent is every loop's onEvent. Events from a loop that is no
// longer the session's current one (replaced, cancelled, reset) are
// dropped.
func (c *Coordinator) handleEvent(sessionID string, from *poller.Loop, ev poller.Event) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.loop != from || st.phase != PhasePolling {
		return
	}

	now := time.Now().UTC()
	st.updatedAt = now

	if ev.Kind == poller.EventProgress {
		st.percent = ev.Percent
		st.processed = ev.ProcessedUnits
		st.successful = ev.SuccessfulUnits
		if ev.TotalUnits > 0 {
			st.total = ev.TotalUnits
		}
		c.bus.publish(sessionID, st.snapshot(sessionID))
		return
	}

	st.loop = nil
	if ev.TotalUnits > 0 {
		st.total = ev.TotalUnits
		st.processed = ev.ProcessedUnits
		st.successful = ev.SuccessfulUnits
	}
	if ev.Percent > 0 {
		st.percent = ev.Percent
	}
	st.unitErrors = cloneUnitErrors(ev.Errors)

	switch ev.Kind {
	case poller.EventCompleted:
		st.phase = PhaseCompleted
		st.message = completionMessage(st.successful, st.total, len(ev.Errors))
	case poller.EventFailed:
		st.phase = PhaseFailed
		st.message = ev.Message
	case poller.EventCancelled:
		st.phase = PhaseCancelled
		st.message = "grading cancelled"
	case poller.EventOrphaned:
		st.phase = PhaseOrphaned
		st.message = "this grading job no longer exists"
	case poller.EventTimedOut:
		st.phase = PhaseTimedOut
		st.message = ev.Message
	}

	// A timed-out job may still be running; its checkpoint stays so
	// the next mount can re-verify. Every other outcome is final for
	// the session.
	if ev.Kind != poller.EventTimedOut {
		c.clearCheckpoint(sessionID)
	}
	c.recordRun(sessionID, st, string(ev.Kind), now)
	c.bus.publish(sessionID, st.snapshot(sessionID))

	c.logger.Info("grading job finished",
		"session_id", sessionID, "job_id", ev.JobID,
		"outcome", string(ev.Kind), "message", st.message)
}

func (c *Coordinator) clearCheckpoint(sessionID string) {
	ctx, cancel := context.WithTimeout(c.baseCtx, storeOpTimeout)
	defer cancel()
	if err := c.store.Clear(ctx, sessionID); err != nil {
		c.logger.Warn("checkpoint clear failed", "session_id", sessionID, "error", err)
	}
}

// recordRun journals a finished run. Failures are logged and never
// break the lifecycle. Caller holds st.mu.
func (c *Coordinator) recordRun(sessionID string, st *sessionState, outcome string, finishedAt time.Time) {
	if c.recorder == nil {
		return
	}
	run := RunRecord{
		SessionID:       sessionID,
		JobID:           st.jobID,
		BatchID:         st.batchID,
		Outcome:         outcome,
		TotalUnits:      st.total,
		ProcessedUnits:  st.processed,
		SuccessfulUnits: st.successful,
		UnitErrors:      cloneUnitErrors(st.unitErrors),
		Message:         st.message,
		StartedAt:       st.startedAt,
		FinishedAt:      finishedAt,
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, storeOpTimeout)
	defer cancel()
	if err := c.recorder.RecordRun(ctx, run); err != nil {
		c.logger.Warn("journal write failed",
			"session_id", sessionID, "job_id", st.jobID, "outcome", outcome, "error", err)
	}
}

// sweepLoop drops quiescent session entries so the table does not grow
// with every session id ever seen.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-sweepTTL)
		c.mu.Lock()
		for id, st := range c.sessions {
			st.mu.Lock()
			if st.loop == nil && !st.activePhase() && st.updatedAt.Before(cutoff) {
				delete(c.sessions, id)
			}
			st.mu.Unlock()
		}
		c.mu.Unlock()
	}
}

func completionMessage(successful, total, failed int) string {
	if failed > 0 {
		return fmt.Sprintf("graded %d of %d; %d failed", successful, total, failed)
	}
	return fmt.Sprintf("graded %d of %d", successful, total)
}

func cloneUnitErrors(in []model.UnitError) []model.UnitError {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.UnitError, len(in))
	copy(out, in)
	return out
}
