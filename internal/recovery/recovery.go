// Package recovery re-attaches or discards session checkpoints when a
// job-observing surface mounts.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"saiten/internal/coordinator"
	"saiten/internal/gradeapi"
	"saiten/internal/metrics"
	"saiten/internal/observability"
	"saiten/internal/session"
)

// Result is what a mounting surface gets back: the lifecycle snapshot,
// the wizard checkpoint to resume from (if any), and a user-facing
// notice when a previous job had to be discarded.
type Result struct {
	Snapshot coordinator.Snapshot `json:"snapshot"`
	Wizard   *session.WizardState `json:"wizard,omitempty"`
	Notice   string               `json:"notice,omitempty"`
}

// Service resolves checkpoints against the engine on mount. Concurrent
// mounts for one session are collapsed so the engine sees at most one
// verification fetch per mount wave.
type Service struct {
	api    gradeapi.API
	store  session.Store
	coord  *coordinator.Coordinator
	tracer *observability.Tracer
	logger *slog.Logger

	group singleflight.Group
}

func New(api gradeapi.API, store session.Store, coord *coordinator.Coordinator, logger *slog.Logger, tracer *observability.Tracer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Service{
		api:    api,
		store:  store,
		coord:  coord,
		tracer: tracer,
		logger: logger,
	}
}

// Attach resolves the session's checkpoint into a live lifecycle state.
// It is idempotent: a session that is already polling short-circuits
// without touching the store or the engine.
func (s *Service) Attach(ctx context.Context, sessionID string) (*Result, error) {
	v, err, _ := s.group.Do(sessionID, func() (any, error) {
		return s.attach(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (s *Service) attach(ctx context.Context, sessionID string) (*Result, error) {
	ctx, span := s.tracer.StartRecover(ctx, sessionID)
	defer span.End()

	snap := s.coord.Snapshot(sessionID)
	if snap.Phase == coordinator.PhasePolling || snap.Phase == coordinator.PhaseSubmitting {
		metrics.RecordRecovery("live")
		s.tracer.SetOutcome(span, "live")
		return &Result{Snapshot: snap}, nil
	}

	cp, err := s.store.ReadCheckpoint(ctx, sessionID)
	if err != nil {
		metrics.RecordRecovery("error")
		s.tracer.RecordError(span, err)
		return nil, fmt.Errorf("read session checkpoint: %w", err)
	}

	if cp.ActiveJob != nil {
		return s.resumeJob(ctx, sessionID, cp, span)
	}

	if cp.WizardState != nil {
		metrics.RecordRecovery("wizard_only")
		s.tracer.SetOutcome(span, "wizard_only")
		return &Result{Snapshot: snap, Wizard: cp.WizardState}, nil
	}

	metrics.RecordRecovery("clean")
	s.tracer.SetOutcome(span, "clean")
	return &Result{Snapshot: snap}, nil
}

// resumeJob verifies the checkpointed job's parent batch, then either
// re-attaches a poll loop or discards the whole checkpoint. One
// verification fetch per mount, never per tick.
func (s *Service) resumeJob(ctx context.Context, sessionID string, cp *session.Checkpoint, span trace.Span) (*Result, error) {
	job := cp.ActiveJob
	_, err := s.api.GetBatch(ctx, job.BatchID)
	switch {
	case err == nil:
		snap, aErr := s.coord.AttachLoop(ctx, sessionID, job.JobID, job.BatchID, job.StartedAt)
		if aErr != nil {
			// Raced another mount that attached first; report its state.
			live := s.coord.Snapshot(sessionID)
			metrics.RecordRecovery("live")
			s.tracer.SetOutcome(span, "live")
			return &Result{Snapshot: live}, nil
		}
		metrics.RecordRecovery("reattached")
		s.tracer.SetOutcome(span, "reattached")
		s.logger.Info("checkpointed job re-attached",
			"session_id", sessionID, "job_id", job.JobID, "batch_id", job.BatchID)
		// Job recovery wins over the wizard checkpoint; the form state
		// is returned for display only.
		return &Result{Snapshot: *snap, Wizard: cp.WizardState}, nil

	case gradeapi.IsGone(err):
		reset, rErr := s.coord.Reset(ctx, sessionID)
		if rErr != nil {
			metrics.RecordRecovery("error")
			s.tracer.RecordError(span, rErr)
			return nil, rErr
		}
		metrics.RecordRecovery("discarded")
		s.tracer.SetOutcome(span, "discarded")
		s.logger.Warn("checkpointed job discarded, batch gone",
			"session_id", sessionID, "job_id", job.JobID, "batch_id", job.BatchID, "error", err)
		return &Result{
			Snapshot: *reset,
			Notice:   "the previous grading job could no longer be resumed",
		}, nil

	default:
		metrics.RecordRecovery("error")
		s.tracer.RecordError(span, err)
		return nil, fmt.Errorf("verify batch %s: %w", job.BatchID, err)
	}
}
