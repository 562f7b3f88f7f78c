package poller

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"saiten/internal/gradeapi"
	"saiten/internal/metrics"
	"saiten/internal/model"
)

// StatusFetcher is the slice of the engine API a poll loop needs.
type StatusFetcher interface {
	GetJobStatus(ctx context.Context, jobID string) (*model.GradingJob, error)
}

// EventKind tags a lifecycle event. The set is closed; consumers
// switch exhaustively.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventOrphaned  EventKind = "orphaned"
	EventTimedOut  EventKind = "timeout"
)

// Terminal reports whether the kind ends the loop.
func (k EventKind) Terminal() bool {
	return k != EventProgress
}

// Event is one lifecycle notification from a poll loop.
type Event struct {
	Kind            EventKind
	JobID           string
	Percent         int
	ProcessedUnits  int
	TotalUnits      int
	SuccessfulUnits int
	Errors          []model.UnitError
	Message         string
}

// Options tunes a Loop. Zero values fall back to the production
// defaults (2s interval, 2h ceiling).
type Options struct {
	Interval   time.Duration
	MaxRuntime time.Duration
	Logger     *slog.Logger
}

// DefaultInterval is how often a loop queries the engine.
const DefaultInterval = 2 * time.Second

// DefaultMaxRuntime is the single authoritative poll ceiling. A loop
// that outlives it emits a timeout and stops, leaving server-side
// state untouched; the job may well still be running.
const DefaultMaxRuntime = 2 * time.Hour

// ErrAlreadyStarted is returned by Start on a loop that is already
// running (or already stopped). A subscriber re-polling the same job
// must stop its previous loop first.
var ErrAlreadyStarted = errors.New("poll loop already started")

// Loop polls one grading job until a terminal outcome.
//
// All events are delivered from the loop's own goroutine, one at a
// time. Stop is synchronous: it blocks out any in-flight delivery and
// after it returns no further event fires, even when a fetch issued
// before Stop resolves afterwards. The onEvent callback must not call
// back into the Loop.
type Loop struct {
	jobID   string
	fetch   StatusFetcher
	onEvent func(Event)

	interval   time.Duration
	maxRuntime time.Duration
	logger     *slog.Logger

	mu            sync.Mutex
	started       bool
	stopped       bool
	stopCh        chan struct{}
	lastProcessed int
}

func New(jobID string, fetch StatusFetcher, onEvent func(Event), opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxRuntime := opts.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		jobID:      jobID,
		fetch:      fetch,
		onEvent:    onEvent,
		interval:   interval,
		maxRuntime: maxRuntime,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// JobID returns the identity this loop polls.
func (l *Loop) JobID() string {
	return l.jobID
}

// Running reports whether the loop has started and not yet stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// Start launches the polling goroutine. The context bounds the loop's
// lifetime alongside Stop; cancellation tears the loop down without
// emitting an event.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Stop tears the loop down deterministically. It contends on the same
// mutex that gates event delivery, so once Stop returns no event is in
// flight and none will fire; a late-resolving fetch is discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halt()
}

// halt transitions to stopped. Caller holds l.mu.
func (l *Loop) halt() {
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopCh)
}

func (l *Loop) run(ctx context.Context) {
	defer l.Stop()

	deadline := time.Now().Add(l.maxRuntime)

	// First tick fires immediately so a fresh submission shows
	// progress without waiting out a full interval.
	if l.tick(ctx, deadline) {
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
		}

		if l.tick(ctx, deadline) {
			return
		}
	}
}

// tick runs one poll cycle. It returns true when the loop is done.
func (l *Loop) tick(ctx context.Context, deadline time.Time) bool {
	if time.Now().After(deadline) {
		l.logger.Warn("poll ceiling reached, abandoning loop",
			"job_id", l.jobID, "ceiling", l.maxRuntime.String())
		metrics.RecordPoll("timeout")
		l.emit(Event{
			Kind:    EventTimedOut,
			JobID:   l.jobID,
			Message: "status polling timed out; the job may still be running",
		})
		return true
	}

	job, err := l.fetch.GetJobStatus(ctx, l.jobID)
	if err != nil {
		switch {
		case gradeapi.IsGone(err):
			metrics.RecordPoll("orphaned")
			l.logger.Warn("polled job is gone", "job_id", l.jobID, "error", err)
			l.emit(Event{
				Kind:    EventOrphaned,
				JobID:   l.jobID,
				Message: "grading job no longer exists",
			})
			return true
		default:
			// Transient by classification or by doubt; either way the
			// loop keeps going until the ceiling.
			metrics.RecordPoll("transport_retry")
			l.logger.Debug("transient poll failure", "job_id", l.jobID, "error", err)
			return false
		}
	}

	status := job.Status

	// An engine that has processed every unit but still reports a
	// non-terminal status would otherwise poll forever. Reconcile to
	// completed, loudly.
	if !status.IsTerminal() && job.TotalUnits > 0 && job.ProcessedUnits >= job.TotalUnits {
		l.logger.Warn("coercing stale engine status to completed",
			"job_id", l.jobID,
			"reported_status", string(status),
			"processed", job.ProcessedUnits,
			"total", job.TotalUnits)
		metrics.RecordStatusCoercion()
		status = model.StatusCompleted
	}

	// Processed counts never regress within a loop; a lower count from
	// the engine is ignored for display.
	processed := job.ProcessedUnits
	if processed < l.lastProcessed {
		processed = l.lastProcessed
	} else {
		l.lastProcessed = processed
	}

	percent := Percent(processed, job.TotalUnits)

	delivered := l.emit(Event{
		Kind:            EventProgress,
		JobID:           l.jobID,
		Percent:         percent,
		ProcessedUnits:  processed,
		TotalUnits:      job.TotalUnits,
		SuccessfulUnits: job.SuccessfulUnits,
	})
	if !delivered {
		return true
	}

	switch status {
	case model.StatusCompleted:
		metrics.RecordPoll("completed")
		l.emit(Event{
			Kind:            EventCompleted,
			JobID:           l.jobID,
			Percent:         percent,
			ProcessedUnits:  processed,
			TotalUnits:      job.TotalUnits,
			SuccessfulUnits: job.SuccessfulUnits,
			Errors:          job.Errors,
		})
		return true
	case model.StatusFailed:
		metrics.RecordPoll("failed")
		msg := job.Error
		if msg == "" {
			msg = "grading failed"
		}
		l.emit(Event{
			Kind:            EventFailed,
			JobID:           l.jobID,
			Percent:         percent,
			ProcessedUnits:  processed,
			TotalUnits:      job.TotalUnits,
			SuccessfulUnits: job.SuccessfulUnits,
			Message:         msg,
		})
		return true
	case model.StatusCancelled:
		metrics.RecordPoll("cancelled")
		l.emit(Event{
			Kind:    EventCancelled,
			JobID:   l.jobID,
			Percent: percent,
		})
		return true
	default:
		metrics.RecordPoll("progress")
		return false
	}
}

// emit delivers one event unless the loop has stopped. The mutex is
// held across the callback: Stop cannot return while a delivery is in
// flight, and a delivery attempted after Stop sees the flag and drops.
// Terminal events also flip the flag so nothing follows them.
func (l *Loop) emit(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	if ev.Kind.Terminal() {
		l.halt()
	}
	l.onEvent(ev)
	return true
}

// Percent derives the UI progress percentage. Unknown totals read as 0.
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
