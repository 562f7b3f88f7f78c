// Package watch drives the always-mounted ambient indicator. Each
// session gets an Observer that re-checks the shared checkpoint on an
// interval and polls any job it finds with its own loop, independently
// of the wizard's coordinator.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"saiten/internal/poller"
	"saiten/internal/session"
)

const (
	DefaultRecheckInterval = 5 * time.Second
	DefaultGrace           = 5 * time.Second
	DefaultIdleTTL         = 10 * time.Minute

	storeOpTimeout = 5 * time.Second
)

// Options tunes the watcher. Zero values use the defaults above.
type Options struct {
	RecheckInterval time.Duration
	Grace           time.Duration
	IdleTTL         time.Duration
	PollInterval    time.Duration
	MaxRuntime      time.Duration
}

// IndicatorState is what the ambient surface renders.
type IndicatorState struct {
	SessionID       string `json:"sessionId"`
	Visible         bool   `json:"visible"`
	Active          bool   `json:"active"`
	JobID           string `json:"jobId,omitempty"`
	BatchID         string `json:"batchId,omitempty"`
	Percent         int    `json:"percent"`
	ProcessedUnits  int    `json:"processedUnits"`
	TotalUnits      int    `json:"totalUnits"`
	SuccessfulUnits int    `json:"successfulUnits"`
	Outcome         string `json:"outcome,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Watcher owns one Observer per session with a recent indicator.
type Watcher struct {
	store  session.Store
	fetch  poller.StatusFetcher
	logger *slog.Logger

	recheck      time.Duration
	grace        time.Duration
	idleTTL      time.Duration
	pollInterval time.Duration
	maxRuntime   time.Duration

	baseCtx context.Context

	mu        sync.Mutex
	observers map[string]*Observer
}

func New(baseCtx context.Context, store session.Store, fetch poller.StatusFetcher, logger *slog.Logger, opts Options) *Watcher {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	recheck := opts.RecheckInterval
	if recheck <= 0 {
		recheck = DefaultRecheckInterval
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	idleTTL := opts.IdleTTL
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}

	w := &Watcher{
		store:        store,
		fetch:        fetch,
		logger:       logger,
		recheck:      recheck,
		grace:        grace,
		idleTTL:      idleTTL,
		pollInterval: opts.PollInterval,
		maxRuntime:   opts.MaxRuntime,
		baseCtx:      baseCtx,
		observers:    make(map[string]*Observer),
	}
	go w.sweepLoop(baseCtx)
	return w
}

// Indicator returns the ambient state for the session, creating and
// starting an Observer on first use.
func (w *Watcher) Indicator(sessionID string) IndicatorState {
	o := w.observer(sessionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	o.lastTouch = now
	return o.stateLocked(now)
}

func (w *Watcher) observer(sessionID string) *Observer {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := w.observers[sessionID]
	if o == nil {
		o = &Observer{
			sessionID: sessionID,
			w:         w,
			lastTouch: time.Now().UTC(),
			stop:      make(chan struct{}),
		}
		w.observers[sessionID] = o
		go o.run(w.baseCtx)
	}
	return o
}

// sweepLoop drops observers that track nothing and have not served an
// indicator read within the idle TTL.
func (w *Watcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery(w.idleTTL))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-w.idleTTL)
		w.mu.Lock()
		for id, o := range w.observers {
			o.mu.Lock()
			idle := !o.active && o.message == "" && o.lastTouch.Before(cutoff)
			if idle {
				close(o.stop)
				delete(w.observers, id)
			}
			o.mu.Unlock()
		}
		w.mu.Unlock()
	}
}

func sweepEvery(idleTTL time.Duration) time.Duration {
	every := idleTTL / 4
	if every > time.Minute {
		every = time.Minute
	}
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	return every
}

// Observer tracks at most one job for one session.
type Observer struct {
	sessionID string
	w         *Watcher
	stop      chan struct{}

	mu         sync.Mutex
	active     bool
	jobID      string
	batchID    string
	percent    int
	processed  int
	total      int
	successful int
	outcome    string
	message    string
	graceUntil time.Time
	lastTouch  time.Time
	loop       *poller.Loop
}

// stateLocked renders the indicator, lazily dropping a terminal
// message whose grace window has passed. Caller holds o.mu.
func (o *Observer) stateLocked(now time.Time) IndicatorState {
	if !o.active && o.message != "" && now.After(o.graceUntil) {
		o.outcome = ""
		o.message = ""
		o.percent = 0
		o.processed = 0
		o.total = 0
		o.successful = 0
		o.jobID = ""
		o.batchID = ""
	}
	return IndicatorState{
		SessionID:       o.sessionID,
		Visible:         o.active || o.message != "",
		Active:          o.active,
		JobID:           o.jobID,
		BatchID:         o.batchID,
		Percent:         o.percent,
		ProcessedUnits:  o.processed,
		TotalUnits:      o.total,
		SuccessfulUnits: o.successful,
		Outcome:         o.outcome,
		Message:         o.message,
	}
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.w.recheck)
	defer ticker.Stop()

	o.check(ctx)
	for {
		select {
		case <-ctx.Done():
			o.detach()
			return
		case <-o.stop:
			o.detach()
			return
		case <-ticker.C:
			o.check(ctx)
		}
	}
}

// check reconciles the observer against the shared checkpoint.
func (o *Observer) check(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	cp, err := o.w.store.ReadCheckpoint(cctx, o.sessionID)
	cancel()
	if err != nil {
		o.w.logger.Debug("indicator checkpoint read failed",
			"session_id", o.sessionID, "error", err)
		return
	}
	rec := cp.ActiveJob

	o.mu.Lock()
	switch {
	case rec == nil && o.active:
		// The other observer finished the job and cleared the record
		// first; stand down without a message.
		stale := o.loop
		o.loop = nil
		o.resetLocked()
		o.mu.Unlock()
		if stale != nil {
			stale.Stop()
		}
		o.w.logger.Debug("tracked job cleared elsewhere", "session_id", o.sessionID)

	case rec != nil && (!o.active || rec.JobID != o.jobID):
		stale := o.loop
		loop := o.newLoopLocked(rec.JobID)
		o.loop = loop
		o.active = true
		o.jobID = rec.JobID
		o.batchID = rec.BatchID
		o.percent = 0
		o.processed = 0
		o.total = 0
		o.successful = 0
		o.outcome = ""
		o.message = ""
		o.mu.Unlock()
		if stale != nil {
			stale.Stop()
		}
		if err := loop.Start(o.w.baseCtx); err != nil {
			o.w.logger.Error("indicator poll loop start failed", "job_id", rec.JobID, "error", err)
		}
		o.w.logger.Info("indicator tracking job", "session_id", o.sessionID, "job_id", rec.JobID)

	default:
		o.mu.Unlock()
	}
}

func (o *Observer) newLoopLocked(jobID string) *poller.Loop {
	var loop *poller.Loop
	loop = poller.New(jobID, o.w.fetch, func(ev poller.Event) {
		o.handleEvent(loop, ev)
	}, poller.Options{
		Interval:   o.w.pollInterval,
		MaxRuntime: o.w.maxRuntime,
		Logger:     o.w.logger,
	})
	return loop
}

func (o *Observer) handleEvent(from *poller.Loop, ev poller.Event) {
	o.mu.Lock()
	if o.loop != from {
		o.mu.Unlock()
		return
	}

	if ev.Kind == poller.EventProgress {
		o.percent = ev.Percent
		o.processed = ev.ProcessedUnits
		o.successful = ev.SuccessfulUnits
		if ev.TotalUnits > 0 {
			o.total = ev.TotalUnits
		}
		o.mu.Unlock()
		return
	}

	o.loop = nil
	o.active = false
	o.outcome = string(ev.Kind)
	o.message = terminalMessage(ev)
	if ev.Percent > 0 {
		o.percent = ev.Percent
	}
	if ev.TotalUnits > 0 {
		o.total = ev.TotalUnits
		o.processed = ev.ProcessedUnits
		o.successful = ev.SuccessfulUnits
	}
	o.graceUntil = time.Now().UTC().Add(o.w.grace)
	o.mu.Unlock()

	// Clear the shared record; losing the race to the other observer
	// is fine, the delete is then a no-op. A timed-out job keeps its
	// record for re-verification.
	if ev.Kind != poller.EventTimedOut {
		ctx, cancel := context.WithTimeout(o.w.baseCtx, storeOpTimeout)
		defer cancel()
		if err := o.w.store.ClearActiveJob(ctx, o.sessionID); err != nil {
			o.w.logger.Warn("active job clear failed",
				"session_id", o.sessionID, "job_id", ev.JobID, "error", err)
		}
	}
	o.w.logger.Info("indicator observed terminal outcome",
		"session_id", o.sessionID, "job_id", ev.JobID, "outcome", string(ev.Kind))
}

// resetLocked drops all job and grace state. Caller holds o.mu.
func (o *Observer) resetLocked() {
	o.active = false
	o.jobID = ""
	o.batchID = ""
	o.percent = 0
	o.processed = 0
	o.total = 0
	o.successful = 0
	o.outcome = ""
	o.message = ""
}

// detach stops any loop on observer teardown.
func (o *Observer) detach() {
	o.mu.Lock()
	stale := o.loop
	o.loop = nil
	o.mu.Unlock()
	if stale != nil {
		stale.Stop()
	}
}

func terminalMessage(ev poller.Event) string {
	switch ev.Kind {
	case poller.EventCompleted:
		if len(ev.Errors) > 0 {
			return fmt.Sprintf("graded %d of %d; %d failed", ev.SuccessfulUnits, ev.TotalUnits, len(ev.Errors))
		}
		return fmt.Sprintf("graded %d of %d", ev.SuccessfulUnits, ev.TotalUnits)
	case poller.EventCancelled:
		return "grading cancelled"
	case poller.EventOrphaned:
		return "this grading job no longer exists"
	default:
		return ev.Message
	}
}
