package risk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the recalculation trigger.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateFailed  State = "FAILED"
)

// Status is the queryable trigger state.
type Status struct {
	State        State     `json:"state"`
	Queued       bool      `json:"queued"`
	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Trigger enforces single-flight semantics over recalculation: at most
// one run system-wide. A non-forced request during a run is rejected; a
// forced request queues exactly one follow-up run that starts after the
// current one completes, never interleaved. Callers are only blocked
// long enough to enqueue; completion is observed via Status.
type Trigger struct {
	mu      sync.Mutex
	state   State
	queued  bool
	status  Status
	recalc  func(ctx context.Context) error
	baseCtx context.Context
	logger  *zap.Logger
}

// NewTrigger creates a trigger driving the given recalculation func.
// baseCtx bounds background runs; canceling it stops queued work.
func NewTrigger(baseCtx context.Context, recalc func(ctx context.Context) error, logger *zap.Logger) *Trigger {
	return &Trigger{
		state:   StateIdle,
		recalc:  recalc,
		baseCtx: baseCtx,
		logger:  logger,
	}
}

// Request asks for a recalculation. It returns true when the request was
// accepted (started or queued) and false when rejected because a run is
// already in flight and force was not set.
func (t *Trigger) Request(force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning {
		if !force {
			return false
		}
		// One queued run is enough: it will observe all current data.
		t.queued = true
		return true
	}

	t.state = StateRunning
	t.queued = false
	go t.runLoop()
	return true
}

// Status returns the current trigger status.
func (t *Trigger) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.status
	s.State = t.state
	s.Queued = t.queued
	return s
}

func (t *Trigger) runLoop() {
	for {
		started := time.Now().UTC()
		t.mu.Lock()
		t.status.LastStarted = started
		t.mu.Unlock()

		err := t.recalc(t.baseCtx)

		t.mu.Lock()
		t.status.LastFinished = time.Now().UTC()
		if err != nil {
			t.status.LastError = err.Error()
			t.state = StateFailed
			t.logger.Error("recalculation run failed", zap.Error(err))
		} else {
			t.status.LastError = ""
		}

		if t.queued && t.baseCtx.Err() == nil {
			t.queued = false
			t.state = StateRunning
			t.mu.Unlock()
			continue
		}

		if t.state != StateFailed {
			t.state = StateIdle
		}
		t.mu.Unlock()
		return
	}
}
