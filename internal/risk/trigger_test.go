package risk

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// blockingRecalc is a controllable recalculation func: each run blocks
// until release is signaled.
type blockingRecalc struct {
	runs    atomic.Int64
	release chan error
}

func newBlockingRecalc() *blockingRecalc {
	return &blockingRecalc{release: make(chan error)}
}

func (b *blockingRecalc) run(ctx context.Context) error {
	b.runs.Add(1)
	select {
	case err := <-b.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestTrigger_SingleFlight verifies a second non-forced request during a
// run is rejected.
func TestTrigger_SingleFlight(t *testing.T) {
	b := newBlockingRecalc()
	tr := NewTrigger(context.Background(), b.run, zap.NewNop())

	if !tr.Request(false) {
		t.Fatal("first request should start a run")
	}
	waitFor(t, func() bool { return b.runs.Load() == 1 })

	if tr.Request(false) {
		t.Error("non-forced request during a run should be rejected")
	}
	if got := tr.Status().State; got != StateRunning {
		t.Errorf("state = %v, want RUNNING", got)
	}

	b.release <- nil
	waitFor(t, func() bool { return tr.Status().State == StateIdle })
	if b.runs.Load() != 1 {
		t.Errorf("ran %d times, want 1", b.runs.Load())
	}
}

// TestTrigger_ForceQueuesExactlyOne verifies repeated forced requests
// during a run collapse into one queued follow-up.
func TestTrigger_ForceQueuesExactlyOne(t *testing.T) {
	b := newBlockingRecalc()
	tr := NewTrigger(context.Background(), b.run, zap.NewNop())

	tr.Request(false)
	waitFor(t, func() bool { return b.runs.Load() == 1 })

	for i := 0; i < 3; i++ {
		if !tr.Request(true) {
			t.Fatal("forced request during a run should be accepted")
		}
	}
	if !tr.Status().Queued {
		t.Error("status should report a queued run")
	}

	b.release <- nil // finishes the first run, queued run starts
	waitFor(t, func() bool { return b.runs.Load() == 2 })
	b.release <- nil
	waitFor(t, func() bool { return tr.Status().State == StateIdle })

	if b.runs.Load() != 2 {
		t.Errorf("ran %d times, want 2 (one initial, one queued)", b.runs.Load())
	}
}

// TestTrigger_FailureSurfacesAndRecovers verifies a failed run is
// reported in status and does not block the next request.
func TestTrigger_FailureSurfacesAndRecovers(t *testing.T) {
	b := newBlockingRecalc()
	tr := NewTrigger(context.Background(), b.run, zap.NewNop())

	tr.Request(false)
	waitFor(t, func() bool { return b.runs.Load() == 1 })
	b.release <- errors.New("snapshot torn")
	waitFor(t, func() bool { return tr.Status().State == StateFailed })

	if got := tr.Status().LastError; got != "snapshot torn" {
		t.Errorf("last error = %q, want the run's error", got)
	}

	if !tr.Request(false) {
		t.Fatal("request after a failed run should be accepted")
	}
	waitFor(t, func() bool { return b.runs.Load() == 2 })
	b.release <- nil
	waitFor(t, func() bool { return tr.Status().State == StateIdle })

	if got := tr.Status().LastError; got != "" {
		t.Errorf("last error = %q, want cleared after a good run", got)
	}
}
