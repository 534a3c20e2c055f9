package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"gatewise/turnstile/pkg/telemetry/logging"
)

// ============================================================================
// Recorder Tests
// ============================================================================

func TestRecorder_RunsSubmittedTasks(t *testing.T) {
	recorder := NewRecorder(logging.Discard(), WithWorkers(4))

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		ok := recorder.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if !ok {
			t.Fatal("submit should succeed with a spacious queue")
		}
	}
	recorder.Close()

	if got := ran.Load(); got != 50 {
		t.Errorf("ran %d tasks, want 50", got)
	}
	submitted, completed, failed, dropped := recorder.Stats()
	if submitted != 50 || completed != 50 || failed != 0 || dropped != 0 {
		t.Errorf("stats = %d/%d/%d/%d, want 50/50/0/0", submitted, completed, failed, dropped)
	}
}

func TestRecorder_FullQueueDropsWithoutBlocking(t *testing.T) {
	recorder := NewRecorder(logging.Discard(), WithWorkers(1), WithQueueSize(1))

	// Block the single worker so the queue backs up.
	release := make(chan struct{})
	recorder.Submit(func(context.Context) error {
		<-release
		return nil
	})

	var accepted int
	for i := 0; i < 10; i++ {
		if recorder.Submit(func(context.Context) error { return nil }) {
			accepted++
		}
	}
	if accepted > 1 {
		t.Errorf("accepted %d submits on a full queue, want at most 1", accepted)
	}
	_, _, _, dropped := recorder.Stats()
	if dropped == 0 {
		t.Error("expected dropped tasks to be counted")
	}

	close(release)
	recorder.Close()
}

func TestRecorder_TaskErrorsCountedNotFatal(t *testing.T) {
	recorder := NewRecorder(logging.Discard())

	recorder.Submit(func(context.Context) error { return errors.New("disk full") })
	recorder.Submit(func(context.Context) error { return nil })
	recorder.Close()

	_, completed, failed, _ := recorder.Stats()
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
}

func TestRecorder_CloseDrains(t *testing.T) {
	recorder := NewRecorder(logging.Discard(), WithQueueSize(128))

	var ran atomic.Int64
	for i := 0; i < 30; i++ {
		recorder.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	recorder.Close()
	// Idempotent.
	recorder.Close()

	if got := ran.Load(); got != 30 {
		t.Errorf("ran %d tasks before Close returned, want 30", got)
	}
}
