package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gatewise/turnstile/pkg/telemetry/logging"
)

// Task is one unit of deferred usage work, typically a persistence write
// built from a commit's post-commit totals.
type Task func(ctx context.Context) error

const (
	defaultRecorderQueue   = 1024
	defaultRecorderWorkers = 2
	defaultTaskTimeout     = 10 * time.Second
)

// Recorder runs usage tasks off the admission hot path through a bounded
// queue. A full queue drops the task rather than stalling admission; drops
// are counted and logged so operators can size the queue.
type Recorder struct {
	logger  *logging.Logger
	queue   chan Task
	timeout time.Duration

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*recorderOptions)

type recorderOptions struct {
	queueSize int
	workers   int
	timeout   time.Duration
}

// WithQueueSize sets the task queue capacity.
func WithQueueSize(n int) RecorderOption {
	return func(o *recorderOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithWorkers sets the number of task workers.
func WithWorkers(n int) RecorderOption {
	return func(o *recorderOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithTaskTimeout bounds each task's execution.
func WithTaskTimeout(d time.Duration) RecorderOption {
	return func(o *recorderOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRecorder creates a recorder and starts its workers.
func NewRecorder(logger *logging.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	o := recorderOptions{
		queueSize: defaultRecorderQueue,
		workers:   defaultRecorderWorkers,
		timeout:   defaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Recorder{
		logger:  logger,
		queue:   make(chan Task, o.queueSize),
		timeout: o.timeout,
	}
	for i := 0; i < o.workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Submit enqueues a task. It never blocks: a full queue drops the task and
// reports false.
func (r *Recorder) Submit(task Task) bool {
	select {
	case r.queue <- task:
		r.submitted.Add(1)
		return true
	default:
		dropped := r.dropped.Add(1)
		r.logger.Error("usage task queue full, task dropped",
			"dropped_total", dropped,
			"queue_len", len(r.queue),
		)
		return false
	}
}

// QueueDepth returns the current number of pending tasks.
func (r *Recorder) QueueDepth() int {
	return len(r.queue)
}

// Stats reports task counters since the recorder started.
func (r *Recorder) Stats() (submitted, completed, failed, dropped int64) {
	return r.submitted.Load(), r.completed.Load(), r.failed.Load(), r.dropped.Load()
}

// Close stops accepting tasks, drains the queue, and waits for workers to
// finish in-flight tasks.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for task := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := task(ctx); err != nil {
			r.failed.Add(1)
			r.logger.Error("usage task failed", "error", err)
		} else {
			r.completed.Add(1)
		}
		cancel()
	}
}
