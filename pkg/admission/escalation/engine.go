package escalation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gatewise/turnstile/pkg/store"
	"gatewise/turnstile/pkg/telemetry/logging"
)

// Warning is one threshold crossing to be delivered to the operator channel.
type Warning struct {
	Scope      string
	Identifier string
	Period     string
	PeriodKey  string
	Threshold  int
	Used       int64
	Limit      int64
	FiredAt    time.Time
}

// Percent returns current usage as a percentage of the limit.
func (w Warning) Percent() float64 {
	if w.Limit <= 0 {
		return 0
	}
	return float64(w.Used) / float64(w.Limit) * 100
}

// Notifier delivers a warning to an external channel. Implementations must be
// safe for concurrent use. A returned error marks the delivery failed; the
// warning is not re-fired.
type Notifier interface {
	Notify(ctx context.Context, w Warning) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, w Warning) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, w Warning) error { return f(ctx, w) }

// LogNotifier writes warnings to the structured log. It is the default
// delivery channel when no external one is configured.
type LogNotifier struct {
	Logger *logging.Logger
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, w Warning) error {
	n.Logger.Warn("usage threshold crossed",
		"scope", w.Scope,
		"identifier", logging.MaskIdentifier(w.Identifier),
		"period", w.Period,
		"period_key", w.PeriodKey,
		"threshold_pct", w.Threshold,
		"used", w.Used,
		"limit", w.Limit,
	)
	return nil
}

// Target names the ledger a standalone evaluation runs against.
type Target struct {
	Namespace  string
	Scope      string
	Identifier string
	Period     string
	PeriodKey  string
	ExpireAt   time.Time
}

const (
	defaultQueueSize      = 256
	defaultDeliverTimeout = 5 * time.Second
)

// Engine dispatches threshold warnings through a bounded queue to a single
// delivery worker.
type Engine struct {
	store    store.Store
	notifier Notifier
	logger   *logging.Logger
	now      func() time.Time

	queue   chan Warning
	timeout time.Duration

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueueSize sets the dispatch queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queue = make(chan Warning, n)
		}
	}
}

// WithDeliverTimeout bounds each Notify call.
func WithDeliverTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewEngine creates an escalation engine and starts its delivery worker. A
// nil notifier falls back to logging warnings.
func NewEngine(st store.Store, notifier Notifier, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	e := &Engine{
		store:    st,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		queue:    make(chan Warning, defaultQueueSize),
		timeout:  defaultDeliverTimeout,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Evaluate arms any thresholds newly crossed by used/limit on the target
// ledger and dispatches a warning for each. Crossings already armed by a
// ledger commit should go straight to Dispatch instead.
func (e *Engine) Evaluate(ctx context.Context, target Target, used, limit int64, thresholds []int) ([]Warning, error) {
	if limit <= 0 || len(thresholds) == 0 {
		return nil, nil
	}

	key := store.LedgerKey(target.Namespace, target.Scope, target.Period, target.Identifier, target.PeriodKey)
	crossed, err := e.store.MarkThresholds(ctx, key, target.ExpireAt, used, limit, thresholds)
	if err != nil {
		return nil, err
	}

	warnings := make([]Warning, 0, len(crossed))
	for _, th := range crossed {
		w := Warning{
			Scope:      target.Scope,
			Identifier: target.Identifier,
			Period:     target.Period,
			PeriodKey:  target.PeriodKey,
			Threshold:  th,
			Used:       used,
			Limit:      limit,
			FiredAt:    e.now(),
		}
		warnings = append(warnings, w)
		e.Dispatch(w)
	}
	return warnings, nil
}

// Dispatch enqueues a warning for asynchronous delivery. It never blocks: a
// full queue drops the warning and reports false.
func (e *Engine) Dispatch(w Warning) bool {
	if w.FiredAt.IsZero() {
		w.FiredAt = e.now()
	}
	select {
	case e.queue <- w:
		return true
	default:
		dropped := e.dropped.Add(1)
		e.logger.Error("warning queue full, notification dropped",
			"scope", w.Scope,
			"identifier", logging.MaskIdentifier(w.Identifier),
			"threshold_pct", w.Threshold,
			"dropped_total", dropped,
		)
		return false
	}
}

// Stats reports delivery counters since the engine started.
func (e *Engine) Stats() (delivered, failed, dropped int64) {
	return e.delivered.Load(), e.failed.Load(), e.dropped.Load()
}

// Close stops accepting warnings, drains the queue, and waits for the worker
// to finish in-flight deliveries.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.queue)
		<-e.done
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for w := range e.queue {
		e.deliver(w)
	}
}

func (e *Engine) deliver(w Warning) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.notifier.Notify(ctx, w); err != nil {
		// The marker stays armed: a failed delivery is logged, not
		// re-fired, so the channel sees each crossing at most once.
		e.failed.Add(1)
		e.logger.Error("warning delivery failed",
			"scope", w.Scope,
			"identifier", logging.MaskIdentifier(w.Identifier),
			"threshold_pct", w.Threshold,
			"error", err,
		)
		return
	}
	e.delivered.Add(1)
}
