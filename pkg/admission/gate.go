package admission

import (
	"context"
	"strconv"
	"time"

	"gatewise/turnstile/pkg/admission/escalation"
	"gatewise/turnstile/pkg/admission/quota"
	"gatewise/turnstile/pkg/admission/ratelimit"
	"gatewise/turnstile/pkg/store"
	"gatewise/turnstile/pkg/telemetry/logging"
	"gatewise/turnstile/pkg/usage"
)

// Gate is the admission surface for one scope type. It owns the composition
// of the window limiter and quota tracker and the failure policy between
// them; callers never talk to the engines directly.
type Gate struct {
	scope    string
	resolver Resolver
	st       store.Store
	limiter  *ratelimit.Limiter
	tracker  *quota.Tracker

	escalator *escalation.Engine
	recorder  *usage.Recorder
	persist   *usage.SQLiteStore

	metrics *Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *logging.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the gate's metrics.
func WithMetrics(m *Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithEscalation routes threshold crossings to the given engine.
func WithEscalation(e *escalation.Engine) GateOption {
	return func(g *Gate) { g.escalator = e }
}

// WithPersistence routes post-commit totals through the recorder into the
// durable usage store.
func WithPersistence(r *usage.Recorder, s *usage.SQLiteStore) GateOption {
	return func(g *Gate) {
		g.recorder = r
		g.persist = s
	}
}

// WithClock injects the time source. The engines are rebuilt on the same
// clock so window and ledger math agree with the gate.
func WithClock(clock func() time.Time) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.now = clock
			g.limiter = ratelimit.NewLimiter(g.st, g.scope, clock)
			g.tracker = quota.NewTracker(g.st, g.scope, clock)
		}
	}
}

// NewGate creates an admission gate for the given scope type.
func NewGate(scopeType string, st store.Store, resolver Resolver, opts ...GateOption) *Gate {
	g := &Gate{
		scope:    scopeType,
		resolver: resolver,
		st:       st,
		limiter:  ratelimit.NewLimiter(st, scopeType, nil),
		tracker:  quota.NewTracker(st, scopeType, nil),
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewAPIKeyGate creates a gate keyed by API key.
func NewAPIKeyGate(st store.Store, resolver Resolver, opts ...GateOption) *Gate {
	return NewGate(ScopeAPIKey, st, resolver, opts...)
}

// NewGroupGate creates a gate keyed by group.
func NewGroupGate(st store.Store, resolver Resolver, opts ...GateOption) *Gate {
	return NewGate(ScopeGroup, st, resolver, opts...)
}

// NewUserGate creates a gate keyed by user.
func NewUserGate(st store.Store, resolver Resolver, opts ...GateOption) *Gate {
	return NewGate(ScopeUser, st, resolver, opts...)
}

// Scope returns the gate's scope type.
func (g *Gate) Scope() string { return g.scope }

// limitsFor resolves the identifier's limits, serving the conservative
// built-in default when no configuration exists for it.
func (g *Gate) limitsFor(identifier string) Limits {
	if g.resolver != nil {
		if limits, ok := g.resolver.Limits(g.scope, identifier); ok {
			return limits
		}
	}
	return DefaultLimits()
}

// Admit decides whether a request may proceed. It runs the window check (one
// slot is consumed when admitted) and a non-mutating quota projection for the
// request's estimated tokens; true consumption is committed afterwards
// through Commit. Store failures degrade to allow.
func (g *Gate) Admit(ctx context.Context, identifier string, projectedTokens int64) *Decision {
	start := g.now()
	defer func() {
		if g.metrics != nil {
			g.metrics.RecordCheckDuration(g.scope, "admit", time.Since(start).Seconds())
		}
	}()

	limits := g.limitsFor(identifier)

	rl, err := g.limiter.Check(ctx, identifier, limits.RateLimit)
	if err != nil {
		return g.degrade(identifier, "rate_limit", err, limits)
	}
	if !rl.Allowed {
		return g.finish(identifier, &Decision{Allowed: false, Reason: ReasonRateLimited, RateLimit: rl})
	}

	q, err := g.tracker.Preview(ctx, identifier, projectedTokens, limits.Quota)
	if err != nil {
		return g.degrade(identifier, "quota", err, limits)
	}
	g.reportMalformed(identifier, q.Malformed)
	if !q.Allowed {
		return g.finish(identifier, &Decision{Allowed: false, Reason: q.Reason, RateLimit: rl, Quota: q})
	}

	return g.finish(identifier, &Decision{Allowed: true, RateLimit: rl, Quota: q})
}

// Commit records a request's true consumption after completion. Newly
// crossed warning thresholds fan out to the escalation engine, and the
// post-commit totals go to the async usage recorder. Commit must be called
// at most once per admitted request.
func (g *Gate) Commit(ctx context.Context, identifier string, used quota.Usage) error {
	limits := g.limitsFor(identifier)

	commit, err := g.tracker.RecordUsage(ctx, identifier, used, limits.Quota)
	if err != nil {
		// Usage is lost for this request. Admission stays up; the
		// durable store reconciles from later commits.
		if g.metrics != nil {
			g.metrics.RecordDegraded(g.scope, "commit")
		}
		g.logger.Error("usage commit failed",
			"scope", g.scope,
			"identifier", logging.MaskIdentifier(identifier),
			"error", err,
		)
		return err
	}

	for _, c := range commit.Crossed {
		if g.metrics != nil {
			g.metrics.RecordWarningFired(g.scope, strconv.Itoa(c.Threshold))
		}
		if g.escalator != nil {
			g.escalator.Dispatch(escalation.Warning{
				Scope:      g.scope,
				Identifier: identifier,
				Period:     string(c.Period),
				PeriodKey:  c.PeriodKey,
				Threshold:  c.Threshold,
				Used:       c.Used,
				Limit:      c.Limit,
				FiredAt:    g.now(),
			})
		}
	}

	g.persistTotals(identifier, commit)
	return nil
}

// CheckRateLimit runs the window check alone, consuming a slot when
// admitted. Unlike Admit it propagates store errors to the caller.
func (g *Gate) CheckRateLimit(ctx context.Context, identifier string) (*ratelimit.Result, error) {
	limits := g.limitsFor(identifier)
	return g.limiter.Check(ctx, identifier, limits.RateLimit)
}

// CheckQuota checks whether amount tokens fit and reserves them when they
// do. Use it when consumption is known up front; otherwise Admit plus Commit
// avoids double counting.
func (g *Gate) CheckQuota(ctx context.Context, identifier string, amount int64) (*quota.Result, error) {
	limits := g.limitsFor(identifier)
	return g.tracker.Check(ctx, identifier, amount, limits.Quota)
}

// ResetRateLimit clears the identifier's window state.
func (g *Gate) ResetRateLimit(ctx context.Context, identifier string) error {
	limits := g.limitsFor(identifier)
	return g.limiter.Reset(ctx, identifier, limits.RateLimit)
}

// ResetQuota zeroes the identifier's ledger and warning bits for one period.
func (g *Gate) ResetQuota(ctx context.Context, identifier string, period quota.Period) error {
	limits := g.limitsFor(identifier)
	return g.tracker.Reset(ctx, identifier, period, limits.Quota)
}

// State reports the identifier's lifecycle position in its current daily
// period alongside the full ledger snapshot.
func (g *Gate) State(ctx context.Context, identifier string) (ScopeState, *quota.Snapshot, error) {
	limits := g.limitsFor(identifier)

	snap, err := g.tracker.SnapshotAt(ctx, identifier, limits.Quota, g.now())
	if err != nil {
		return StateUninitialized, nil, err
	}

	daily := snap.Daily
	var state ScopeState
	switch {
	case limits.Quota.DailyTokens > 0 && daily.UsedTokens >= limits.Quota.DailyTokens:
		state = StateExhausted
	case daily.Warned[95]:
		state = StateWarned95
	case daily.Warned[80]:
		state = StateWarned80
	case daily.UsedTokens > 0 || daily.Requests > 0 || daily.CostMicros > 0:
		state = StateActive
	default:
		state = StateUninitialized
	}
	return state, snap, nil
}

// degrade converts a store failure into a permissive decision. Metering must
// never take the service down with it; the event is loud in logs and metrics
// instead.
func (g *Gate) degrade(identifier, stage string, err error, limits Limits) *Decision {
	if g.metrics != nil {
		g.metrics.RecordDegraded(g.scope, stage)
	}
	g.logger.Error("admission store unreachable, failing open",
		"scope", g.scope,
		"identifier", logging.MaskIdentifier(identifier),
		"stage", stage,
		"error", err,
	)

	d := &Decision{Allowed: true, Degraded: true}
	if limits.RateLimit.MaxRequests > 0 {
		d.RateLimit = &ratelimit.Result{
			Allowed:   true,
			Limit:     limits.RateLimit.MaxRequests,
			Remaining: limits.RateLimit.MaxRequests,
		}
	}
	return g.finish(identifier, d)
}

func (g *Gate) finish(identifier string, d *Decision) *Decision {
	if g.metrics != nil {
		g.metrics.RecordCheck(g.scope, d.Allowed)
		if !d.Allowed {
			g.metrics.RecordDenial(g.scope, d.Reason)
		}
	}
	if !d.Allowed {
		g.logger.Info("admission denied",
			"scope", g.scope,
			"identifier", logging.MaskIdentifier(identifier),
			"reason", d.Reason,
		)
	}
	return d
}

func (g *Gate) reportMalformed(identifier string, fields []string) {
	if len(fields) == 0 {
		return
	}
	g.logger.Warn("malformed ledger counters read as zero",
		"scope", g.scope,
		"identifier", logging.MaskIdentifier(identifier),
		"fields", fields,
	)
}

func (g *Gate) persistTotals(identifier string, commit *quota.Commit) {
	if g.recorder == nil || g.persist == nil {
		return
	}

	totals := make([]usage.PeriodTotals, 0, 2)
	for _, status := range []*quota.PeriodStatus{commit.Daily, commit.Monthly} {
		if status == nil {
			continue
		}
		totals = append(totals, usage.PeriodTotals{
			Scope:      g.scope,
			Identifier: identifier,
			PeriodType: string(status.Period),
			PeriodKey:  status.PeriodKey,
			Tokens:     status.UsedTokens,
			CostMicros: status.CostMicros,
			Requests:   status.Requests,
			UpdatedAt:  g.now(),
		})
	}

	g.recorder.Submit(func(ctx context.Context) error {
		for _, t := range totals {
			if err := g.persist.RecordTotals(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}
