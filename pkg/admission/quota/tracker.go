package quota

import (
	"context"
	"fmt"
	"time"

	"gatewise/turnstile/pkg/store"
)

// Denial reasons reported by quota checks. These values are part of the
// caller-visible contract and feed HTTP 429 response bodies.
const (
	ReasonDailyQuota   = "daily_quota"
	ReasonMonthlyQuota = "monthly_quota"
	ReasonCostBudget   = "cost_budget"
)

// Config is the per-scope quota configuration, supplied read-only by the
// configuration collaborator.
type Config struct {
	// DailyTokens is the daily token limit. Zero means unlimited.
	DailyTokens int64

	// MonthlyTokens is the monthly token limit. Zero means unlimited.
	MonthlyTokens int64

	// DailyCostMicros is the daily cost ceiling in micro-USD. Zero means
	// unlimited. Cost is accounted post-hoc, so this acts as a hard stop
	// once recorded spend reaches the ceiling.
	DailyCostMicros int64

	// WarningThresholds are the escalation percentages, e.g. [80, 95].
	WarningThresholds []int

	// ResetTime is the daily boundary as "HH:MM" local time. Default
	// midnight.
	ResetTime string

	// Timezone is the IANA zone the boundaries are computed in. Default:
	// the process-local zone.
	Timezone string

	// Namespace is the key namespace. Default store.DefaultNamespace.
	Namespace string
}

// Location resolves the configured timezone, falling back to the local zone
// on a bad name. Validation rejects bad names earlier; the fallback keeps a
// stale config from taking traffic down.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Usage is one request's true consumption, committed post-hoc.
type Usage struct {
	Tokens     int64
	CostMicros int64
	Requests   int64
}

// PeriodStatus describes one period's ledger against its limits.
type PeriodStatus struct {
	Period          Period
	PeriodKey       string
	UsedTokens      int64
	LimitTokens     int64
	RemainingTokens int64
	CostMicros      int64
	Requests        int64
	Warned          map[int]bool
	ResetAt         time.Time
}

// Result is the outcome of a quota check. The flat fields describe the
// denying period on denial, and the daily period otherwise.
type Result struct {
	Allowed   bool
	Reason    string
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	Daily   *PeriodStatus
	Monthly *PeriodStatus

	// Malformed lists ledger fields read as zero due to corruption; the
	// caller logs them as data-integrity warnings.
	Malformed []string
}

// Crossing is a warning threshold newly armed by a commit.
type Crossing struct {
	Period    Period
	PeriodKey string
	Threshold int
	Used      int64
	Limit     int64
}

// Commit is the outcome of an unconditional usage commit.
type Commit struct {
	Daily   *PeriodStatus
	Monthly *PeriodStatus
	Crossed []Crossing
}

// Snapshot is the current ledger view across both periods.
type Snapshot struct {
	Daily   *PeriodStatus
	Monthly *PeriodStatus

	Malformed []string
}

// Tracker performs calendar-aligned consumable accounting against the shared
// store. It holds no cross-request state of its own; all agreement between
// process instances happens in the store.
type Tracker struct {
	store store.Store
	scope string
	now   func() time.Time
}

// NewTracker creates a quota tracker for one scope type. A nil clock means
// time.Now.
func NewTracker(st store.Store, scopeType string, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{store: st, scope: scopeType, now: clock}
}

// Preview checks whether amount more tokens would fit within the configured
// limits without consuming anything. The scope adapter's admission path uses
// it as the non-mutating shape check; the true consumption is committed later
// through RecordUsage. An exhausted ledger denies even a zero amount.
func (t *Tracker) Preview(ctx context.Context, identifier string, amount int64, cfg Config) (*Result, error) {
	return t.project(ctx, identifier, amount, cfg)
}

// Check checks whether amount more tokens fit within the configured limits
// and, when they do, reserves them by incrementing the ledgers with expiry
// refreshed to the next reset boundary. The comparison and the increment are
// one store transaction, so concurrent reservations never drive a ledger
// past its limit. Denial mutates nothing.
func (t *Tracker) Check(ctx context.Context, identifier string, amount int64, cfg Config) (*Result, error) {
	if amount <= 0 {
		return t.project(ctx, identifier, amount, cfg)
	}
	return t.reserve(ctx, identifier, amount, cfg)
}

// project evaluates the limits against a plain ledger read, mutating
// nothing.
func (t *Tracker) project(ctx context.Context, identifier string, amount int64, cfg Config) (*Result, error) {
	snap, err := t.SnapshotAt(ctx, identifier, cfg, t.now())
	if err != nil {
		return nil, err
	}

	result := &Result{
		Daily:     snap.Daily,
		Monthly:   snap.Monthly,
		Malformed: snap.Malformed,
	}

	daily := snap.Daily
	if limit := cfg.DailyTokens; limit > 0 &&
		(daily.UsedTokens >= limit || daily.UsedTokens+amount > limit) {
		return deny(result, ReasonDailyQuota, daily), nil
	}
	if cfg.DailyCostMicros > 0 && daily.CostMicros >= cfg.DailyCostMicros {
		denied := deny(result, ReasonCostBudget, daily)
		denied.Used = daily.CostMicros
		denied.Limit = cfg.DailyCostMicros
		denied.Remaining = 0
		return denied, nil
	}
	if monthly, limit := snap.Monthly, cfg.MonthlyTokens; monthly != nil && limit > 0 &&
		(monthly.UsedTokens >= limit || monthly.UsedTokens+amount > limit) {
		return deny(result, ReasonMonthlyQuota, monthly), nil
	}

	return allow(result, cfg), nil
}

// reserve admits amount tokens through the store's atomic conditional
// commit.
func (t *Tracker) reserve(ctx context.Context, identifier string, amount int64, cfg Config) (*Result, error) {
	now := t.now()
	loc := cfg.Location()

	dailyBounds, err := DailyBounds(now, cfg.ResetTime, loc)
	if err != nil {
		return nil, fmt.Errorf("daily bounds: %w", err)
	}

	req := store.ReserveRequest{
		DailyKey:        t.ledgerKey(cfg, store.SegmentDaily, identifier, dailyBounds.Key),
		DailyTokenLimit: cfg.DailyTokens,
		DailyCostLimit:  cfg.DailyCostMicros,
		DailyExpireAt:   dailyBounds.End,
		Amount:          amount,
		Thresholds:      cfg.WarningThresholds,
	}
	var monthlyBounds Bounds
	if cfg.MonthlyTokens > 0 {
		monthlyBounds = MonthlyBounds(now, loc)
		req.MonthlyKey = t.ledgerKey(cfg, store.SegmentMonthly, identifier, monthlyBounds.Key)
		req.MonthlyTokenLimit = cfg.MonthlyTokens
		req.MonthlyExpireAt = monthlyBounds.End
	}

	res, err := t.store.LedgerReserve(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Daily: statusFromTotals(PeriodDaily, dailyBounds, cfg.DailyTokens, res.Daily),
	}
	if cfg.MonthlyTokens > 0 {
		result.Monthly = statusFromTotals(PeriodMonthly, monthlyBounds, cfg.MonthlyTokens, res.Monthly)
	}

	if !res.Allowed {
		switch res.DeniedBy {
		case store.ReserveDeniedDailyCost:
			denied := deny(result, ReasonCostBudget, result.Daily)
			denied.Used = result.Daily.CostMicros
			denied.Limit = cfg.DailyCostMicros
			denied.Remaining = 0
			return denied, nil
		case store.ReserveDeniedMonthlyTokens:
			return deny(result, ReasonMonthlyQuota, result.Monthly), nil
		default:
			return deny(result, ReasonDailyQuota, result.Daily), nil
		}
	}

	return allow(result, cfg), nil
}

// RecordUsage unconditionally commits true consumption to the daily and (if
// limited) monthly ledgers. Warning thresholds newly crossed by the commit
// are armed inside the same store transaction and returned, so each fires at
// most once per period even under concurrent commits. Idempotency is the
// caller's burden: invoke at most once per logical request.
func (t *Tracker) RecordUsage(ctx context.Context, identifier string, usage Usage, cfg Config) (*Commit, error) {
	now := t.now()
	loc := cfg.Location()

	dailyBounds, err := DailyBounds(now, cfg.ResetTime, loc)
	if err != nil {
		return nil, fmt.Errorf("daily bounds: %w", err)
	}

	delta := store.Delta{Tokens: usage.Tokens, CostMicros: usage.CostMicros, Requests: usage.Requests}

	dailyKey := t.ledgerKey(cfg, store.SegmentDaily, identifier, dailyBounds.Key)
	dailyRes, err := t.store.LedgerCommit(ctx, dailyKey, delta, dailyBounds.End, cfg.DailyTokens, cfg.WarningThresholds)
	if err != nil {
		return nil, err
	}

	commit := &Commit{
		Daily: statusFromTotals(PeriodDaily, dailyBounds, cfg.DailyTokens, dailyRes),
	}
	for _, th := range dailyRes.Crossed {
		commit.Crossed = append(commit.Crossed, Crossing{
			Period:    PeriodDaily,
			PeriodKey: dailyBounds.Key,
			Threshold: th,
			Used:      dailyRes.Tokens,
			Limit:     cfg.DailyTokens,
		})
	}

	if cfg.MonthlyTokens > 0 {
		monthlyBounds := MonthlyBounds(now, loc)
		monthlyKey := t.ledgerKey(cfg, store.SegmentMonthly, identifier, monthlyBounds.Key)
		monthlyRes, err := t.store.LedgerCommit(ctx, monthlyKey, delta, monthlyBounds.End, cfg.MonthlyTokens, cfg.WarningThresholds)
		if err != nil {
			return nil, err
		}
		commit.Monthly = statusFromTotals(PeriodMonthly, monthlyBounds, cfg.MonthlyTokens, monthlyRes)
		for _, th := range monthlyRes.Crossed {
			commit.Crossed = append(commit.Crossed, Crossing{
				Period:    PeriodMonthly,
				PeriodKey: monthlyBounds.Key,
				Threshold: th,
				Used:      monthlyRes.Tokens,
				Limit:     cfg.MonthlyTokens,
			})
		}
	}

	return commit, nil
}

// Reset zeroes the ledger and its warning bits for one period. It deletes
// the period's hash outright, so calling it twice equals calling it once.
// Only the external reset scheduler should invoke it.
func (t *Tracker) Reset(ctx context.Context, identifier string, period Period, cfg Config) error {
	if !period.Valid() {
		return fmt.Errorf("unknown period %q", period)
	}

	now := t.now()
	loc := cfg.Location()

	var key string
	switch period {
	case PeriodDaily:
		bounds, err := DailyBounds(now, cfg.ResetTime, loc)
		if err != nil {
			return err
		}
		key = t.ledgerKey(cfg, store.SegmentDaily, identifier, bounds.Key)
	case PeriodMonthly:
		bounds := MonthlyBounds(now, loc)
		key = t.ledgerKey(cfg, store.SegmentMonthly, identifier, bounds.Key)
	}

	return t.store.Delete(ctx, key)
}

// SnapshotAt reads the ledger state for both periods as of the given time.
func (t *Tracker) SnapshotAt(ctx context.Context, identifier string, cfg Config, now time.Time) (*Snapshot, error) {
	loc := cfg.Location()

	dailyBounds, err := DailyBounds(now, cfg.ResetTime, loc)
	if err != nil {
		return nil, fmt.Errorf("daily bounds: %w", err)
	}

	dailyKey := t.ledgerKey(cfg, store.SegmentDaily, identifier, dailyBounds.Key)
	dailyLedger, err := t.store.LedgerRead(ctx, dailyKey)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Daily:     statusFromLedger(PeriodDaily, dailyBounds, cfg.DailyTokens, dailyLedger),
		Malformed: dailyLedger.Malformed,
	}

	if cfg.MonthlyTokens > 0 {
		monthlyBounds := MonthlyBounds(now, loc)
		monthlyKey := t.ledgerKey(cfg, store.SegmentMonthly, identifier, monthlyBounds.Key)
		monthlyLedger, err := t.store.LedgerRead(ctx, monthlyKey)
		if err != nil {
			return nil, err
		}
		snap.Monthly = statusFromLedger(PeriodMonthly, monthlyBounds, cfg.MonthlyTokens, monthlyLedger)
		snap.Malformed = append(snap.Malformed, monthlyLedger.Malformed...)
	}

	return snap, nil
}

func (t *Tracker) ledgerKey(cfg Config, segment, identifier, periodKey string) string {
	return store.LedgerKey(cfg.Namespace, t.scope, segment, identifier, periodKey)
}

func statusFromLedger(period Period, bounds Bounds, limit int64, ledger store.Ledger) *PeriodStatus {
	return &PeriodStatus{
		Period:          period,
		PeriodKey:       bounds.Key,
		UsedTokens:      ledger.Tokens,
		LimitTokens:     limit,
		RemainingTokens: remaining(limit, ledger.Tokens),
		CostMicros:      ledger.CostMicros,
		Requests:        ledger.Requests,
		Warned:          ledger.Warned,
		ResetAt:         bounds.End,
	}
}

func statusFromTotals(period Period, bounds Bounds, limit int64, res store.CommitResult) *PeriodStatus {
	return &PeriodStatus{
		Period:          period,
		PeriodKey:       bounds.Key,
		UsedTokens:      res.Tokens,
		LimitTokens:     limit,
		RemainingTokens: remaining(limit, res.Tokens),
		CostMicros:      res.CostMicros,
		Requests:        res.Requests,
		ResetAt:         bounds.End,
	}
}

func allow(r *Result, cfg Config) *Result {
	r.Allowed = true
	r.Used = r.Daily.UsedTokens
	r.Limit = cfg.DailyTokens
	r.Remaining = remaining(cfg.DailyTokens, r.Daily.UsedTokens)
	r.ResetAt = r.Daily.ResetAt
	return r
}

func deny(r *Result, reason string, status *PeriodStatus) *Result {
	r.Allowed = false
	r.Reason = reason
	r.Used = status.UsedTokens
	r.Limit = status.LimitTokens
	r.Remaining = status.RemainingTokens
	r.ResetAt = status.ResetAt
	return r
}

func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return 0
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
