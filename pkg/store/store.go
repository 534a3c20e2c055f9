package store

import (
	"context"
	"errors"
	"time"
)

// Field names within a ledger hash. Warning markers use the
// "warned:<percent>" form and are cleared together with the counters.
const (
	FieldTokens     = "tokens"
	FieldCostMicros = "cost_micros"
	FieldRequests   = "requests"

	warnedPrefix = "warned:"
)

// ErrMalformedCounter reports a stored counter that could not be parsed as an
// integer. Callers treat the value as zero and surface a data-integrity
// warning; the error itself carries the offending field for logging.
var ErrMalformedCounter = errors.New("malformed stored counter")

// Store is the set of atomic primitives the admission engines rely on.
// Implementations must be safe for concurrent use from multiple goroutines
// and, for networked backends, from multiple process instances.
type Store interface {
	// WindowAdmit runs the sliding-window admission transaction for key:
	// purge entries scored below now-window, tentatively insert member at
	// now, count survivors, and remove the insert again when the count
	// exceeds max. The three observation steps are a single atomic unit.
	WindowAdmit(ctx context.Context, key string, window time.Duration, max int64, now time.Time, member string) (WindowDecision, error)

	// FixedIncr increments the fixed-window counter at key, setting its
	// expiry to one window length so the counter never outlives its window
	// by more than one window. Returns the post-increment count.
	FixedIncr(ctx context.Context, key string, window time.Duration) (int64, error)

	// LedgerRead returns the current ledger hash at key. A missing key
	// yields a zero ledger. Malformed fields are read as zero and reported
	// through Ledger.Malformed.
	LedgerRead(ctx context.Context, key string) (Ledger, error)

	// LedgerCommit atomically adds delta to the ledger at key, refreshes
	// its expiry to expireAt, and arms any warning thresholds newly crossed
	// by the post-commit token total against limit. Thresholds are armed
	// with HSETNX semantics: each fires at most once per ledger lifetime.
	LedgerCommit(ctx context.Context, key string, delta Delta, expireAt time.Time, limit int64, thresholds []int) (CommitResult, error)

	// LedgerReserve conditionally admits req.Amount tokens against the
	// daily and (optionally) monthly ledgers. The limit comparisons and the
	// increments are one atomic unit, so concurrent reservations can never
	// drive a ledger past its limit. A ledger already at its limit denies
	// even a zero amount. Denial mutates nothing; an allowed reservation
	// refreshes expiry and arms newly-crossed thresholds in the same
	// transaction.
	LedgerReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error)

	// MarkThresholds arms warning thresholds crossed by used/limit on the
	// ledger at key without touching the counters. Returns only thresholds
	// newly armed by this call.
	MarkThresholds(ctx context.Context, key string, expireAt time.Time, used, limit int64, thresholds []int) ([]int, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Close releases backend resources.
	Close() error
}

// WindowDecision is the outcome of a sliding-window admission transaction.
type WindowDecision struct {
	// Allowed reports whether the tentative insert survived.
	Allowed bool

	// Count is the number of admitted entries currently in the window,
	// excluding the removed tentative insert on denial.
	Count int64

	// Oldest is the timestamp of the oldest surviving entry. Valid only on
	// denial; it determines when the next slot opens.
	Oldest time.Time
}

// Ledger is a snapshot of one (identifier, period) usage hash.
type Ledger struct {
	Tokens     int64
	CostMicros int64
	Requests   int64

	// Warned holds the threshold percentages whose warning bit is set.
	Warned map[int]bool

	// Malformed lists fields that failed integer parsing and were read as
	// zero. Non-empty Malformed is a data-integrity condition the caller
	// must log.
	Malformed []string
}

// WarnedAt reports whether the warning bit for the given percentage is set.
func (l Ledger) WarnedAt(percent int) bool {
	return l.Warned[percent]
}

// Delta is the consumption applied by one ledger commit.
type Delta struct {
	Tokens     int64
	CostMicros int64
	Requests   int64
}

// CommitResult carries the post-commit totals and the thresholds newly armed
// within the same transaction.
type CommitResult struct {
	Tokens     int64
	CostMicros int64
	Requests   int64
	Crossed    []int
}

// ReserveRequest is the input to LedgerReserve. An empty MonthlyKey disables
// the monthly leg. Zero limits mean unlimited for that constraint.
type ReserveRequest struct {
	DailyKey        string
	DailyTokenLimit int64
	DailyCostLimit  int64
	DailyExpireAt   time.Time

	MonthlyKey        string
	MonthlyTokenLimit int64
	MonthlyExpireAt   time.Time

	Amount     int64
	Thresholds []int
}

// ReserveDenial identifies which constraint rejected a reservation.
type ReserveDenial int

const (
	ReserveOK ReserveDenial = iota
	ReserveDeniedDailyTokens
	ReserveDeniedDailyCost
	ReserveDeniedMonthlyTokens
)

// ReserveResult carries the reservation outcome. On allow the totals are
// post-increment; on denial they are the observed pre-denial totals and no
// thresholds are armed.
type ReserveResult struct {
	Allowed  bool
	DeniedBy ReserveDenial
	Daily    CommitResult
	Monthly  CommitResult
}
