package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatewise/turnstile/pkg/store"
)

// Counting modes. Sliding is the default; fixed trades the boundary-burst
// guarantee for one counter per discrete window.
const (
	ModeSliding = "sliding"
	ModeFixed   = "fixed"
)

// Config is the per-scope rate limit configuration, supplied read-only by the
// configuration collaborator.
type Config struct {
	// Window is the rolling window length. Must be positive.
	Window time.Duration

	// MaxRequests is the number of requests admitted per window. Zero
	// disables the limit.
	MaxRequests int64

	// Mode selects the counting algorithm. Empty means sliding.
	Mode string

	// Namespace is the key namespace. Default store.DefaultNamespace.
	Namespace string
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64

	// ResetAt is when the window fully clears at current occupancy.
	ResetAt time.Time

	// RetryAfter is the wait until the next slot opens. Set only on
	// denial, truncated to whole seconds, never below one second.
	RetryAfter time.Duration
}

// Limiter performs window admission for one scope type against the shared
// store. It holds no cross-request state of its own.
type Limiter struct {
	store store.Store
	scope string
	now   func() time.Time
}

// NewLimiter creates a rate limiter for one scope type. A nil clock means
// time.Now.
func NewLimiter(st store.Store, scopeType string, clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{store: st, scope: scopeType, now: clock}
}

// Check records one arrival for identifier and reports whether it fits within
// the window. An admitted request occupies a slot immediately; a denied one
// leaves the window untouched in sliding mode.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) (*Result, error) {
	if cfg.MaxRequests <= 0 {
		return &Result{Allowed: true}, nil
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %v", cfg.Window)
	}

	switch cfg.Mode {
	case "", ModeSliding:
		return l.checkSliding(ctx, identifier, cfg)
	case ModeFixed:
		return l.checkFixed(ctx, identifier, cfg)
	default:
		return nil, fmt.Errorf("unknown rate limit mode %q", cfg.Mode)
	}
}

func (l *Limiter) checkSliding(ctx context.Context, identifier string, cfg Config) (*Result, error) {
	now := l.now()
	key := store.WindowKey(cfg.Namespace, l.scope, identifier)

	// A random member keeps same-millisecond arrivals from colliding in
	// the sorted set.
	decision, err := l.store.WindowAdmit(ctx, key, cfg.Window, cfg.MaxRequests, now, uuid.NewString())
	if err != nil {
		return nil, err
	}

	res := &Result{
		Allowed:   decision.Allowed,
		Limit:     cfg.MaxRequests,
		Remaining: clampRemaining(cfg.MaxRequests - decision.Count),
		ResetAt:   now.Add(cfg.Window),
	}
	if !decision.Allowed {
		res.RetryAfter = retryAfter(decision.Oldest.Add(cfg.Window).Sub(now))
		res.ResetAt = decision.Oldest.Add(cfg.Window)
	}
	return res, nil
}

func (l *Limiter) checkFixed(ctx context.Context, identifier string, cfg Config) (*Result, error) {
	now := l.now()
	start := now.Truncate(cfg.Window)
	key := store.FixedWindowKey(cfg.Namespace, l.scope, identifier, start.UnixMilli())

	count, err := l.store.FixedIncr(ctx, key, cfg.Window)
	if err != nil {
		return nil, err
	}

	end := start.Add(cfg.Window)
	res := &Result{
		Allowed:   count <= cfg.MaxRequests,
		Limit:     cfg.MaxRequests,
		Remaining: clampRemaining(cfg.MaxRequests - count),
		ResetAt:   end,
	}
	if !res.Allowed {
		res.RetryAfter = retryAfter(end.Sub(now))
	}
	return res, nil
}

// Reset clears the window state for identifier, reopening admission
// immediately. Administrative use only.
func (l *Limiter) Reset(ctx context.Context, identifier string, cfg Config) error {
	switch cfg.Mode {
	case "", ModeSliding:
		return l.store.Delete(ctx, store.WindowKey(cfg.Namespace, l.scope, identifier))
	case ModeFixed:
		start := l.now().Truncate(cfg.Window)
		return l.store.Delete(ctx, store.FixedWindowKey(cfg.Namespace, l.scope, identifier, start.UnixMilli()))
	default:
		return fmt.Errorf("unknown rate limit mode %q", cfg.Mode)
	}
}

func clampRemaining(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func retryAfter(d time.Duration) time.Duration {
	d = d.Truncate(time.Second)
	if d < time.Second {
		return time.Second
	}
	return d
}
