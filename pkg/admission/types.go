package admission

import (
	"fmt"
	"time"

	"gatewise/turnstile/pkg/admission/quota"
	"gatewise/turnstile/pkg/admission/ratelimit"
)

// Scope types. Each scope type keys its own isolated set of windows and
// ledgers; the same identifier string under two scope types never collides.
const (
	ScopeAPIKey = "apikey"
	ScopeGroup  = "group"
	ScopeUser   = "user"
)

// Denial reasons added by the gate on top of the quota package's reasons.
const (
	ReasonRateLimited = "rate_limited"
)

// ScopeState is the lifecycle position of one identifier within its current
// daily period.
type ScopeState string

const (
	// StateUninitialized means no usage has ever been recorded this period.
	StateUninitialized ScopeState = "UNINITIALIZED"

	// StateActive means usage exists and no warning threshold has fired.
	StateActive ScopeState = "ACTIVE"

	// StateWarned80 means the 80% warning has fired this period.
	StateWarned80 ScopeState = "WARNED_80"

	// StateWarned95 means the 95% warning has fired this period.
	StateWarned95 ScopeState = "WARNED_95"

	// StateExhausted means the daily limit is fully consumed.
	StateExhausted ScopeState = "EXHAUSTED"
)

// Limits is the complete limit configuration for one identifier.
type Limits struct {
	RateLimit ratelimit.Config
	Quota     quota.Config
}

// Resolver supplies the limits for an identifier. The second return reports
// whether configuration exists; on a miss the gate serves DefaultLimits, so
// unconfigured traffic is neither denied outright nor unlimited.
type Resolver interface {
	Limits(scopeType, identifier string) (Limits, bool)
}

// DefaultLimits is the conservative fallback applied when no configuration
// exists for an identifier: enough headroom to keep unconfigured traffic
// flowing while protecting the shared pool.
func DefaultLimits() Limits {
	return Limits{
		RateLimit: ratelimit.Config{Window: time.Minute, MaxRequests: 60},
		Quota: quota.Config{
			DailyTokens:       100_000,
			WarningThresholds: []int{80, 95},
		},
	}
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(scopeType, identifier string) (Limits, bool)

// Limits implements Resolver.
func (f ResolverFunc) Limits(scopeType, identifier string) (Limits, bool) {
	return f(scopeType, identifier)
}

// StaticResolver serves one fixed Limits for every identifier. Tests and
// single-tenant deployments use it.
type StaticResolver struct {
	Config Limits
}

// Limits implements Resolver.
func (r StaticResolver) Limits(string, string) (Limits, bool) {
	return r.Config, true
}

// Decision is the composed outcome of an admission check.
type Decision struct {
	Allowed bool

	// Reason names the denying check when Allowed is false.
	Reason string

	// Degraded reports that the store was unreachable and the gate failed
	// open. The component results are synthetic in that case.
	Degraded bool

	RateLimit *ratelimit.Result
	Quota     *quota.Result
}

// DeniedError wraps a denial for callers that propagate admission as an
// error, such as middleware.
type DeniedError struct {
	Scope      string
	Identifier string
	Decision   *Decision
}

// Error implements error.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied for %s scope: %s", e.Scope, e.Decision.Reason)
}
