// Package quota implements calendar-aligned consumable accounting.
//
// # Overview
//
// A Tracker maintains one ledger per (identifier, period) in the shared
// store: daily ledgers roll over at the configured local reset time,
// monthly ledgers at month start. Each ledger accumulates tokens, cost, and
// request counts; consumption is monotonically non-decreasing until the
// period rolls over or an explicit reset clears it.
//
// # Check paths
//
// Three distinct paths serve three caller needs:
//
//   - Preview: projection-only shape check used by the admission flow
//   - Check: projection plus reservation, for callers that pre-pay quota
//   - RecordUsage: unconditional post-hoc commit of true consumption
//
// RecordUsage arms newly-crossed warning thresholds inside the same store
// transaction as the increment, so a threshold fires exactly once per period
// no matter how many instances commit concurrently.
//
// # Numeric representation
//
// Tokens and requests are int64 counts. Cost is int64 micro-USD; float
// inputs are rounded half away from zero once, at the API boundary, and
// never inside this package.
package quota
