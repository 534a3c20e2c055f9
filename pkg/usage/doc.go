// Package usage persists per-period usage totals and runs the async commit
// pipeline that feeds them.
//
// The shared store owns the live counters; this package is the durable
// system of record behind it. Totals arrive as absolute post-commit
// snapshots and are folded in with a monotonic upsert, so replays and
// out-of-order commits cannot move a period backwards. Reporting endpoints
// and the reset scheduler read from here.
package usage
