// Package store provides the shared counter store used by all admission checks.
//
// # Overview
//
// Every process instance behind the load balancer agrees on admission state
// only through this store. The store offers exactly the primitives the
// admission engines need, each executed as a single atomic unit on the
// server side:
//
//   - WindowAdmit: sliding-window purge + insert + count in one transaction
//   - FixedIncr: fixed-window counter increment with window-bounded expiry
//   - LedgerRead / LedgerCommit: calendar-period usage accounting with
//     warning-threshold marking folded into the same transaction
//   - MarkThresholds: standalone threshold marking against a known snapshot
//
// # Backends
//
// RedisStore is the production backend. Atomic multi-step operations are
// expressed as Lua scripts so that no two concurrent callers can interleave
// between the purge, insert, and count steps of a window check, or between a
// ledger increment and the warning bits it arms.
//
// MemoryStore implements the same contract with in-process locking. It exists
// for tests and single-instance deployments and must match RedisStore
// semantics exactly.
//
// # Key format
//
// Keys follow the cross-instance wire contract
//
//	<namespace>:<scopeType>:<window|daily|monthly>:<identifier>[:<periodKey>]
//
// with periodKey YYYY-MM-DD for daily ledgers and YYYY-MM for monthly ones.
// The format is shared with other deployments of the same pool and must not
// change shape.
package store
