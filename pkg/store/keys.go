package store

import (
	"fmt"
	"strconv"
)

// DefaultNamespace is the key namespace used when none is configured.
const DefaultNamespace = "turnstile"

// Period segment values within a key. These are part of the wire contract.
const (
	SegmentWindow  = "window"
	SegmentDaily   = "daily"
	SegmentMonthly = "monthly"
)

// WindowKey builds the key for a sliding-window record:
// <namespace>:<scopeType>:window:<identifier>.
func WindowKey(namespace, scopeType, identifier string) string {
	return fmt.Sprintf("%s:%s:%s:%s", orDefault(namespace), scopeType, SegmentWindow, identifier)
}

// FixedWindowKey builds the key for a fixed-window counter. The window start
// (unix milliseconds) takes the periodKey position so that each discrete
// window gets its own counter.
func FixedWindowKey(namespace, scopeType, identifier string, windowStartMs int64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", orDefault(namespace), scopeType, SegmentWindow, identifier,
		strconv.FormatInt(windowStartMs, 10))
}

// LedgerKey builds the key for a quota ledger:
// <namespace>:<scopeType>:<daily|monthly>:<identifier>:<periodKey>,
// periodKey YYYY-MM-DD (daily) or YYYY-MM (monthly).
func LedgerKey(namespace, scopeType, period, identifier, periodKey string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", orDefault(namespace), scopeType, period, identifier, periodKey)
}

func orDefault(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}
