// Package escalation turns quota threshold crossings into exactly-once
// warning notifications.
//
// Each warning percentage is armed as a marker field on the ledger hash
// itself, in the same store transaction that moves the counters past the
// threshold, so concurrent recorders across process instances agree on which
// one crossed it. Delivery is asynchronous through a bounded queue: a full
// queue drops the notification (counted and logged) rather than stalling the
// admission path, and a failed delivery is never retried by re-arming the
// marker.
package escalation
