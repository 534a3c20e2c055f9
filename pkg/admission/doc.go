// Package admission composes rate limiting, quota accounting, and threshold
// escalation into one gate per scope type.
//
// A gate answers two questions for an identifier: may this request proceed
// (Admit), and what did it actually consume (Commit). Admit combines a
// window check with a non-mutating quota projection; Commit records true
// consumption, fans newly crossed warning thresholds out to the escalation
// engine, and hands a durable snapshot to the async usage recorder.
//
// The gate is also where backend failure policy lives: when the shared store
// is unreachable, every check degrades to allow rather than turning a
// metering outage into a service outage. Engines below the gate report
// errors; only the gate decides what an error means for traffic.
package admission
