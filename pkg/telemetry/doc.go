// Package telemetry groups the engine's observability support.
//
// # Components
//
//   - logging: structured logging with identifier masking
//   - health: readiness probes over the backing stores
//
// Admission metrics live next to the gate in pkg/admission, where the
// instrumented code is.
package telemetry
