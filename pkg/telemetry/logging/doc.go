// Package logging provides structured logging for the admission engine.
//
// The package wraps Go's standard log/slog to provide:
//
//   - Level and format parsing from configuration strings
//   - JSON and text output handlers
//   - Identifier masking, so API-key identifiers never appear verbatim in
//     logs (only a short prefix plus length survives)
//
// All engine components receive a *Logger by injection; nothing logs through
// package-level state.
package logging
