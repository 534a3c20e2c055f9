// Package config defines the engine's YAML configuration, its defaults and
// validation, and the live provider the admission gates resolve limits from.
//
// Loading follows a fixed sequence: parse the file, apply defaults, apply
// TURNSTILE_* environment overrides, validate. The Provider holds the result
// behind a read lock and can re-run the sequence on file change; a reload
// that fails validation is logged and discarded, the previous configuration
// keeps serving.
//
// Costs appear in the file as USD floats for the operator's sake and are
// converted to integer micro-USD here, at the boundary. Everything past this
// package works in micros.
package config
