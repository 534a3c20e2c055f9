// Turnstile is a shared-resource admission control and usage accounting
// engine.
//
// It meters request traffic per API key, group, or user through sliding
// window rate limits, calendar-aligned token and cost quotas, and escalating
// usage warnings, with all counter state in a shared store so any number of
// instances agree on every decision.
//
// Usage:
//
//	# Start the engine with default configuration
//	turnstile run
//
//	# Start with a custom configuration file
//	turnstile run --config /etc/turnstile/config.yaml
//
//	# Validate a configuration file without starting
//	turnstile validate --config /etc/turnstile/config.yaml
//
//	# Show version information
//	turnstile version
package main

func main() {
	Execute()
}
