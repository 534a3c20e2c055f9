// Package health aggregates component readiness checks for the engine's
// probe endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one component. It returns nil when the component is
// healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one component probe.
type CheckResult struct {
	Status   string `json:"status"` // "ok" or "unhealthy"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Status is the aggregated readiness of the engine.
type Status struct {
	Status    string                 `json:"status"` // "ready" or "unhealthy"
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ready reports whether every component probe passed.
func (s Status) Ready() bool { return s.Status == "ready" }

const defaultCheckTimeout = 5 * time.Second

// Checker runs named component probes.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// New creates a checker. A zero timeout means 5 seconds per probe.
func New(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = defaultCheckTimeout
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// Register adds a component probe, replacing any existing probe with the
// same name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check runs every registered probe concurrently and aggregates the result.
// A checker with no probes reports ready.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	status := Status{
		Status:    "ready",
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := check(probeCtx)
			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				result.Status = "unhealthy"
				result.Message = err.Error()
			}

			mu.Lock()
			status.Checks[name] = result
			if err != nil {
				status.Status = "unhealthy"
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	return status
}
