package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the admission gates.
type Metrics struct {
	checks        *prometheus.CounterVec
	denials       *prometheus.CounterVec
	degraded      *prometheus.CounterVec
	warningsFired *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
}

// NewMetrics creates admission metrics registered with reg. A nil registerer
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_admission_checks_total",
				Help: "Total number of admission checks performed",
			},
			[]string{"scope", "result"},
		),

		denials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_admission_denials_total",
				Help: "Total number of admission denials by reason",
			},
			[]string{"scope", "reason"},
		),

		degraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_admission_degraded_total",
				Help: "Total number of checks that failed open because the store was unreachable",
			},
			[]string{"scope", "stage"},
		),

		warningsFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "turnstile_admission_warnings_fired_total",
				Help: "Total number of usage warning thresholds fired",
			},
			[]string{"scope", "threshold"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turnstile_admission_check_duration_seconds",
				Help:    "Duration of admission checks in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
			[]string{"scope", "operation"},
		),
	}
}

// RecordCheck records one admission check outcome.
func (m *Metrics) RecordCheck(scope string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.checks.WithLabelValues(scope, result).Inc()
}

// RecordDenial records a denial by reason.
func (m *Metrics) RecordDenial(scope, reason string) {
	m.denials.WithLabelValues(scope, reason).Inc()
}

// RecordDegraded records a fail-open event at the given pipeline stage.
func (m *Metrics) RecordDegraded(scope, stage string) {
	m.degraded.WithLabelValues(scope, stage).Inc()
}

// RecordWarningFired records a fired usage warning threshold.
func (m *Metrics) RecordWarningFired(scope, threshold string) {
	m.warningsFired.WithLabelValues(scope, threshold).Inc()
}

// RecordCheckDuration records the duration of one check operation.
func (m *Metrics) RecordCheckDuration(scope, operation string, seconds float64) {
	m.checkDuration.WithLabelValues(scope, operation).Observe(seconds)
}
