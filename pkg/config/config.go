package config

import (
	"math"
	"time"

	"gatewise/turnstile/pkg/admission/quota"
	"gatewise/turnstile/pkg/admission/ratelimit"
)

// Config is the root configuration for the engine.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Store      StoreConfig            `yaml:"store"`
	Usage      UsageConfig            `yaml:"usage"`
	Scheduler  SchedulerConfig        `yaml:"scheduler"`
	Escalation EscalationConfig       `yaml:"escalation"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
	Scopes     map[string]ScopeConfig `yaml:"scopes"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures the shared counter store.
type StoreConfig struct {
	// Backend selects the store implementation: "redis" or "memory".
	// Memory is single-instance only.
	Backend string `yaml:"backend"`

	// Namespace prefixes every key the engine writes.
	Namespace string `yaml:"namespace"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// UsageConfig configures the durable usage store and its async commit queue.
type UsageConfig struct {
	DBPath        string `yaml:"db_path"`
	QueueSize     int    `yaml:"queue_size"`
	Workers       int    `yaml:"workers"`
	RetentionDays int    `yaml:"retention_days"`
}

// SchedulerConfig configures the calendar jobs.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EscalationConfig configures warning delivery.
type EscalationConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ScopeConfig is the limit configuration for one scope type.
type ScopeConfig struct {
	// AllowUnknown serves Default to identifiers without an explicit
	// entry. Off by default: an unlisted identifier gets the engine's
	// built-in limits instead.
	AllowUnknown bool `yaml:"allow_unknown"`

	// Default is the limit set served when AllowUnknown admits an
	// unlisted identifier.
	Default LimitSpec `yaml:"default"`

	// Identifiers maps individual identifiers to their limit sets.
	Identifiers map[string]LimitSpec `yaml:"identifiers"`
}

// LimitSpec is the operator-facing limit set for one identifier.
type LimitSpec struct {
	RateLimit RateLimitSpec `yaml:"rate_limit"`
	Quota     QuotaSpec     `yaml:"quota"`
}

// RateLimitSpec configures the request window.
type RateLimitSpec struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int64         `yaml:"max_requests"`
	Mode        string        `yaml:"mode"`
}

// QuotaSpec configures token and cost quotas. Cost is written in USD and
// converted to micro-USD internally.
type QuotaSpec struct {
	DailyTokens       int64   `yaml:"daily_tokens"`
	MonthlyTokens     int64   `yaml:"monthly_tokens"`
	DailyCostUSD      float64 `yaml:"daily_cost_usd"`
	WarningThresholds []int   `yaml:"warning_thresholds"`
	ResetTime         string  `yaml:"reset_time"`
	Timezone          string  `yaml:"timezone"`
}

// RateLimitConfig converts the spec into the engine's configuration.
func (s RateLimitSpec) RateLimitConfig(namespace string) ratelimit.Config {
	return ratelimit.Config{
		Window:      s.Window,
		MaxRequests: s.MaxRequests,
		Mode:        s.Mode,
		Namespace:   namespace,
	}
}

// QuotaConfig converts the spec into the engine's configuration.
func (s QuotaSpec) QuotaConfig(namespace string) quota.Config {
	return quota.Config{
		DailyTokens:       s.DailyTokens,
		MonthlyTokens:     s.MonthlyTokens,
		DailyCostMicros:   USDToMicros(s.DailyCostUSD),
		WarningThresholds: s.WarningThresholds,
		ResetTime:         s.ResetTime,
		Timezone:          s.Timezone,
		Namespace:         namespace,
	}
}

// USDToMicros converts a USD amount to integer micro-USD, rounding half away
// from zero.
func USDToMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// MicrosToUSD converts integer micro-USD back to a USD amount.
func MicrosToUSD(micros int64) float64 {
	return float64(micros) / 1e6
}
