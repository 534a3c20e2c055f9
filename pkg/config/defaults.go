package config

import "time"

// Default values applied to unset fields.
const (
	DefaultListenAddress   = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	DefaultStoreBackend = "redis"
	DefaultNamespace    = "turnstile"
	DefaultRedisAddr    = "localhost:6379"
	DefaultOpTimeout    = 500 * time.Millisecond

	DefaultUsageDBPath        = "turnstile-usage.db"
	DefaultUsageQueueSize     = 1024
	DefaultUsageWorkers       = 2
	DefaultUsageRetentionDays = 90

	DefaultEscalationQueueSize      = 256
	DefaultEscalationDeliverTimeout = 5 * time.Second

	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultMetricsPath = "/metrics"

	DefaultRateLimitWindow = time.Minute
	DefaultRateLimitMode   = "sliding"
	DefaultResetTime       = "00:00"
	DefaultTimezone        = "UTC"
)

// DefaultWarningThresholds are the escalation percentages used when none are
// configured.
var DefaultWarningThresholds = []int{80, 95}

// ApplyDefaults fills unset fields with default values.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyUsageDefaults(&cfg.Usage)
	applyEscalationDefaults(&cfg.Escalation)
	applyTelemetryDefaults(&cfg.Telemetry)

	for name, scope := range cfg.Scopes {
		applyLimitSpecDefaults(&scope.Default)
		for id, spec := range scope.Identifiers {
			applyLimitSpecDefaults(&spec)
			scope.Identifiers[id] = spec
		}
		cfg.Scopes[name] = scope
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultStoreBackend
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.OpTimeout == 0 {
		cfg.Redis.OpTimeout = DefaultOpTimeout
	}
}

func applyUsageDefaults(cfg *UsageConfig) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultUsageDBPath
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultUsageQueueSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultUsageWorkers
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultUsageRetentionDays
	}
}

func applyEscalationDefaults(cfg *EscalationConfig) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultEscalationQueueSize
	}
	if cfg.DeliverTimeout == 0 {
		cfg.DeliverTimeout = DefaultEscalationDeliverTimeout
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

func applyLimitSpecDefaults(spec *LimitSpec) {
	if spec.RateLimit.Window == 0 {
		spec.RateLimit.Window = DefaultRateLimitWindow
	}
	if spec.RateLimit.Mode == "" {
		spec.RateLimit.Mode = DefaultRateLimitMode
	}
	if spec.Quota.WarningThresholds == nil {
		spec.Quota.WarningThresholds = append([]int(nil), DefaultWarningThresholds...)
	}
	if spec.Quota.ResetTime == "" {
		spec.Quota.ResetTime = DefaultResetTime
	}
	if spec.Quota.Timezone == "" {
		spec.Quota.Timezone = DefaultTimezone
	}
}
