package config

import (
	"fmt"
	"time"

	"gatewise/turnstile/pkg/admission"
	"gatewise/turnstile/pkg/admission/ratelimit"
)

// Validate checks the configuration for errors. It assumes defaults have
// already been applied.
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validateStore(&cfg.Store); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := validateUsage(&cfg.Usage); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	for name, scope := range cfg.Scopes {
		if !knownScopeType(name) {
			return fmt.Errorf("scopes: unknown scope type %q", name)
		}
		if err := validateScope(&scope); err != nil {
			return fmt.Errorf("scopes.%s: %w", name, err)
		}
	}
	return nil
}

func knownScopeType(name string) bool {
	switch name {
	case admission.ScopeAPIKey, admission.ScopeGroup, admission.ScopeUser:
		return true
	}
	return false
}

func validateServer(cfg *ServerConfig) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen_address cannot be empty")
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.IdleTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

func validateStore(cfg *StoreConfig) error {
	switch cfg.Backend {
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr cannot be empty")
		}
		if cfg.Redis.OpTimeout <= 0 {
			return fmt.Errorf("redis.op_timeout must be positive")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend %q (want redis or memory)", cfg.Backend)
	}
	if cfg.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	return nil
}

func validateUsage(cfg *UsageConfig) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if cfg.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if cfg.RetentionDays < 0 {
		return fmt.Errorf("retention_days cannot be negative")
	}
	return nil
}

func validateTelemetry(cfg *TelemetryConfig) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q invalid (want debug, info, warn, or error)", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q invalid (want json or text)", cfg.Logging.Format)
	}
	return nil
}

func validateScope(cfg *ScopeConfig) error {
	if cfg.AllowUnknown {
		if err := validateLimitSpec(&cfg.Default); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	for id, spec := range cfg.Identifiers {
		if id == "" {
			return fmt.Errorf("identifier cannot be empty")
		}
		if err := validateLimitSpec(&spec); err != nil {
			return fmt.Errorf("identifiers.%s: %w", id, err)
		}
	}
	return nil
}

func validateLimitSpec(spec *LimitSpec) error {
	if spec.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("rate_limit.max_requests cannot be negative")
	}
	if spec.RateLimit.MaxRequests > 0 && spec.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	switch spec.RateLimit.Mode {
	case ratelimit.ModeSliding, ratelimit.ModeFixed:
	default:
		return fmt.Errorf("rate_limit.mode %q invalid (want sliding or fixed)", spec.RateLimit.Mode)
	}

	if spec.Quota.DailyTokens < 0 || spec.Quota.MonthlyTokens < 0 {
		return fmt.Errorf("quota token limits cannot be negative")
	}
	if spec.Quota.DailyCostUSD < 0 {
		return fmt.Errorf("quota.daily_cost_usd cannot be negative")
	}
	for _, th := range spec.Quota.WarningThresholds {
		if th <= 0 || th >= 100 {
			return fmt.Errorf("quota.warning_thresholds entry %d out of range (1-99)", th)
		}
	}
	if spec.Quota.ResetTime != "" {
		var hh, mm int
		if _, err := fmt.Sscanf(spec.Quota.ResetTime, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
			return fmt.Errorf("quota.reset_time %q invalid (want HH:MM)", spec.Quota.ResetTime)
		}
	}
	if spec.Quota.Timezone != "" {
		if _, err := time.LoadLocation(spec.Quota.Timezone); err != nil {
			return fmt.Errorf("quota.timezone %q invalid: %w", spec.Quota.Timezone, err)
		}
	}
	return nil
}
