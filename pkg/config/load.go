package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file. It applies default values,
// applies TURNSTILE_* environment variable overrides, and validates the
// result.
//
// The loading sequence is:
//  1. Parse YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse loads configuration from raw YAML bytes, following the same sequence
// as Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Variables use
// the format TURNSTILE_SECTION_FIELD and always take precedence over
// file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if val := os.Getenv("TURNSTILE_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("TURNSTILE_SERVER_READ_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if val := os.Getenv("TURNSTILE_SERVER_WRITE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Store overrides
	if val := os.Getenv("TURNSTILE_STORE_BACKEND"); val != "" {
		cfg.Store.Backend = val
	}
	if val := os.Getenv("TURNSTILE_STORE_NAMESPACE"); val != "" {
		cfg.Store.Namespace = val
	}
	if val := os.Getenv("TURNSTILE_STORE_REDIS_ADDR"); val != "" {
		cfg.Store.Redis.Addr = val
	}
	if val := os.Getenv("TURNSTILE_STORE_REDIS_PASSWORD"); val != "" {
		cfg.Store.Redis.Password = val
	}
	if val := os.Getenv("TURNSTILE_STORE_REDIS_DB"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Store.Redis.DB = i
		}
	}
	if val := os.Getenv("TURNSTILE_STORE_REDIS_OP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Store.Redis.OpTimeout = d
		}
	}

	// Usage overrides
	if val := os.Getenv("TURNSTILE_USAGE_DB_PATH"); val != "" {
		cfg.Usage.DBPath = val
	}
	if val := os.Getenv("TURNSTILE_USAGE_RETENTION_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Usage.RetentionDays = i
		}
	}

	// Scheduler overrides
	if val := os.Getenv("TURNSTILE_SCHEDULER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Scheduler.Enabled = b
		}
	}

	// Telemetry overrides
	if val := os.Getenv("TURNSTILE_TELEMETRY_LOGGING_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("TURNSTILE_TELEMETRY_LOGGING_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv("TURNSTILE_TELEMETRY_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Enabled = b
		}
	}
	if val := os.Getenv("TURNSTILE_TELEMETRY_METRICS_PATH"); val != "" {
		cfg.Telemetry.Metrics.Path = val
	}
}
