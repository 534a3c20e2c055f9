package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  listen_address: ":9090"
store:
  backend: memory
scopes:
  apikey:
    allow_unknown: true
    default:
      rate_limit:
        window: 60s
        max_requests: 100
      quota:
        daily_tokens: 100000
        daily_cost_usd: 5.50
    identifiers:
      key-premium:
        rate_limit:
          window: 60s
          max_requests: 1000
        quota:
          daily_tokens: 2000000
          monthly_tokens: 40000000
          warning_thresholds: [50, 80, 95]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "turnstile.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================================
// Load Tests
// ============================================================================

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddress != ":9090" {
		t.Errorf("listen_address = %q, want :9090 from file", cfg.Server.ListenAddress)
	}
	if cfg.Server.ReadTimeout != DefaultReadTimeout {
		t.Errorf("read_timeout = %v, want default %v", cfg.Server.ReadTimeout, DefaultReadTimeout)
	}
	if cfg.Store.Namespace != DefaultNamespace {
		t.Errorf("namespace = %q, want default %q", cfg.Store.Namespace, DefaultNamespace)
	}
	if cfg.Usage.DBPath != DefaultUsageDBPath {
		t.Errorf("usage db_path = %q, want default", cfg.Usage.DBPath)
	}

	spec := cfg.Scopes["apikey"].Default
	if spec.Quota.ResetTime != DefaultResetTime || spec.Quota.Timezone != DefaultTimezone {
		t.Errorf("scope default quota = %+v, want defaulted reset time and timezone", spec.Quota)
	}
	if len(spec.Quota.WarningThresholds) != 2 {
		t.Errorf("warning thresholds = %v, want defaults [80 95]", spec.Quota.WarningThresholds)
	}

	premium := cfg.Scopes["apikey"].Identifiers["key-premium"]
	if len(premium.Quota.WarningThresholds) != 3 {
		t.Errorf("explicit thresholds = %v, must not be overwritten by defaults", premium.Quota.WarningThresholds)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("scopes: [not a map")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestParse_ValidationFailure(t *testing.T) {
	bad := `
scopes:
  tenant:
    identifiers:
      t1:
        rate_limit:
          max_requests: 10
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Error("expected error for unknown scope type")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TURNSTILE_SERVER_LISTEN_ADDRESS", ":7070")
	t.Setenv("TURNSTILE_STORE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("TURNSTILE_STORE_REDIS_OP_TIMEOUT", "250ms")
	t.Setenv("TURNSTILE_TELEMETRY_LOGGING_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddress != ":7070" {
		t.Errorf("listen_address = %q, env override must win", cfg.Server.ListenAddress)
	}
	if cfg.Store.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q, want env override", cfg.Store.Redis.Addr)
	}
	if cfg.Store.Redis.OpTimeout != 250*time.Millisecond {
		t.Errorf("op timeout = %v, want 250ms", cfg.Store.Redis.OpTimeout)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Telemetry.Logging.Level)
	}
}

// ============================================================================
// Cost Conversion Tests
// ============================================================================

func TestUSDToMicros(t *testing.T) {
	tests := []struct {
		usd  float64
		want int64
	}{
		{0, 0},
		{5.50, 5_500_000},
		{0.000001, 1},
		{0.0000004, 0},  // rounds down
		{0.0000005, 1},  // half rounds away from zero
		{-1.25, -1_250_000},
	}
	for _, tt := range tests {
		if got := USDToMicros(tt.usd); got != tt.want {
			t.Errorf("USDToMicros(%v) = %d, want %d", tt.usd, got, tt.want)
		}
	}

	if got := MicrosToUSD(5_500_000); got != 5.50 {
		t.Errorf("MicrosToUSD(5500000) = %v, want 5.5", got)
	}
}
