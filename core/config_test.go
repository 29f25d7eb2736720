package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 3000 {
		t.Errorf("default port = %d, want 3000", cfg.Port)
	}
	if cfg.Provider.BreakerThreshold != 5 {
		t.Errorf("default breaker threshold = %d, want 5", cfg.Provider.BreakerThreshold)
	}
	if cfg.AutoStop.Interval != 5*time.Minute {
		t.Errorf("default auto-stop interval = %v, want 5m", cfg.AutoStop.Interval)
	}
	if cfg.AutoStop.InactivityThreshold != 20*time.Minute {
		t.Errorf("default inactivity threshold = %v, want 20m", cfg.AutoStop.InactivityThreshold)
	}
	if cfg.Migration.Interval != 15*time.Minute {
		t.Errorf("default migration interval = %v, want 15m", cfg.Migration.Interval)
	}
	if cfg.Migration.MaxConcurrent != 5 {
		t.Errorf("default migration max concurrent = %d, want 5", cfg.Migration.MaxConcurrent)
	}
	if cfg.Jobs.Concurrency != 5 {
		t.Errorf("default job concurrency = %d, want 5", cfg.Jobs.Concurrency)
	}
	if cfg.Startup.MaxWaitTime != 10*time.Minute {
		t.Errorf("default startup max wait = %v, want 10m", cfg.Startup.MaxWaitTime)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NOVITA_API_KEY", "test-key")
	t.Setenv("GPUFLEET_PORT", "8090")
	t.Setenv("GPUFLEET_AUTOSTOP_INTERVAL", "10m")
	t.Setenv("GPUFLEET_MIGRATION_DRY_RUN", "true")
	t.Setenv("GPUFLEET_REGION_FALLBACK", "CN-HK-01, US-TX-02 ,EU-DE-01")
	t.Setenv("GPUFLEET_RATE_LIMIT_MAX_REQUESTS", "3")

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Provider.APIKey != "test-key" {
		t.Errorf("api key = %q, want test-key", cfg.Provider.APIKey)
	}
	if cfg.Port != 8090 {
		t.Errorf("port = %d, want 8090", cfg.Port)
	}
	if cfg.AutoStop.Interval != 10*time.Minute {
		t.Errorf("auto-stop interval = %v, want 10m", cfg.AutoStop.Interval)
	}
	if !cfg.Migration.DryRun {
		t.Error("migration dry run should be true")
	}
	want := []string{"CN-HK-01", "US-TX-02", "EU-DE-01"}
	if len(cfg.Defaults.RegionFallback) != len(want) {
		t.Fatalf("region fallback = %v, want %v", cfg.Defaults.RegionFallback, want)
	}
	for i, r := range want {
		if cfg.Defaults.RegionFallback[i] != r {
			t.Errorf("region fallback[%d] = %q, want %q", i, cfg.Defaults.RegionFallback[i], r)
		}
	}
	if cfg.Provider.RateLimitMaxRequests != 3 {
		t.Errorf("rate limit max requests = %d, want 3", cfg.Provider.RateLimitMaxRequests)
	}
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("GPUFLEET_PORT", "not-a-number")
	t.Setenv("GPUFLEET_AUTOSTOP_INTERVAL", "soon")

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("port = %d, want default 3000 for invalid env", cfg.Port)
	}
	if cfg.AutoStop.Interval != 5*time.Minute {
		t.Errorf("interval = %v, want default 5m for invalid env", cfg.AutoStop.Interval)
	}
}

func TestNormalizeClampsBounds(t *testing.T) {
	// Every value here sits outside its documented bound.
	cfg := DefaultConfig()
	cfg.Provider.RequestTimeout = 1 * time.Second
	cfg.Webhook.Timeout = 5 * time.Minute
	cfg.Startup.MaxWaitTime = 5 * time.Second
	cfg.AutoStop.Interval = 90 * time.Minute
	cfg.Migration.MaxConcurrent = 100
	cfg.Jobs.Concurrency = 0
	cfg.HealthCheck.TimeoutPerCheckMs = 500

	cfg.Normalize()

	if cfg.Provider.RequestTimeout != 5*time.Second {
		t.Errorf("request timeout = %v, want clamped 5s", cfg.Provider.RequestTimeout)
	}
	if cfg.Webhook.Timeout != 60*time.Second {
		t.Errorf("webhook timeout = %v, want clamped 60s", cfg.Webhook.Timeout)
	}
	if cfg.Startup.MaxWaitTime != 30*time.Second {
		t.Errorf("startup max wait = %v, want clamped 30s", cfg.Startup.MaxWaitTime)
	}
	if cfg.AutoStop.Interval != 60*time.Minute {
		t.Errorf("auto-stop interval = %v, want clamped 60m", cfg.AutoStop.Interval)
	}
	if cfg.Migration.MaxConcurrent != 20 {
		t.Errorf("migration max concurrent = %d, want clamped 20", cfg.Migration.MaxConcurrent)
	}
	if cfg.Jobs.Concurrency != 1 {
		t.Errorf("job concurrency = %d, want clamped 1", cfg.Jobs.Concurrency)
	}
	if cfg.HealthCheck.TimeoutPerCheckMs != MinCheckTimeoutMs {
		t.Errorf("health timeout = %d, want clamped %d", cfg.HealthCheck.TimeoutPerCheckMs, MinCheckTimeoutMs)
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error without API key")
	}
	if !IsConfigurationError(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestNewConfigWithOptions(t *testing.T) {
	t.Setenv("NOVITA_API_KEY", "env-key")

	cfg, err := NewConfig(
		WithAPIKey("option-key"),
		WithPort(4000),
		WithWebhookSecret("hush"),
		WithDefaultRegion("US-TX-02", "EU-DE-01"),
	)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	// Options win over environment.
	if cfg.Provider.APIKey != "option-key" {
		t.Errorf("api key = %q, want option-key", cfg.Provider.APIKey)
	}
	if cfg.Port != 4000 {
		t.Errorf("port = %d, want 4000", cfg.Port)
	}
	if cfg.Defaults.Region != "US-TX-02" {
		t.Errorf("region = %q, want US-TX-02", cfg.Defaults.Region)
	}
	if len(cfg.Defaults.RegionFallback) != 1 || cfg.Defaults.RegionFallback[0] != "EU-DE-01" {
		t.Errorf("region fallback = %v, want [EU-DE-01]", cfg.Defaults.RegionFallback)
	}
}

func TestWithPortRejectsInvalid(t *testing.T) {
	_, err := NewConfig(WithAPIKey("k"), WithPort(0))
	if err == nil {
		t.Fatal("expected error for port 0")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlBody := []byte("port: 5001\nredis:\n  key_prefix: testfleet\nmigration:\n  max_concurrent: 8\n")
	if err := os.WriteFile(yamlPath, yamlBody, 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadConfigFromFile(yamlPath)
	if err != nil {
		t.Fatalf("LoadConfigFromFile(yaml) failed: %v", err)
	}
	if cfg.Port != 5001 {
		t.Errorf("port = %d, want 5001", cfg.Port)
	}
	if cfg.Redis.KeyPrefix != "testfleet" {
		t.Errorf("key prefix = %q, want testfleet", cfg.Redis.KeyPrefix)
	}
	if cfg.Migration.MaxConcurrent != 8 {
		t.Errorf("max concurrent = %d, want 8", cfg.Migration.MaxConcurrent)
	}

	jsonPath := filepath.Join(dir, "config.json")
	jsonBody := []byte(`{"port": 5002}`)
	if err := os.WriteFile(jsonPath, jsonBody, 0o600); err != nil {
		t.Fatalf("write json: %v", err)
	}
	cfg, err = LoadConfigFromFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadConfigFromFile(json) failed: %v", err)
	}
	if cfg.Port != 5002 {
		t.Errorf("port = %d, want 5002", cfg.Port)
	}

	if _, err := LoadConfigFromFile(filepath.Join(dir, "config.toml")); err == nil {
		t.Error("expected error for unsupported format")
	}
}
