package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the control plane.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithAPIKey(os.Getenv("NOVITA_API_KEY")),
//	    core.WithPort(3000),
//	    core.WithWebhookSecret("s3cret"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core settings
	ServiceName string `json:"service_name" yaml:"service_name" env:"GPUFLEET_SERVICE_NAME" default:"gpufleet"`
	Host        string `json:"host" yaml:"host" env:"GPUFLEET_HOST" default:"0.0.0.0"`
	Port        int    `json:"port" yaml:"port" env:"GPUFLEET_PORT" default:"3000"`
	Production  bool   `json:"production" yaml:"production" env:"GPUFLEET_PRODUCTION" default:"false"`

	// HTTP server configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Redis persistence configuration
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Provider client configuration
	Provider ProviderConfig `json:"provider" yaml:"provider"`

	// Webhook dispatch configuration
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`

	// Instance creation defaults
	Defaults InstanceDefaults `json:"defaults" yaml:"defaults"`

	// Startup workflow configuration
	Startup StartupConfig `json:"startup" yaml:"startup"`

	// Health-check defaults
	HealthCheck HealthCheckConfig `json:"health_check" yaml:"health_check"`

	// Auto-stop scheduler configuration
	AutoStop AutoStopConfig `json:"auto_stop" yaml:"auto_stop"`

	// Spot migration scheduler configuration
	Migration MigrationConfig `json:"migration" yaml:"migration"`

	// Job queue and worker pool configuration
	Jobs JobsConfig `json:"jobs" yaml:"jobs"`

	// Read-path cache TTLs
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Telemetry configuration
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// HTTPConfig contains HTTP server configuration including timeouts and CORS.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" env:"GPUFLEET_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" env:"GPUFLEET_HTTP_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"GPUFLEET_HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"GPUFLEET_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	CORS            CORSConfig    `json:"cors" yaml:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing configuration for the
// API surface.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled" env:"GPUFLEET_CORS_ENABLED" default:"false"`
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins" env:"GPUFLEET_CORS_ORIGINS"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods" env:"GPUFLEET_CORS_METHODS" default:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers" env:"GPUFLEET_CORS_HEADERS" default:"Content-Type,Authorization"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials" env:"GPUFLEET_CORS_CREDENTIALS" default:"false"`
	MaxAge           int      `json:"max_age" yaml:"max_age" env:"GPUFLEET_CORS_MAX_AGE" default:"86400"`
}

// RedisConfig locates the durable backing store. All persisted keys live
// under KeyPrefix.
type RedisConfig struct {
	URL       string `json:"url" yaml:"url" env:"GPUFLEET_REDIS_URL" default:"redis://localhost:6379"`
	DB        int    `json:"db" yaml:"db" env:"GPUFLEET_REDIS_DB" default:"0"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"GPUFLEET_KEY_PREFIX" default:"gpufleet"`
}

// ProviderConfig controls the outbound provider client: credentials, retry
// schedule, circuit breaker, and request pacing.
type ProviderConfig struct {
	APIKey         string        `json:"-" yaml:"-" env:"NOVITA_API_KEY"`
	BaseURL        string        `json:"base_url" yaml:"base_url" env:"NOVITA_BASE_URL" default:"https://api.novita.ai/gpu-instance/openapi"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" env:"GPUFLEET_REQUEST_TIMEOUT" default:"30s"` // bounded 5s-120s
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" env:"GPUFLEET_MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" env:"GPUFLEET_RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay" yaml:"retry_max_delay" env:"GPUFLEET_RETRY_MAX_DELAY" default:"30s"`

	// Circuit breaker opens after BreakerThreshold consecutive failures
	// within BreakerWindow and recovers after BreakerRecoveryTimeout.
	BreakerThreshold       int           `json:"breaker_threshold" yaml:"breaker_threshold" env:"GPUFLEET_CB_THRESHOLD" default:"5"`
	BreakerWindow          time.Duration `json:"breaker_window" yaml:"breaker_window" env:"GPUFLEET_CB_WINDOW" default:"60s"`
	BreakerRecoveryTimeout time.Duration `json:"breaker_recovery_timeout" yaml:"breaker_recovery_timeout" env:"GPUFLEET_CB_RECOVERY_TIMEOUT" default:"30s"`

	// Request pacing: at most RateLimitMaxRequests calls per RateLimitWindow,
	// enforced as serialized minimum inter-request spacing.
	RateLimitWindow      time.Duration `json:"rate_limit_window" yaml:"rate_limit_window" env:"GPUFLEET_RATE_LIMIT_WINDOW" default:"1s"`
	RateLimitMaxRequests int           `json:"rate_limit_max_requests" yaml:"rate_limit_max_requests" env:"GPUFLEET_RATE_LIMIT_MAX_REQUESTS" default:"10"`
}

// WebhookConfig controls outbound webhook delivery and signing.
type WebhookConfig struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout" env:"GPUFLEET_WEBHOOK_TIMEOUT" default:"10s"` // bounded 1s-60s
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" env:"GPUFLEET_WEBHOOK_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" env:"GPUFLEET_WEBHOOK_RETRY_BASE_DELAY" default:"1s"`
	Secret         string        `json:"-" yaml:"-" env:"GPUFLEET_WEBHOOK_SECRET"`
}

// InstanceDefaults fills omitted fields on instance creation requests.
type InstanceDefaults struct {
	Region         string   `json:"region" yaml:"region" env:"GPUFLEET_DEFAULT_REGION" default:"CN-HK-01"`
	RegionFallback []string `json:"region_fallback" yaml:"region_fallback" env:"GPUFLEET_REGION_FALLBACK"`
	GPUNum         int      `json:"gpu_num" yaml:"gpu_num" env:"GPUFLEET_DEFAULT_GPU_NUM" default:"1"`
	RootfsSizeGB   int      `json:"rootfs_size_gb" yaml:"rootfs_size_gb" env:"GPUFLEET_DEFAULT_ROOTFS_SIZE" default:"60"`
	BillingMethod  string   `json:"billing_method" yaml:"billing_method" env:"GPUFLEET_DEFAULT_BILLING_METHOD" default:"spot"`
}

// StartupConfig bounds the start-to-ready workflow.
type StartupConfig struct {
	// MaxWaitTime covers provider startup plus health checks unless the
	// caller overrides the health-check budget. Bounded 30s-30m.
	MaxWaitTime  time.Duration `json:"max_wait_time" yaml:"max_wait_time" env:"GPUFLEET_STARTUP_MAX_WAIT" default:"10m"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" env:"GPUFLEET_STARTUP_POLL_INTERVAL" default:"5s"`
}

// AutoStopConfig controls the idle-instance scheduler.
type AutoStopConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled" env:"GPUFLEET_AUTOSTOP_ENABLED" default:"true"`
	Interval            time.Duration `json:"interval" yaml:"interval" env:"GPUFLEET_AUTOSTOP_INTERVAL" default:"5m"` // bounded 1m-60m
	InactivityThreshold time.Duration `json:"inactivity_threshold" yaml:"inactivity_threshold" env:"GPUFLEET_AUTOSTOP_INACTIVITY_THRESHOLD" default:"20m"`
	DryRun              bool          `json:"dry_run" yaml:"dry_run" env:"GPUFLEET_AUTOSTOP_DRY_RUN" default:"false"`
}

// MigrationConfig controls the spot-reclaim migration scheduler.
type MigrationConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" env:"GPUFLEET_MIGRATION_ENABLED" default:"true"`
	Interval      time.Duration `json:"interval" yaml:"interval" env:"GPUFLEET_MIGRATION_INTERVAL" default:"15m"` // bounded 1m-60m
	JobTimeout    time.Duration `json:"job_timeout" yaml:"job_timeout" env:"GPUFLEET_MIGRATION_JOB_TIMEOUT" default:"10m"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent" env:"GPUFLEET_MIGRATION_MAX_CONCURRENT" default:"5"` // bounded 1-20
	DryRun        bool          `json:"dry_run" yaml:"dry_run" env:"GPUFLEET_MIGRATION_DRY_RUN" default:"false"`
	RetryFailed   bool          `json:"retry_failed" yaml:"retry_failed" env:"GPUFLEET_MIGRATION_RETRY_FAILED" default:"true"`
	LogLevel      string        `json:"log_level" yaml:"log_level" env:"GPUFLEET_MIGRATION_LOG_LEVEL" default:"info"`
	HistoryLimit  int           `json:"history_limit" yaml:"history_limit" env:"GPUFLEET_MIGRATION_HISTORY_LIMIT" default:"50"`
}

// JobsConfig controls the durable queue and the worker pool.
type JobsConfig struct {
	Concurrency       int           `json:"concurrency" yaml:"concurrency" env:"GPUFLEET_JOB_CONCURRENCY" default:"5"` // bounded 1-50
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts" env:"GPUFLEET_JOB_MAX_ATTEMPTS" default:"3"`
	BackoffBase       time.Duration `json:"backoff_base" yaml:"backoff_base" env:"GPUFLEET_JOB_BACKOFF_BASE" default:"1s"`
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max" env:"GPUFLEET_JOB_BACKOFF_MAX" default:"5m"`
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout" env:"GPUFLEET_JOB_PROCESSING_TIMEOUT" default:"5m"`
	PromoteInterval   time.Duration `json:"promote_interval" yaml:"promote_interval" env:"GPUFLEET_JOB_PROMOTE_INTERVAL" default:"5s"`
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval" env:"GPUFLEET_JOB_POLL_INTERVAL" default:"500ms"`
	ShutdownGrace     time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" env:"GPUFLEET_JOB_SHUTDOWN_GRACE" default:"5s"`
	CompletedCap      int           `json:"completed_cap" yaml:"completed_cap" env:"GPUFLEET_JOB_COMPLETED_CAP" default:"100"`
	FailedCap         int           `json:"failed_cap" yaml:"failed_cap" env:"GPUFLEET_JOB_FAILED_CAP" default:"100"`
}

// CacheConfig sets per-cache TTLs on the provider read paths.
type CacheConfig struct {
	ProductsTTL  time.Duration `json:"products_ttl" yaml:"products_ttl" env:"GPUFLEET_CACHE_PRODUCTS_TTL" default:"5m"`
	TemplatesTTL time.Duration `json:"templates_ttl" yaml:"templates_ttl" env:"GPUFLEET_CACHE_TEMPLATES_TTL" default:"10m"`
	InstancesTTL time.Duration `json:"instances_ttl" yaml:"instances_ttl" env:"GPUFLEET_CACHE_INSTANCES_TTL" default:"30s"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"GPUFLEET_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"GPUFLEET_LOG_FORMAT" default:"json"` // json or console
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"GPUFLEET_TELEMETRY_ENABLED" default:"false"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `json:"insecure" yaml:"insecure" env:"GPUFLEET_TELEMETRY_INSECURE" default:"true"`
}

// Option is a functional option for configuring the control plane.
type Option func(*Config) error

// NewConfig creates a configuration with defaults, environment overrides,
// and functional options applied in that order, then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns the stock configuration. Defaults match the `default`
// struct tags.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "gpufleet",
		Host:        "0.0.0.0",
		Port:        3000,
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			KeyPrefix: "gpufleet",
		},
		Provider: ProviderConfig{
			BaseURL:                "https://api.novita.ai/gpu-instance/openapi",
			RequestTimeout:         30 * time.Second,
			MaxRetries:             3,
			RetryBaseDelay:         1 * time.Second,
			RetryMaxDelay:          30 * time.Second,
			BreakerThreshold:       5,
			BreakerWindow:          60 * time.Second,
			BreakerRecoveryTimeout: 30 * time.Second,
			RateLimitWindow:        1 * time.Second,
			RateLimitMaxRequests:   10,
		},
		Webhook: WebhookConfig{
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			RetryBaseDelay: 1 * time.Second,
		},
		Defaults: InstanceDefaults{
			Region:        "CN-HK-01",
			GPUNum:        1,
			RootfsSizeGB:  60,
			BillingMethod: "spot",
		},
		Startup: StartupConfig{
			MaxWaitTime:  10 * time.Minute,
			PollInterval: 5 * time.Second,
		},
		HealthCheck: DefaultHealthCheckConfig(),
		AutoStop: AutoStopConfig{
			Enabled:             true,
			Interval:            5 * time.Minute,
			InactivityThreshold: 20 * time.Minute,
		},
		Migration: MigrationConfig{
			Enabled:       true,
			Interval:      15 * time.Minute,
			JobTimeout:    10 * time.Minute,
			MaxConcurrent: 5,
			RetryFailed:   true,
			LogLevel:      "info",
			HistoryLimit:  50,
		},
		Jobs: JobsConfig{
			Concurrency:       5,
			MaxAttempts:       3,
			BackoffBase:       1 * time.Second,
			BackoffMax:        5 * time.Minute,
			ProcessingTimeout: 5 * time.Minute,
			PromoteInterval:   5 * time.Second,
			PollInterval:      500 * time.Millisecond,
			ShutdownGrace:     5 * time.Second,
			CompletedCap:      100,
			FailedCap:         100,
		},
		Cache: CacheConfig{
			ProductsTTL:  5 * time.Minute,
			TemplatesTTL: 10 * time.Minute,
			InstancesTTL: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Insecure: true,
		},
	}
}

// LoadFromEnv overrides configuration from environment variables. Invalid
// numeric or duration values are ignored rather than failing startup; use
// Validate for hard requirements.
func (c *Config) LoadFromEnv() error {
	// Core settings
	if v := os.Getenv("GPUFLEET_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("GPUFLEET_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GPUFLEET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GPUFLEET_PRODUCTION"); v != "" {
		c.Production = parseBool(v)
	}

	// HTTP settings
	if v := os.Getenv("GPUFLEET_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("GPUFLEET_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.WriteTimeout = d
		}
	}
	if v := os.Getenv("GPUFLEET_HTTP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ShutdownTimeout = d
		}
	}

	// CORS settings
	if v := os.Getenv("GPUFLEET_CORS_ENABLED"); v != "" {
		c.HTTP.CORS.Enabled = parseBool(v)
	}
	if v := os.Getenv("GPUFLEET_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}
	if v := os.Getenv("GPUFLEET_CORS_METHODS"); v != "" {
		c.HTTP.CORS.AllowedMethods = parseStringList(v)
	}
	if v := os.Getenv("GPUFLEET_CORS_HEADERS"); v != "" {
		c.HTTP.CORS.AllowedHeaders = parseStringList(v)
	}
	if v := os.Getenv("GPUFLEET_CORS_CREDENTIALS"); v != "" {
		c.HTTP.CORS.AllowCredentials = parseBool(v)
	}

	// Redis settings. REDIS_URL is honored as the conventional fallback.
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GPUFLEET_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GPUFLEET_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("GPUFLEET_KEY_PREFIX"); v != "" {
		c.Redis.KeyPrefix = v
	}

	// Provider settings
	if v := os.Getenv("NOVITA_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("NOVITA_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("GPUFLEET_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Provider.RequestTimeout = d
		}
	}
	if v := os.Getenv("GPUFLEET_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Provider.MaxRetries = n
		}
	}
	if v := os.Getenv("GPUFLEET_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Provider.RetryBaseDelay = d
		}
	}
	if v := os.Getenv("GPUFLEET_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Provider.RetryMaxDelay = d
		}
	}
	if v := os.Getenv("GPUFLEET_CB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Provider.BreakerThreshold = n
		}
	}
	if v := os.Getenv("GPUFLEET_CB_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Provider.BreakerWindow = d
		}
	}
	if v := os.Getenv("GPUFLEET_CB_RECOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Provider.BreakerRecoveryTimeout = d
		}
	}
	if v := os.Getenv("GPUFLEET_RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Provider.RateLimitWindow = d
		}
	}
	if v := os.Getenv("GPUFLEET_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Provider.RateLimitMaxRequests = n
		}
	}

	// Webhook settings
	if v := os.Getenv("GPUFLEET_WEBHOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Webhook.Timeout = d
		}
	}
	if v := os.Getenv("GPUFLEET_WEBHOOK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Webhook.MaxAttempts = n
		}
	}
	if v := os.Getenv("GPUFLEET_WEBHOOK_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Webhook.RetryBaseDelay = d
		}
	}
	if v := os.Getenv("GPUFLEET_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}

	// Instance defaults
	if v := os.Getenv("GPUFLEET_DEFAULT_REGION"); v != "" {
		c.Defaults.Region = v
	}
	if v := os.Getenv("GPUFLEET_REGION_FALLBACK"); v != "" {
		c.Defaults.RegionFallback = parseStringList(v)
	}
	if v := os.Getenv("GPUFLEET_DEFAULT_GPU_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.GPUNum = n
		}
	}
	if v := os.Getenv("GPUFLEET_DEFAULT_ROOTFS_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.RootfsSizeGB = n
		}
	}
	if v := os.Getenv("GPUFLEET_DEFAULT_BILLING_METHOD"); v != "" {
		c.Defaults.BillingMethod = v
	}

	// Startup settings
	if v := os.Getenv("GPUFLEET_STARTUP_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Startup.MaxWaitTime = d
		}
	}
	if v := os.Getenv("GPUFLEET_STARTUP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Startup.PollInterval = d
		}
	}

	// Health-check defaults
	if v := os.Getenv("GPUFLEET_HEALTH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheck.TimeoutPerCheckMs = n
		}
	}
	if v := os.Getenv("GPUFLEET_HEALTH_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheck.RetryAttempts = n
		}
	}
	if v := os.Getenv("GPUFLEET_HEALTH_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheck.RetryDelayMs = n
		}
	}
	if v := os.Getenv("GPUFLEET_HEALTH_MAX_WAIT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheck.MaxWaitTimeMs = n
		}
	}

	// Auto-stop settings
	if v := os.Getenv("GPUFLEET_AUTOSTOP_ENABLED"); v != "" {
		c.AutoStop.Enabled = parseBool(v)
	}
	if v := os.Getenv("GPUFLEET_AUTOSTOP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AutoStop.Interval = d
		}
	}
	if v := os.Getenv("GPUFLEET_AUTOSTOP_INACTIVITY_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AutoStop.InactivityThreshold = d
		}
	}
	if v := os.Getenv("GPUFLEET_AUTOSTOP_DRY_RUN"); v != "" {
		c.AutoStop.DryRun = parseBool(v)
	}

	// Migration settings
	if v := os.Getenv("GPUFLEET_MIGRATION_ENABLED"); v != "" {
		c.Migration.Enabled = parseBool(v)
	}
	if v := os.Getenv("GPUFLEET_MIGRATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Migration.Interval = d
		}
	}
	if v := os.Getenv("GPUFLEET_MIGRATION_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Migration.JobTimeout = d
		}
	}
	if v := os.Getenv("GPUFLEET_MIGRATION_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Migration.MaxConcurrent = n
		}
	}
	if v := os.Getenv("GPUFLEET_MIGRATION_DRY_RUN"); v != "" {
		c.Migration.DryRun = parseBool(v)
	}
	if v := os.Getenv("GPUFLEET_MIGRATION_RETRY_FAILED"); v != "" {
		c.Migration.RetryFailed = parseBool(v)
	}
	if v := os.Getenv("GPUFLEET_MIGRATION_LOG_LEVEL"); v != "" {
		c.Migration.LogLevel = v
	}

	// Job settings
	if v := os.Getenv("GPUFLEET_JOB_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobs.Concurrency = n
		}
	}
	if v := os.Getenv("GPUFLEET_JOB_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobs.MaxAttempts = n
		}
	}
	if v := os.Getenv("GPUFLEET_JOB_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Jobs.BackoffBase = d
		}
	}
	if v := os.Getenv("GPUFLEET_JOB_PROCESSING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Jobs.ProcessingTimeout = d
		}
	}

	// Cache settings
	if v := os.Getenv("GPUFLEET_CACHE_PRODUCTS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.ProductsTTL = d
		}
	}
	if v := os.Getenv("GPUFLEET_CACHE_TEMPLATES_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.TemplatesTTL = d
		}
	}
	if v := os.Getenv("GPUFLEET_CACHE_INSTANCES_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.InstancesTTL = d
		}
	}

	// Logging settings
	if v := os.Getenv("GPUFLEET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GPUFLEET_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Telemetry settings
	if v := os.Getenv("GPUFLEET_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GPUFLEET_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	return nil
}

// LoadConfigFromFile reads a JSON or YAML configuration file over the
// defaults. Environment variables still apply on top when loaded through
// NewConfig with WithConfigFile.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfiguration, filepath.Ext(path))
	}
	return cfg, nil
}

// Normalize clamps the soft-bounded settings to their documented ranges.
// Hard requirements are left to Validate.
func (c *Config) Normalize() {
	c.Provider.RequestTimeout = clampDuration(c.Provider.RequestTimeout, 5*time.Second, 120*time.Second)
	c.Webhook.Timeout = clampDuration(c.Webhook.Timeout, 1*time.Second, 60*time.Second)
	c.Startup.MaxWaitTime = clampDuration(c.Startup.MaxWaitTime, 30*time.Second, 30*time.Minute)
	c.AutoStop.Interval = clampDuration(c.AutoStop.Interval, 1*time.Minute, 60*time.Minute)
	c.Migration.Interval = clampDuration(c.Migration.Interval, 1*time.Minute, 60*time.Minute)
	c.Migration.MaxConcurrent = clampInt(c.Migration.MaxConcurrent, 1, 20)
	c.Jobs.Concurrency = clampInt(c.Jobs.Concurrency, 1, 50)
	c.HealthCheck.Normalize()
}

// Validate checks hard configuration requirements. Call after Normalize.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("invalid port: %d", c.Port),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Provider.APIKey == "" {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "provider API key is required (set NOVITA_API_KEY)",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Provider.BaseURL == "" {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "provider base URL is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Redis.URL == "" {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "redis URL is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Provider.RateLimitMaxRequests < 1 {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("rate limit max requests must be positive, got %d", c.Provider.RateLimitMaxRequests),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Provider.BreakerThreshold < 1 {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("circuit breaker threshold must be positive, got %d", c.Provider.BreakerThreshold),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Defaults.GPUNum < 1 || c.Defaults.GPUNum > 8 {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("default GPU count must be 1-8, got %d", c.Defaults.GPUNum),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Defaults.RootfsSizeGB < 20 || c.Defaults.RootfsSizeGB > 1000 {
		return &ControlError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("default rootfs size must be 20-1000 GB, got %d", c.Defaults.RootfsSizeGB),
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Functional options

// WithConfigFile layers a JSON or YAML config file over the current state,
// then re-applies environment overrides so the environment keeps the last
// word.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		fileCfg, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		*c = *fileCfg
		return c.LoadFromEnv()
	}
}

// WithAPIKey sets the provider API credential.
func WithAPIKey(key string) Option {
	return func(c *Config) error {
		c.Provider.APIKey = key
		return nil
	}
}

// WithPort sets the HTTP listener port. Must be between 1 and 65535.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return &ControlError{
				Op:      "WithPort",
				Kind:    KindValidation,
				Message: fmt.Sprintf("invalid port: %d", port),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Port = port
		return nil
	}
}

// WithRedisURL sets the Redis connection URL for the durable queue and the
// instance state store.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithKeyPrefix sets the namespace prefix for all persisted keys.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) error {
		if prefix == "" {
			return &ControlError{
				Op:      "WithKeyPrefix",
				Kind:    KindValidation,
				Message: "key prefix cannot be empty",
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Redis.KeyPrefix = prefix
		return nil
	}
}

// WithProviderBaseURL overrides the default provider endpoint. Primarily for
// tests and staging environments.
func WithProviderBaseURL(url string) Option {
	return func(c *Config) error {
		c.Provider.BaseURL = url
		return nil
	}
}

// WithWebhookSecret sets the process-wide HMAC signing secret.
func WithWebhookSecret(secret string) Option {
	return func(c *Config) error {
		c.Webhook.Secret = secret
		return nil
	}
}

// WithDefaultRegion sets the region applied to creation requests that omit
// one, plus the ordered fallback list tried when the primary region has no
// availability.
func WithDefaultRegion(region string, fallback ...string) Option {
	return func(c *Config) error {
		c.Defaults.Region = region
		c.Defaults.RegionFallback = fallback
		return nil
	}
}

// WithJobConcurrency sets the worker pool size (bounded 1-50 at Normalize).
func WithJobConcurrency(n int) Option {
	return func(c *Config) error {
		c.Jobs.Concurrency = n
		return nil
	}
}

// WithAutoStop configures the idle-instance scheduler.
func WithAutoStop(enabled bool, interval, inactivityThreshold time.Duration) Option {
	return func(c *Config) error {
		c.AutoStop.Enabled = enabled
		if interval > 0 {
			c.AutoStop.Interval = interval
		}
		if inactivityThreshold > 0 {
			c.AutoStop.InactivityThreshold = inactivityThreshold
		}
		return nil
	}
}

// WithMigration configures the spot migration scheduler.
func WithMigration(enabled bool, interval time.Duration, maxConcurrent int) Option {
	return func(c *Config) error {
		c.Migration.Enabled = enabled
		if interval > 0 {
			c.Migration.Interval = interval
		}
		if maxConcurrent > 0 {
			c.Migration.MaxConcurrent = maxConcurrent
		}
		return nil
	}
}

// WithProduction toggles production hardening: sanitized 5xx messages and
// JSON log output.
func WithProduction(enabled bool) Option {
	return func(c *Config) error {
		c.Production = enabled
		return nil
	}
}
