// Package config provides TOML-backed configuration for trafficctl,
// trimmed from a larger gateway config down to what the traffic
// controller itself needs: server/telemetry basics, the optional audit
// database, and the C3–C9 tuning knobs, via a Default()/Load()/
// LoadOrDefault() shape with TRAFFICCTL_*-prefixed env overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server         ServerConfig         `toml:"server"`
	Telemetry      TelemetryConfig      `toml:"telemetry"`
	Database       DatabaseConfig       `toml:"database"`
	Concurrency    ConcurrencyConfig    `toml:"concurrency"`
	RateLimit      RateLimitConfig      `toml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Adaptive       AdaptiveConfig       `toml:"adaptive"`
	Retry          RetryConfig          `toml:"retry"`
}

type ServerConfig struct {
	MetricsPort int    `toml:"metrics_port"`
	BindAddress string `toml:"bind_address"`
}

type TelemetryConfig struct {
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"` // "json" or "text"
}

// DatabaseConfig backs the optional dispatch-decision audit sink
// (internal/audit). Driver "" disables the sink entirely.
type DatabaseConfig struct {
	Driver   string `toml:"driver"` // "postgres" or "" (disabled)
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
	MaxConns int    `toml:"max_conns"`
}

func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

type ConcurrencyConfig struct {
	GlobalLimit       int `toml:"global_limit"` // 0 = unlimited
	DefaultTenantLimit int `toml:"default_tenant_limit"`
	DefaultRouteLimit  int `toml:"default_route_limit"`
	// TenantLimits/RouteLimits override the default for specific keys.
	TenantLimits map[string]int `toml:"tenant_limits"`
	RouteLimits  map[string]int `toml:"route_limits"`
}

// RouteRateLimitConfig selects and tunes one route's Strategy.
type RouteRateLimitConfig struct {
	Strategy                string  `toml:"strategy"` // "window" | "token_bucket" | "openai"
	TokenBucketCapacity     int     `toml:"token_bucket_capacity"`
	TokenBucketRefillPerSec float64 `toml:"token_bucket_refill_per_second"`
	// RequestsPerMinute/TokensPerMinute statically pre-seed an "openai"
	// strategy's dual windows instead of waiting for the provider's first
	// response headers. 0 leaves the corresponding window unseeded: it does
	// not limit dispatch until a header update initializes it. With both at
	// 0 the strategy starts in its single-probe bootstrap mode instead.
	RequestsPerMinute int `toml:"requests_per_minute"`
	TokensPerMinute   int `toml:"tokens_per_minute"`
}

type RateLimitConfig struct {
	DefaultStrategy                string                          `toml:"default_strategy"`
	FallbackTokenBucketCapacity     int                             `toml:"fallback_token_bucket_capacity"`
	FallbackTokenBucketRefillPerSec float64                         `toml:"fallback_token_bucket_refill_per_second"`
	Routes                          map[string]RouteRateLimitConfig `toml:"routes"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int     `toml:"failure_threshold"`
	TimeoutThreshold int     `toml:"timeout_threshold"`
	WindowSeconds    float64 `toml:"window_seconds"`
	CooldownSeconds  float64 `toml:"cooldown_seconds"`
}

type AdaptiveConfig struct {
	BaseSeconds   float64 `toml:"base_seconds"`
	MaxSeconds    float64 `toml:"max_seconds"`
	Multiplier    float64 `toml:"multiplier"`
	DecaySeconds  float64 `toml:"decay_seconds"`
}

type RetryConfig struct {
	BackoffBaseMs          int     `toml:"backoff_base_ms"`
	BackoffMaxMs           int     `toml:"backoff_max_ms"`
	JitterFraction         float64 `toml:"jitter_fraction"`
	MaxAttemptsRateLimit   int     `toml:"max_attempts_rate_limit"`
	MaxAttemptsServerError int     `toml:"max_attempts_server_error"`
	MaxAttemptsTimeout     int     `toml:"max_attempts_timeout"`
}

// Default returns the configuration trafficctl runs with absent a config
// file: the window strategy on every route, no fallback token bucket
// (capacity 0 disables it), and the same circuit/retry/adaptive defaults
// the traffic package itself falls back to.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort: 9090,
			BindAddress: "0.0.0.0",
		},
		Telemetry: TelemetryConfig{
			PrometheusEnabled: true,
			LogLevel:          "info",
			LogFormat:         "json",
		},
		Database: DatabaseConfig{
			Driver: "",
		},
		Concurrency: ConcurrencyConfig{
			GlobalLimit:        0,
			DefaultTenantLimit: 0,
			DefaultRouteLimit:  0,
		},
		RateLimit: RateLimitConfig{
			DefaultStrategy:                 "window",
			FallbackTokenBucketCapacity:     0,
			FallbackTokenBucketRefillPerSec: 0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			TimeoutThreshold: 5,
			WindowSeconds:    30,
			CooldownSeconds:  60,
		},
		Adaptive: AdaptiveConfig{
			BaseSeconds:  1,
			MaxSeconds:   60,
			Multiplier:   2,
			DecaySeconds: 30,
		},
		Retry: RetryConfig{
			BackoffBaseMs:          500,
			BackoffMaxMs:           30000,
			JitterFraction:         0.25,
			MaxAttemptsRateLimit:   5,
			MaxAttemptsServerError: 3,
			MaxAttemptsTimeout:     3,
		},
	}
}

// Load reads and parses a TOML file, applying environment overrides
// afterward.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadOrDefault reads path if it exists, else returns Default() (still
// subject to environment overrides).
func LoadOrDefault(path string) *Config {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if cfg, err := Load(path); err == nil {
				return cfg
			}
		}
	}
	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides applies direct TRAFFICCTL_* environment variable
// overrides, taking precedence over both the file and the built-in
// defaults.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRAFFICCTL_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = n
		}
	}
	if v := os.Getenv("TRAFFICCTL_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
	if v := os.Getenv("TRAFFICCTL_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TRAFFICCTL_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TRAFFICCTL_GLOBAL_CONCURRENCY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.GlobalLimit = n
		}
	}
}

func (c CircuitBreakerConfig) window() time.Duration {
	return time.Duration(c.WindowSeconds * float64(time.Second))
}

func (c CircuitBreakerConfig) cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds * float64(time.Second))
}
