package traffic

import (
	"log/slog"
	"time"

	"github.com/voltagent/trafficctl/internal/traffic/adaptive"
	"github.com/voltagent/trafficctl/internal/traffic/breaker"
	"github.com/voltagent/trafficctl/internal/traffic/concurrency"
	"github.com/voltagent/trafficctl/internal/traffic/ratelimit"
	"github.com/voltagent/trafficctl/internal/traffic/retry"
)

// Observer receives dispatch-decision notifications for ambient concerns
// (metrics, audit logging) without the traffic package importing either —
// keeps internal/telemetry and internal/audit as optional, swappable
// collaborators wired in by the caller (cmd/trafficctl).
type Observer interface {
	OnDispatch(routeKey, tenantID string, priority Priority)
	OnComplete(routeKey, tenantID string, priority Priority, attempt int, durationMs int64, err error)
	OnQueueTimeout(routeKey, tenantID string, priority Priority, waitedMs int64)
	OnCircuitStateChange(routeKey, state string)
	OnRetryScheduled(routeKey string, attempt int, reason string, delay time.Duration)
	OnFallback(fromRouteKey, toRouteKey string)
}

// noopObserver is the default Observer when the caller doesn't supply one.
type noopObserver struct{}

func (noopObserver) OnDispatch(string, string, Priority)                     {}
func (noopObserver) OnComplete(string, string, Priority, int, int64, error)  {}
func (noopObserver) OnQueueTimeout(string, string, Priority, int64)          {}
func (noopObserver) OnCircuitStateChange(string, string)                    {}
func (noopObserver) OnRetryScheduled(string, int, string, time.Duration)    {}
func (noopObserver) OnFallback(string, string)                              {}

// Config wires every C3–C9 component the dispatcher composes. Zero-value
// fields fall back to sensible defaults via Default().
type Config struct {
	RouteKeyBuilder RouteKeyBuilder

	GlobalConcurrencyLimit int
	TenantConcurrencyLimit concurrency.LimitResolver
	RouteConcurrencyLimit  concurrency.LimitResolver

	StrategyFactory            ratelimit.StrategyFactory
	FallbackTokenBucketCap     int
	FallbackTokenBucketRefill  float64

	BreakerConfig breaker.Config

	AdaptiveBase          time.Duration
	AdaptiveMax           time.Duration
	AdaptiveMultiplier    float64
	AdaptiveDecayInterval time.Duration

	RetryConfig retry.Config

	// EventBufferSize bounds the dispatcher's event channel; submissions
	// block once it fills, providing natural backpressure on callers.
	EventBufferSize int

	Logger   *slog.Logger
	Observer Observer
}

// Default returns a Config usable as-is for a single untyped provider
// (every route gets its own generic window strategy; the fallback token
// bucket is disabled, since its capacity is 0); callers layer
// StrategyFactory/limit resolvers on top for provider-aware behavior.
func Default() Config {
	return Config{
		RouteKeyBuilder:           DefaultRouteKey,
		GlobalConcurrencyLimit:    0,
		StrategyFactory:           func(string) ratelimit.Strategy { return ratelimit.NewWindowStrategy() },
		FallbackTokenBucketCap:    0,
		FallbackTokenBucketRefill: 0,
		BreakerConfig:             breaker.DefaultConfig(),
		AdaptiveBase:              time.Second,
		AdaptiveMax:               time.Minute,
		AdaptiveMultiplier:        2.0,
		AdaptiveDecayInterval:     30 * time.Second,
		RetryConfig:               retry.DefaultConfig(),
		EventBufferSize:           1024,
		Logger:                    slog.Default(),
		Observer:                  noopObserver{},
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.RouteKeyBuilder == nil {
		c.RouteKeyBuilder = d.RouteKeyBuilder
	}
	if c.StrategyFactory == nil {
		c.StrategyFactory = d.StrategyFactory
	}
	if c.BreakerConfig == (breaker.Config{}) {
		c.BreakerConfig = d.BreakerConfig
	}
	if c.AdaptiveBase == 0 {
		c.AdaptiveBase = d.AdaptiveBase
	}
	if c.AdaptiveMax == 0 {
		c.AdaptiveMax = d.AdaptiveMax
	}
	if c.AdaptiveMultiplier == 0 {
		c.AdaptiveMultiplier = d.AdaptiveMultiplier
	}
	if c.AdaptiveDecayInterval == 0 {
		c.AdaptiveDecayInterval = d.AdaptiveDecayInterval
	}
	if c.RetryConfig.Default.MaxAttempts == nil {
		c.RetryConfig = d.RetryConfig
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Observer == nil {
		c.Observer = d.Observer
	}
}
