package config

import (
	"log/slog"
	"time"

	"github.com/voltagent/trafficctl/internal/traffic"
	"github.com/voltagent/trafficctl/internal/traffic/breaker"
	"github.com/voltagent/trafficctl/internal/traffic/concurrency"
	"github.com/voltagent/trafficctl/internal/traffic/ratelimit"
	"github.com/voltagent/trafficctl/internal/traffic/retry"
)

// BuildTrafficConfig translates the TOML config into the traffic
// package's Config, wiring the concurrency resolvers and rate-limit
// strategy factory this package owns. logger and observer are supplied
// by the caller (cmd/trafficctl) since they're cross-cutting collaborators
// (internal/telemetry, internal/audit), not config concerns.
func (c *Config) BuildTrafficConfig(logger *slog.Logger, observer traffic.Observer) traffic.Config {
	tc := traffic.Default()
	tc.Logger = logger
	tc.Observer = observer

	tc.GlobalConcurrencyLimit = c.Concurrency.GlobalLimit
	tc.TenantConcurrencyLimit = c.tenantLimitResolver()
	tc.RouteConcurrencyLimit = c.routeLimitResolver()

	tc.StrategyFactory = c.strategyFactory()
	tc.FallbackTokenBucketCap = c.RateLimit.FallbackTokenBucketCapacity
	tc.FallbackTokenBucketRefill = c.RateLimit.FallbackTokenBucketRefillPerSec

	tc.BreakerConfig = breaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		TimeoutThreshold: c.CircuitBreaker.TimeoutThreshold,
		Window:           c.CircuitBreaker.window(),
		Cooldown:         c.CircuitBreaker.cooldown(),
	}

	tc.AdaptiveBase = time.Duration(c.Adaptive.BaseSeconds * float64(time.Second))
	tc.AdaptiveMax = time.Duration(c.Adaptive.MaxSeconds * float64(time.Second))
	tc.AdaptiveMultiplier = c.Adaptive.Multiplier
	tc.AdaptiveDecayInterval = time.Duration(c.Adaptive.DecaySeconds * float64(time.Second))

	tc.RetryConfig = retry.Config{
		Default: retry.Policy{
			MaxAttempts: map[retry.Reason]int{
				retry.ReasonRateLimit:   c.Retry.MaxAttemptsRateLimit,
				retry.ReasonServerError: c.Retry.MaxAttemptsServerError,
				retry.ReasonTimeout:     c.Retry.MaxAttemptsTimeout,
			},
			BackoffBase:    time.Duration(c.Retry.BackoffBaseMs) * time.Millisecond,
			BackoffMax:     time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond,
			JitterFraction: c.Retry.JitterFraction,
		},
	}

	return tc
}

func (c *Config) tenantLimitResolver() concurrency.LimitResolver {
	return func(tenantID string) (int, bool) {
		if n, ok := c.Concurrency.TenantLimits[tenantID]; ok {
			return n, true
		}
		if c.Concurrency.DefaultTenantLimit > 0 {
			return c.Concurrency.DefaultTenantLimit, true
		}
		return 0, false
	}
}

func (c *Config) routeLimitResolver() concurrency.LimitResolver {
	return func(routeKey string) (int, bool) {
		if n, ok := c.Concurrency.RouteLimits[routeKey]; ok {
			return n, true
		}
		if c.Concurrency.DefaultRouteLimit > 0 {
			return c.Concurrency.DefaultRouteLimit, true
		}
		return 0, false
	}
}

// strategyFactory picks a route's Strategy from its RouteRateLimitConfig
// override, falling back to RateLimit.DefaultStrategy.
func (c *Config) strategyFactory() ratelimit.StrategyFactory {
	return func(routeKey string) ratelimit.Strategy {
		name := c.RateLimit.DefaultStrategy
		var tbCap int
		var tbRefill float64
		var rpm, tpm int
		if rc, ok := c.RateLimit.Routes[routeKey]; ok {
			if rc.Strategy != "" {
				name = rc.Strategy
			}
			tbCap, tbRefill = rc.TokenBucketCapacity, rc.TokenBucketRefillPerSec
			rpm, tpm = rc.RequestsPerMinute, rc.TokensPerMinute
		}
		switch name {
		case "openai":
			if rpm > 0 || tpm > 0 {
				return ratelimit.NewOpenAIStrategyWithLimits(rpm, tpm)
			}
			return ratelimit.NewOpenAIStrategy()
		case "token_bucket":
			if tbCap <= 0 {
				tbCap = 1000
			}
			if tbRefill <= 0 {
				tbRefill = 100
			}
			return ratelimit.NewTokenBucketStrategy(tbCap, tbRefill)
		default:
			return ratelimit.NewWindowStrategy()
		}
	}
}
