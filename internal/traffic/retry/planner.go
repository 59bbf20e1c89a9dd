// Package retry implements the retry planner (C8): a pure function of
// (error, attempt) that classifies the failure and computes whether and
// after how long to retry. Grounded on a resilience package's retry
// config shape (MaxRetries/BackoffBase/BackoffMax/Jitter, exponential
// backoff with jitter, string-matched retryable-error classification),
// extended with per-reason attempt caps and Retry-After honoring.
//
// Like the other traffic subpackages this package never imports
// internal/traffic — it operates on the standard error interface plus two
// narrow, duck-typed optional interfaces (StatusCoder, RetryAfterer) so
// callers' typed errors can opt in without creating an import cycle.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Reason classifies why a call failed, for both attempt-cap selection and
// observability (it is stamped onto retry-attempt metrics).
type Reason int

const (
	ReasonUndefined Reason = iota
	ReasonRateLimit
	ReasonServerError
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonRateLimit:
		return "rate_limit"
	case ReasonServerError:
		return "server_error"
	case ReasonTimeout:
		return "timeout"
	default:
		return "undefined"
	}
}

// StatusCoder lets a caller's error type report an HTTP-like status code
// without this package needing to know the type.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer lets a caller's error type carry a provider-supplied
// Retry-After hint.
type RetryAfterer interface {
	RetryAfter() (time.Duration, bool)
}

// Classify inspects err and reports which bucket it falls into. Typed
// errors implementing StatusCoder are checked first; anything else falls
// back to matching context.DeadlineExceeded and then, for opaque errors
// from caller code that was never taught about StatusCoder, a
// string-matching heuristic over the error text.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUndefined
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.StatusCode(); {
		case code == 429:
			return ReasonRateLimit
		case code >= 500 && code <= 599:
			return ReasonServerError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case containsAny(msg, "500", "501", "502", "503", "504", "connection refused", "connection reset", "broken pipe"):
		return ReasonServerError
	}
	return ReasonUndefined
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func extractRetryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0, false
}

// Policy bounds retry behavior for one scope (default, provider, or
// route). MaxAttempts is keyed by Reason; a missing or <= 0 entry means
// that reason is never retried.
type Policy struct {
	MaxAttempts    map[Reason]int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64
}

// DefaultPolicy is a conservative starting point (exponential backoff,
// ±25% jitter) with per-reason caps: rate limits get the most patience
// since they are expected to clear, server errors and timeouts less so,
// and an unclassified error is never retried blind.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: map[Reason]int{
			ReasonRateLimit:   5,
			ReasonServerError: 3,
			ReasonTimeout:     3,
		},
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// Config lets the planner pick a tighter or looser Policy per provider or
// per exact route key, falling back to Default.
type Config struct {
	Default    Policy
	ByProvider map[string]Policy
	ByRoute    map[string]Policy
}

func DefaultConfig() Config {
	return Config{Default: DefaultPolicy()}
}

// Plan is the planner's verdict for one failed attempt.
type Plan struct {
	Retry  bool
	Delay  time.Duration
	Reason Reason
}

// Planner is stateless; Plan is a pure function of its inputs, so a
// single Planner is safely reused (and safely called) from any goroutine —
// unlike ratelimit/concurrency/breaker/adaptive, which are touched only
// from the dispatcher's goroutine, this package holds no mutable
// per-route state.
type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	if cfg.Default.MaxAttempts == nil {
		cfg.Default = DefaultPolicy()
	}
	return &Planner{cfg: cfg}
}

func (p *Planner) policyFor(routeKey, provider string) Policy {
	if pol, ok := p.cfg.ByRoute[routeKey]; ok {
		return pol
	}
	if pol, ok := p.cfg.ByProvider[provider]; ok {
		return pol
	}
	return p.cfg.Default
}

// Plan classifies err and decides whether attempt (the attempt number
// that just failed, >= 1) should be retried, and after what delay.
func (p *Planner) Plan(err error, attempt int, routeKey, provider string) Plan {
	reason := Classify(err)
	policy := p.policyFor(routeKey, provider)

	maxAttempts := policy.MaxAttempts[reason]
	if maxAttempts <= 0 || attempt >= maxAttempts {
		return Plan{Retry: false, Reason: reason}
	}

	delay := backoff(policy, attempt)
	if ra, ok := extractRetryAfter(err); ok && ra > delay {
		delay = ra
	}
	return Plan{Retry: true, Delay: delay, Reason: reason}
}

// backoff computes base * 2^attempt, capped at BackoffMax, jittered by
// ±JitterFraction.
func backoff(policy Policy, attempt int) time.Duration {
	shift := uint(attempt)
	if shift > 20 {
		shift = 20 // guard against overflow on pathologically high attempt counts
	}
	d := policy.BackoffBase * time.Duration(1<<shift)
	if policy.BackoffMax > 0 && d > policy.BackoffMax {
		d = policy.BackoffMax
	}
	if policy.JitterFraction <= 0 {
		return d
	}
	spread := float64(d) * policy.JitterFraction
	delta := (rand.Float64()*2 - 1) * spread
	d = d + time.Duration(delta)
	if d < 0 {
		d = 0
	}
	return d
}
