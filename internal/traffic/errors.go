package traffic

import (
	"errors"
	"fmt"
	"time"
)

// ErrShuttingDown is returned to every request still queued when
// Controller.Shutdown is called; requests already in flight are not
// rejected with it.
var ErrShuttingDown = errors.New("traffic: controller shutting down")

// QueueWaitTimeoutError is returned when a queued request's deadline elapses
// before it can be dispatched.
type QueueWaitTimeoutError struct {
	WaitedMs      int64
	MaxQueueWaitMs int64
	DeadlineAt    time.Time
}

func (e *QueueWaitTimeoutError) Error() string {
	return fmt.Sprintf("queue wait timeout after %dms (max %dms)", e.WaitedMs, e.MaxQueueWaitMs)
}

// CircuitBreakerOpenError is returned when a route's circuit is open (or
// half-open and already trialing) and no fallback candidate was admissible.
type CircuitBreakerOpenError struct {
	Provider     string
	Model        string
	RetryAfterMs int64
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s::%s (retry after %dms)", e.Provider, e.Model, e.RetryAfterMs)
}

// RateLimitedUpstreamError normalizes a raw upstream 429 so the retry
// planner and adaptive limiter can classify it reliably.
type RateLimitedUpstreamError struct {
	Status       int
	Provider     string
	Model        string
	TenantID     string
	Key          string
	RetryAfterMs int64
	Cause        error
}

func (e *RateLimitedUpstreamError) Error() string {
	return fmt.Sprintf("rate limited upstream (status %d) for %s::%s", e.Status, e.Provider, e.Model)
}

func (e *RateLimitedUpstreamError) Unwrap() error { return e.Cause }

// StatusCode implements retry.StatusCoder.
func (e *RateLimitedUpstreamError) StatusCode() int { return e.Status }

// RetryAfter implements retry.RetryAfterer.
func (e *RateLimitedUpstreamError) RetryAfter() (time.Duration, bool) {
	if e.RetryAfterMs <= 0 {
		return 0, false
	}
	return time.Duration(e.RetryAfterMs) * time.Millisecond, true
}

// RateLimitSkippedError is returned when a rate-limit strategy answers
// Skip: unlike Wait/Blocked, which leave the request queued for a later
// pass, a skip drops it synchronously rather than holding it for a
// condition that will never resolve on its own.
type RateLimitSkippedError struct {
	Provider string
	Model    string
}

func (e *RateLimitSkippedError) Error() string {
	return fmt.Sprintf("rate limit strategy skipped request for %s::%s", e.Provider, e.Model)
}
