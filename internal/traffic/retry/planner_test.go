package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type statusError struct {
	code int
}

func (e *statusError) Error() string  { return "status error" }
func (e *statusError) StatusCode() int { return e.code }

type retryAfterError struct {
	statusError
	after time.Duration
}

func (e *retryAfterError) RetryAfter() (time.Duration, bool) { return e.after, true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ReasonUndefined},
		{"status coder 429", &statusError{code: 429}, ReasonRateLimit},
		{"status coder 503", &statusError{code: 503}, ReasonServerError},
		{"status coder 400 unclassified", &statusError{code: 400}, ReasonUndefined},
		{"deadline exceeded", context.DeadlineExceeded, ReasonTimeout},
		{"wrapped deadline exceeded", errOf("call failed", context.DeadlineExceeded), ReasonTimeout},
		{"string 429", errors.New("received 429 too many requests"), ReasonRateLimit},
		{"string rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"string timeout", errors.New("request timeout"), ReasonTimeout},
		{"string 503", errors.New("upstream returned 503"), ReasonServerError},
		{"string connection refused", errors.New("dial tcp: connection refused"), ReasonServerError},
		{"string unclassified", errors.New("invalid api key"), ReasonUndefined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func errOf(msg string, err error) error {
	return &wrapped{msg: msg, inner: err}
}

type wrapped struct {
	msg   string
	inner error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.inner }

func TestPlannerMaxAttemptsPerReason(t *testing.T) {
	p := New(DefaultConfig())
	err := &statusError{code: 429}

	plan := p.Plan(err, 4, "route", "openai")
	if !plan.Retry {
		t.Fatal("expected retry below max attempts (5) for rate limit")
	}
	plan = p.Plan(err, 5, "route", "openai")
	if plan.Retry {
		t.Fatal("expected no retry once attempt reaches max attempts")
	}
}

func TestPlannerUndefinedNeverRetried(t *testing.T) {
	p := New(DefaultConfig())
	plan := p.Plan(errors.New("invalid api key"), 1, "route", "openai")
	if plan.Retry {
		t.Fatal("an unclassified error must never be retried")
	}
}

func TestPlannerBackoffGrowsAndCaps(t *testing.T) {
	policy := Policy{
		MaxAttempts:    map[Reason]int{ReasonServerError: 10},
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		JitterFraction: 0,
	}
	p := New(Config{Default: policy})
	err := &statusError{code: 500}

	d1 := p.Plan(err, 1, "r", "p").Delay
	d2 := p.Plan(err, 2, "r", "p").Delay
	if d2 <= d1 {
		t.Errorf("expected backoff to grow: d1=%v d2=%v", d1, d2)
	}
	d9 := p.Plan(err, 9, "r", "p").Delay
	if d9 > policy.BackoffMax {
		t.Errorf("expected backoff capped at %v, got %v", policy.BackoffMax, d9)
	}
}

// TestPlannerHonorsRetryAfter checks that a provider's explicit
// Retry-After, when larger than the computed backoff, wins.
func TestPlannerHonorsRetryAfter(t *testing.T) {
	policy := Policy{
		MaxAttempts:    map[Reason]int{ReasonRateLimit: 5},
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     time.Second,
		JitterFraction: 0,
	}
	p := New(Config{Default: policy})
	err := &retryAfterError{statusError: statusError{code: 429}, after: 5 * time.Second}

	plan := p.Plan(err, 1, "r", "p")
	if !plan.Retry {
		t.Fatal("expected retry")
	}
	if plan.Delay != 5*time.Second {
		t.Errorf("expected Retry-After to win over computed backoff, got delay = %v", plan.Delay)
	}
}

func TestPlannerByRouteOverridesByProviderOverridesDefault(t *testing.T) {
	routePolicy := Policy{MaxAttempts: map[Reason]int{ReasonServerError: 1}, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}
	providerPolicy := Policy{MaxAttempts: map[Reason]int{ReasonServerError: 2}, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}
	cfg := Config{
		Default:    DefaultPolicy(),
		ByProvider: map[string]Policy{"openai": providerPolicy},
		ByRoute:    map[string]Policy{"openai::gpt-4": routePolicy},
	}
	p := New(cfg)
	err := &statusError{code: 500}

	if got := p.policyFor("openai::gpt-4", "openai"); got.MaxAttempts[ReasonServerError] != 1 {
		t.Errorf("expected route-specific policy to win, got %d", got.MaxAttempts[ReasonServerError])
	}
	if got := p.policyFor("openai::gpt-3.5", "openai"); got.MaxAttempts[ReasonServerError] != 2 {
		t.Errorf("expected provider policy for an unmatched route, got %d", got.MaxAttempts[ReasonServerError])
	}

	plan := p.Plan(err, 1, "openai::gpt-4", "openai")
	if plan.Retry {
		t.Error("route policy caps server-error retries at 1 attempt, should not retry at attempt 1")
	}
}
