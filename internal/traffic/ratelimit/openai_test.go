package ratelimit

import (
	"testing"
	"time"
)

// TestOpenAIStrategyBootstrapProbe covers the no-config, no-headers-yet
// bootstrap path: exactly one request is let through as a probe and
// further requests are held back until ProbeDelay elapses (or headers
// arrive).
func TestOpenAIStrategyBootstrapProbe(t *testing.T) {
	o := NewOpenAIStrategy()
	now := time.Now()

	d, _, err := o.Resolve(now, 100)
	if err != nil || d != nil {
		t.Fatalf("first call should probe through, got %v, %v", d, err)
	}

	d, _, err = o.Resolve(now, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Kind != Wait {
		t.Fatalf("second call before headers arrive should wait, got %v", d)
	}
	if d.WakeUpAt.Before(now.Add(ProbeDelay)) {
		t.Errorf("wake up too early: %v", d.WakeUpAt)
	}
}

// TestOpenAIStrategyStaticTokenWindowBootstrap exercises scenario S8: a
// route statically configured with requestsPerMinute=0, tokensPerMinute=2
// (RPM unbounded, TPM fixed) lets the first request dispatch immediately —
// anchoring the token window's resetAt to that dispatch time — and blocks
// a second, budget-exceeding request until 60s + ProbeDelay past it.
func TestOpenAIStrategyStaticTokenWindowBootstrap(t *testing.T) {
	o := NewOpenAIStrategyWithLimits(0, 2)
	dispatchedAt := time.Now()

	d, reserved, err := o.Resolve(dispatchedAt, 1)
	if err != nil || d != nil {
		t.Fatalf("expected the first request to dispatch immediately, got %v, %v", d, err)
	}
	if reserved != 1 {
		t.Errorf("reserved = %d, want 1", reserved)
	}

	later := dispatchedAt.Add(time.Second)
	d, _, err = o.Resolve(later, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := dispatchedAt.Add(time.Minute).Add(ProbeDelay)
	if d == nil || d.Kind != Wait || !d.WakeUpAt.Equal(want) {
		t.Fatalf("expected Wait until %v (60s + ProbeDelay past first dispatch), got %v", want, d)
	}
}

func TestOpenAIStrategyDualWindowBlocking(t *testing.T) {
	o := NewOpenAIStrategy()
	now := time.Now()

	o.UpdateFromHeaders(now, SingleMapHeaders{
		HeaderLimitRequests:     "100",
		HeaderRemainingRequests: "100",
		HeaderResetRequests:     "1m",
		HeaderLimitTokens:       "1000",
		HeaderRemainingTokens:   "50",
		HeaderResetTokens:       "1m",
	})

	// Token window only has 50 remaining; a 100-token request should block
	// on the token window even though the request window is wide open, and
	// the request-window reservation taken speculatively must be released.
	d, _, err := o.Resolve(now, 100)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Kind != Wait {
		t.Fatalf("expected token window to block, got %v", d)
	}
	if o.rpm.reserved != 0 {
		t.Errorf("rpm reservation not released after tpm block: reserved = %d, want 0", o.rpm.reserved)
	}
	if o.rpm.remaining != 100 {
		t.Errorf("rpm remaining should stay header-confirmed (untouched by local consumption): got %d, want 100", o.rpm.remaining)
	}

	// A request within the token budget proceeds and spends both windows.
	d, reserved, err := o.Resolve(now, 50)
	if err != nil || d != nil {
		t.Fatalf("expected proceed for request within budget, got %v, %v", d, err)
	}
	if reserved != 50 {
		t.Errorf("reserved = %d, want 50", reserved)
	}
	if o.rpm.reserved != 1 {
		t.Errorf("rpm reserved = %d, want 1 (one request in flight)", o.rpm.reserved)
	}
	if o.tpm.remaining != 0 {
		t.Errorf("tpm remaining = %d, want 0", o.tpm.remaining)
	}
}

func TestOpenAIStrategyUpdateFromHeadersReportsTighterWindow(t *testing.T) {
	o := NewOpenAIStrategy()
	now := time.Now()

	result, err := o.UpdateFromHeaders(now, SingleMapHeaders{
		HeaderLimitRequests:     "100",
		HeaderRemainingRequests: "90",
		HeaderResetRequests:     "1m",
		HeaderLimitTokens:       "1000",
		HeaderRemainingTokens:   "5",
		HeaderResetTokens:       "1m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Remaining != 5 {
		t.Errorf("expected tpm (tighter) reported, got remaining=%d", result.Remaining)
	}
}
