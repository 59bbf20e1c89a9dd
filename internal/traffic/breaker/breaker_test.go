package breaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{FailureThreshold: 3, TimeoutThreshold: 3, Window: time.Minute, Cooldown: 10 * time.Second}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(testConfig())
	now := time.Now()

	for i := 0; i < 2; i++ {
		ok, status := b.Allow("r", now)
		if !ok || status != "closed" {
			t.Fatalf("iteration %d: expected closed/allow, got %v %q", i, ok, status)
		}
		b.RecordFailure("r", KindError, true, now)
	}
	if status := b.Status("r"); status != "closed" {
		t.Fatalf("expected still closed after 2 failures, got %q", status)
	}

	b.RecordFailure("r", KindError, true, now)
	if status := b.Status("r"); status != "open" {
		t.Fatalf("expected open after 3rd failure, got %q", status)
	}

	ok, status := b.Allow("r", now)
	if ok || status != "open" {
		t.Fatalf("expected open to reject, got %v %q", ok, status)
	}
}

func TestBreakerIneligibleFailuresDontCount(t *testing.T) {
	b := New(testConfig())
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.RecordFailure("r", KindError, false, now)
	}
	if status := b.Status("r"); status != "closed" {
		t.Fatalf("ineligible failures must never trip the breaker, got %q", status)
	}
}

func TestBreakerIneligibleFailureClearsAccumulatedState(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	now := time.Now()

	// Two eligible failures, one short of tripping the breaker.
	b.RecordFailure("r", KindError, true, now)
	b.RecordFailure("r", KindError, true, now)

	// An ineligible failure (e.g. an unclassified application error) must
	// optimistically close the route: it deletes the accumulated count
	// rather than merely being ignored.
	b.RecordFailure("r", KindError, false, now)

	for i := 0; i < 2; i++ {
		b.RecordFailure("r", KindError, true, now)
	}
	if status := b.Status("r"); status != "closed" {
		t.Fatalf("expected the ineligible failure to have cleared the prior 2 eligible failures, got %q after 2 more", status)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure("r", KindError, true, now)
	}
	if status := b.Status("r"); status != "open" {
		t.Fatalf("expected open, got %q", status)
	}

	// Still within cooldown.
	ok, status := b.Allow("r", now.Add(5*time.Second))
	if ok || status != "open" {
		t.Fatalf("expected still open within cooldown, got %v %q", ok, status)
	}

	// Cooldown elapsed: one probe allowed.
	probeTime := now.Add(cfg.Cooldown + time.Second)
	ok, status = b.Allow("r", probeTime)
	if !ok || status != "half_open" {
		t.Fatalf("expected half_open probe to be allowed, got %v %q", ok, status)
	}

	// A second caller in the same half-open window must be held back —
	// only one probe in flight.
	ok, status = b.Allow("r", probeTime)
	if ok {
		t.Fatal("expected second half-open caller to be rejected while a probe is in flight")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure("r", KindError, true, now)
	}
	probeTime := now.Add(cfg.Cooldown + time.Second)
	b.Allow("r", probeTime)
	b.RecordSuccess("r", probeTime)

	if status := b.Status("r"); status != "closed" {
		t.Fatalf("expected closed after successful probe, got %q", status)
	}
	ok, _ := b.Allow("r", probeTime)
	if !ok {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure("r", KindError, true, now)
	}
	probeTime := now.Add(cfg.Cooldown + time.Second)
	b.Allow("r", probeTime)
	b.RecordFailure("r", KindError, true, probeTime)

	if status := b.Status("r"); status != "open" {
		t.Fatalf("expected reopened after failed probe, got %q", status)
	}

	next, ok := b.NextProbeAt("r")
	if !ok || !next.Equal(probeTime.Add(cfg.Cooldown)) {
		t.Errorf("NextProbeAt = %v, %v; want %v, true", next, ok, probeTime.Add(cfg.Cooldown))
	}
}

func TestBreakerIndependentTimeoutThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100 // never trips on errors in this test
	b := New(cfg)
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure("r", KindTimeout, true, now)
	}
	if status := b.Status("r"); status != "open" {
		t.Fatalf("expected timeout threshold to trip independently, got %q", status)
	}
}

func TestBreakerWindowPruning(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	now := time.Now()
	b.RecordFailure("r", KindError, true, now)
	b.RecordFailure("r", KindError, true, now.Add(time.Second))

	// Both failures age out of the window; a 3rd failure long after should
	// not trip the breaker since the earlier two no longer count.
	later := now.Add(cfg.Window + time.Minute)
	b.RecordFailure("r", KindError, true, later)
	if status := b.Status("r"); status != "closed" {
		t.Fatalf("expected stale failures to be pruned, got %q", status)
	}
}

func TestBreakerNextProbeAtOnlyWhenOpen(t *testing.T) {
	b := New(testConfig())
	if _, ok := b.NextProbeAt("never-seen"); ok {
		t.Error("expected no probe time for an unknown route")
	}
}
