package ratelimit

import (
	"testing"
	"time"
)

func TestWindowStrategyProceedsBeforeAnyHeaders(t *testing.T) {
	w := NewWindowStrategy()
	now := time.Now()
	for i := 0; i < 5; i++ {
		d, _, err := w.Resolve(now, 0)
		if err != nil || d != nil {
			t.Fatalf("iteration %d: expected proceed, got %v, %v", i, d, err)
		}
	}
}

func TestWindowStrategyBlocksWhenExhausted(t *testing.T) {
	w := NewWindowStrategy()
	now := time.Now()
	headers := SingleMapHeaders{
		HeaderLimitRequests:     "2",
		HeaderRemainingRequests: "1",
		HeaderResetRequests:     "1m",
	}
	if _, err := w.UpdateFromHeaders(now, headers); err != nil {
		t.Fatal(err)
	}

	d, _, err := w.Resolve(now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("expected proceed with remaining=1, got %v", d)
	}

	d, _, err = w.Resolve(now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Kind != Wait {
		t.Fatalf("expected Wait after exhausting remaining, got %v", d)
	}
}

// TestWindowStrategySameWindowMonotonicity checks that within the same
// window, remaining must not increase and resetAt must not decrease, even
// if a later header observation would otherwise suggest it.
func TestWindowStrategySameWindowMonotonicity(t *testing.T) {
	w := NewWindowStrategy()
	now := time.Now()
	resetAt := now.Add(time.Minute)

	if _, err := w.UpdateFromHeaders(now, SingleMapHeaders{
		HeaderLimitRequests:     "100",
		HeaderRemainingRequests: "50",
		HeaderResetRequests:     "1m",
	}); err != nil {
		t.Fatal(err)
	}

	// A later header claiming MORE remaining in the same window (within
	// NextAllowedUpdateThreshold of the same resetAt) must not raise
	// remaining back up.
	later := now.Add(time.Second)
	result, err := w.UpdateFromHeaders(later, SingleMapHeaders{
		HeaderRemainingRequests: "80",
		HeaderResetRequests:     resetAt.Sub(later).String(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Remaining != 50 {
		t.Errorf("remaining went up within same window: got %d, want 50", result.Remaining)
	}

	// And resetAt must not move backward either, as long as the new
	// observation still falls within the same window (close to the
	// previously known resetAt).
	earlier := resetAt.Add(-100 * time.Millisecond)
	result, err = w.UpdateFromHeaders(later, SingleMapHeaders{
		HeaderResetRequests: earlier.Sub(later).String(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.ResetAt.Before(resetAt) {
		t.Errorf("resetAt moved backward: got %v, want >= %v", result.ResetAt, resetAt)
	}
}

func TestWindowStrategyNewWindowResets(t *testing.T) {
	w := NewWindowStrategy()
	now := time.Now()
	w.UpdateFromHeaders(now, SingleMapHeaders{
		HeaderLimitRequests:     "100",
		HeaderRemainingRequests: "10",
		HeaderResetRequests:     "1m",
	})

	// A header far outside NextAllowedUpdateThreshold of the old resetAt
	// signals a genuinely new window, so values may move freely.
	muchLater := now.Add(5 * time.Minute)
	result, err := w.UpdateFromHeaders(muchLater, SingleMapHeaders{
		HeaderLimitRequests:     "100",
		HeaderRemainingRequests: "99",
		HeaderResetRequests:     "1m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Remaining != 99 {
		t.Errorf("expected new window to accept remaining=99, got %d", result.Remaining)
	}
}
