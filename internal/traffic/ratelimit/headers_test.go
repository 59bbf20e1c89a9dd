package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseCompoundDuration(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
		ok   bool
	}{
		{"plain seconds", "30s", 30 * time.Second, true},
		{"milliseconds only", "500ms", 500 * time.Millisecond, true},
		{"compound minutes seconds", "1m30.951s", time.Minute + 30951*time.Millisecond, true},
		{"ms before m disambiguation", "30ms", 30 * time.Millisecond, true},
		{"days", "1d", 24 * time.Hour, true},
		{"empty", "", 0, false},
		{"bare number no unit", "30", 0, false},
		{"trailing garbage", "30s!!", 0, false},
		{"unknown unit", "30x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCompoundDuration(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("integer seconds", func(t *testing.T) {
		got, ok := ParseRetryAfter("30", now)
		if !ok || got != 30*time.Second {
			t.Errorf("got %v, %v", got, ok)
		}
	})

	t.Run("negative seconds clamp to zero", func(t *testing.T) {
		got, ok := ParseRetryAfter("-5", now)
		if !ok || got != 0 {
			t.Errorf("got %v, %v", got, ok)
		}
	})

	t.Run("http-date in the future", func(t *testing.T) {
		future := now.Add(2 * time.Minute)
		got, ok := ParseRetryAfter(future.UTC().Format(http.TimeFormat), now)
		if !ok {
			t.Fatal("expected ok")
		}
		if got < 119*time.Second || got > 121*time.Second {
			t.Errorf("got %v, want ~2m", got)
		}
	})

	t.Run("http-date in the past clamps to zero", func(t *testing.T) {
		past := now.Add(-2 * time.Minute)
		got, ok := ParseRetryAfter(past.UTC().Format(http.TimeFormat), now)
		if !ok || got != 0 {
			t.Errorf("got %v, %v", got, ok)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		_, ok := ParseRetryAfter("not-a-date", now)
		if ok {
			t.Error("expected not ok")
		}
	})
}

func TestMapHeadersCaseInsensitive(t *testing.T) {
	h := MapHeaders{"X-RateLimit-Limit-Requests": {"100"}}
	v, ok := h.Get("x-ratelimit-limit-requests")
	if !ok || v != "100" {
		t.Errorf("got %v, %v", v, ok)
	}
	if _, ok := h.Get("missing"); ok {
		t.Error("expected not found")
	}
}

func TestSingleMapHeaders(t *testing.T) {
	h := SingleMapHeaders{"Retry-After": "30"}
	v, ok := h.Get("retry-after")
	if !ok || v != "30" {
		t.Errorf("got %v, %v", v, ok)
	}
}
