package ratelimit

import "time"

// subWindow tracks one rolling (limit, remaining, resetAt) counter plus a
// pacing cursor, and enforces same-window monotonicity: within a window,
// remaining only moves down and resetAt only moves up. It is the shared
// engine behind both WindowStrategy's single request-counter and the
// OpenAI dual-window strategy's RPM/TPM counters (openai.go).
//
// For the request window, remaining reflects the last header-confirmed
// count; tryConsume never touches it. The token window is different:
// tryConsumeTokens debits remaining directly, and OpenAIStrategy's
// OnComplete/RecordUsage credit or debit it. reserved separately tracks locally-spent, not-yet
// header-confirmed units — requests currently in flight or just
// dispatched — and is what tryConsume's exhaustion/blocked/probe
// decision actually operates against.
type subWindow struct {
	initialized   bool
	limit         int
	remaining     int
	reserved      int
	resetAt       time.Time
	nextAllowedAt time.Time
}

// tryConsume runs the default window's resolve algorithm: if there's room
// net of what's already reserved, spend cost and proceed. Otherwise, wait
// until resetAt+ProbeDelay; once that probe time has passed, either block
// (something is still in flight that may refresh state via headers) or —
// if nothing is in flight — let exactly one request through to refresh
// state itself.
func (s *subWindow) tryConsume(now time.Time, cost int) *Decision {
	if !s.initialized {
		return nil
	}
	if now.Before(s.nextAllowedAt) {
		return &Decision{Kind: Wait, WakeUpAt: s.nextAllowedAt}
	}
	if s.remaining-s.reserved > ExhaustionBuffer {
		s.reserved += cost
		s.nextAllowedAt = now.Add(s.pacedInterval(now, cost))
		return nil
	}
	probeAt := s.resetAt.Add(ProbeDelay)
	if now.Before(probeAt) {
		return &Decision{Kind: Wait, WakeUpAt: probeAt}
	}
	if s.reserved > 0 {
		return &Decision{Kind: Blocked}
	}
	s.reserved += cost
	s.nextAllowedAt = now.Add(s.pacedInterval(now, cost))
	return nil
}

// tryConsumeTokens runs the OpenAI token-window's resolve algorithm: the
// request proceeds iff its cost fits in what's currently known to be
// remaining, decrementing remaining directly — there is no
// reserved/blocked distinction for the token window, an exhausted budget
// simply waits for the next probe window.
func (s *subWindow) tryConsumeTokens(now time.Time, cost int) *Decision {
	if !s.initialized {
		return nil
	}
	if cost <= s.remaining {
		s.remaining -= cost
		return nil
	}
	return &Decision{Kind: Wait, WakeUpAt: s.resetAt.Add(ProbeDelay)}
}

// releaseReserved undoes a reservation made by tryConsume once the
// corresponding request has completed (or been abandoned), never letting
// reserved go negative.
func (s *subWindow) releaseReserved(cost int) {
	s.reserved -= cost
	if s.reserved < 0 {
		s.reserved = 0
	}
}

// refund gives back units released by OnComplete/RecordUsage, capped at
// the window's limit.
func (s *subWindow) refund(amount int) {
	if amount <= 0 {
		return
	}
	s.remaining += amount
	if s.remaining > s.limit {
		s.remaining = s.limit
	}
}

func (s *subWindow) pacedInterval(now time.Time, cost int) time.Duration {
	effective := s.remaining - s.reserved
	if effective <= 0 || s.resetAt.IsZero() || !s.resetAt.After(now) {
		return MinPaceInterval
	}
	left := s.resetAt.Sub(now)
	units := effective / cost
	if units <= 0 {
		units = 1
	}
	interval := left / time.Duration(units)
	if interval < MinPaceInterval {
		interval = MinPaceInterval
	}
	return interval
}

func (s *subWindow) sameWindow(resetAt time.Time) bool {
	if resetAt.IsZero() || s.resetAt.IsZero() {
		return true
	}
	diff := resetAt.Sub(s.resetAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= NextAllowedUpdateThreshold
}

// update applies a header observation, honoring same-window monotonicity,
// and reports whether anything was known at all (false means the caller
// supplied no relevant headers and the window is unchanged).
func (s *subWindow) update(now time.Time, hasLimit bool, limit int, hasRemaining bool, remaining int, hasReset bool, resetAt time.Time) bool {
	if !hasLimit && !hasRemaining && !hasReset {
		return false
	}
	switch {
	case !s.initialized:
		s.limit, s.remaining, s.resetAt = limit, remaining, resetAt
		s.initialized = true
	case s.sameWindow(resetAt):
		if hasLimit {
			s.limit = limit
		}
		if hasRemaining && remaining < s.remaining {
			s.remaining = remaining
		}
		if !resetAt.IsZero() && resetAt.After(s.resetAt) {
			s.resetAt = resetAt
		}
	default:
		if hasLimit {
			s.limit = limit
		}
		if hasRemaining {
			s.remaining = remaining
		}
		if hasReset {
			s.resetAt = resetAt
		}
	}
	s.nextAllowedAt = time.Time{}
	return true
}

// WindowStrategy is the default request-count strategy (C3.1): a single
// rolling request window plus a pacing cursor so the whole remaining
// allowance isn't burst-dispatched the instant a window refills.
//
// WindowStrategy carries no internal locking. Like every Strategy
// implementation it is only ever touched from the dispatcher's single
// goroutine — concurrent access is not a supported use.
type WindowStrategy struct {
	w subWindow
}

// NewWindowStrategy returns a strategy with no known limit yet. Until the
// first header update arrives, Resolve always proceeds — contrast with
// OpenAI's bootstrap-probe in openai.go.
func NewWindowStrategy() *WindowStrategy {
	return &WindowStrategy{}
}

func (w *WindowStrategy) Resolve(now time.Time, _ int) (*Decision, int, error) {
	return w.w.tryConsume(now, 1), 0, nil
}

func (w *WindowStrategy) OnDispatch()                           {}
func (w *WindowStrategy) OnComplete(reservedTokens int)         { w.w.releaseReserved(1) }
func (w *WindowStrategy) RecordUsage(actualTotal, reserved int) {}
func (w *WindowStrategy) HandlesTokenLimits() bool              { return false }

func (w *WindowStrategy) UpdateFromHeaders(now time.Time, headers Headers) (*UpdateResult, error) {
	limit, hasLimit := getInt(headers, HeaderLimitRequests)
	remaining, hasRemaining := getInt(headers, HeaderRemainingRequests)
	resetRaw, hasReset := headers.Get(HeaderResetRequests)

	var resetAt time.Time
	if hasReset {
		if d, ok := ParseCompoundDuration(resetRaw); ok {
			resetAt = now.Add(d)
		} else {
			hasReset = false
		}
	}

	updated := w.w.update(now, hasLimit, limit, hasRemaining, remaining, hasReset, resetAt)

	// retry-after stands alone: even with no limit/remaining/reset headers
	// present, it still extends resetAt and nextAllowedAt.
	if retryAfter, ok := headers.Get(HeaderRetryAfter); ok {
		if d, ok := ParseRetryAfter(retryAfter, now); ok {
			wake := now.Add(d)
			if wake.After(w.w.resetAt) {
				w.w.resetAt = wake
			}
			if wake.After(w.w.nextAllowedAt) {
				w.w.nextAllowedAt = wake
			}
			w.w.initialized = true
			updated = true
		}
	}

	if !updated {
		return nil, nil
	}
	return &UpdateResult{Limit: w.w.limit, Remaining: w.w.remaining, ResetAt: w.w.resetAt}, nil
}
