package ratelimit

import "time"

// openAIWindow is the window duration implied by the "per-minute" header
// family (x-ratelimit-limit-requests / -tokens) and by statically
// configured requestsPerMinute/tokensPerMinute: once a window is known to
// be active but has never had a resetAt confirmed by either a header or a
// prior local consumption, it's assumed to roll over one minute after
// first use.
const openAIWindow = time.Minute

// OpenAIStrategy (C3.3) is the dual-window strategy for providers that
// report separate requests-per-minute and tokens-per-minute budgets (the
// x-ratelimit-* header family). Before either window has ever been
// observed — whether by a header or by static config — it uses
// bootstrap-probe semantics: exactly one request is let through to elicit
// the provider's first response headers, and further requests are held
// back for ProbeDelay (or until headers land, whichever is first) rather
// than assumed unlimited — unlike WindowStrategy, which treats silence as
// no restriction. This matters because OpenAI-style providers are known
// to enforce both windows from the first call, so an optimistic burst
// would very likely draw an immediate 429.
type OpenAIStrategy struct {
	rpm subWindow
	tpm subWindow

	probed  bool
	probeAt time.Time
}

// NewOpenAIStrategy returns a strategy with no known limit yet, falling
// back to bootstrap-probe semantics until the first header update arrives.
func NewOpenAIStrategy() *OpenAIStrategy {
	return &OpenAIStrategy{}
}

// NewOpenAIStrategyWithLimits pre-seeds the RPM and/or TPM windows from
// static route configuration rather than waiting for response headers. A
// zero value leaves the corresponding window unseeded: it does not limit
// dispatch at all until a header update initializes it, and the
// single-probe bootstrap does not apply once the other window is seeded.
// This lets a route statically declare only the window it actually cares
// about, e.g. an unbounded request rate with a fixed token budget.
func NewOpenAIStrategyWithLimits(requestsPerMinute, tokensPerMinute int) *OpenAIStrategy {
	o := &OpenAIStrategy{}
	if requestsPerMinute > 0 {
		o.rpm = subWindow{initialized: true, limit: requestsPerMinute, remaining: requestsPerMinute}
	}
	if tokensPerMinute > 0 {
		o.tpm = subWindow{initialized: true, limit: tokensPerMinute, remaining: tokensPerMinute}
	}
	return o
}

func (o *OpenAIStrategy) bootstrapped() bool {
	return o.rpm.initialized || o.tpm.initialized
}

func (o *OpenAIStrategy) Resolve(now time.Time, estimatedTokens int) (*Decision, int, error) {
	cost := estimatedTokens
	if cost <= 0 {
		cost = 1
	}

	if !o.bootstrapped() {
		if !o.probed || !now.Before(o.probeAt.Add(ProbeDelay)) {
			o.probed = true
			o.probeAt = now
			return nil, cost, nil
		}
		return &Decision{Kind: Wait, WakeUpAt: o.probeAt.Add(ProbeDelay)}, 0, nil
	}

	// A window seeded from static config rather than a header carries no
	// resetAt until it's actually used; anchor its minute-window rollover
	// to the moment of first use.
	if o.rpm.initialized && o.rpm.resetAt.IsZero() {
		o.rpm.resetAt = now.Add(openAIWindow)
	}
	if o.tpm.initialized && o.tpm.resetAt.IsZero() {
		o.tpm.resetAt = now.Add(openAIWindow)
	}

	prevNextAllowedAt := o.rpm.nextAllowedAt
	if d := o.rpm.tryConsume(now, 1); d != nil {
		return d, 0, nil
	}
	if d := o.tpm.tryConsumeTokens(now, cost); d != nil {
		// The request-window reservation taken above never dispatches;
		// release it rather than refunding remaining, which tryConsume
		// never touched, and undo the pacing step it took.
		o.rpm.releaseReserved(1)
		o.rpm.nextAllowedAt = prevNextAllowedAt
		return d, 0, nil
	}
	return nil, cost, nil
}

func (o *OpenAIStrategy) OnDispatch() {}

func (o *OpenAIStrategy) OnComplete(reservedTokens int) {
	o.rpm.releaseReserved(1)
	o.tpm.refund(reservedTokens)
}

func (o *OpenAIStrategy) RecordUsage(actualTotalTokens int, reservedTokens int) {
	delta := reservedTokens - actualTotalTokens
	if delta > 0 {
		o.tpm.refund(delta)
	} else if delta < 0 {
		o.tpm.remaining += delta // charge the shortfall; may go negative, next Resolve will wait
	}
}

func (o *OpenAIStrategy) HandlesTokenLimits() bool { return true }

func (o *OpenAIStrategy) UpdateFromHeaders(now time.Time, headers Headers) (*UpdateResult, error) {
	rLimit, hasRLimit := getInt(headers, HeaderLimitRequests)
	rRemaining, hasRRemaining := getInt(headers, HeaderRemainingRequests)
	rResetRaw, hasRReset := headers.Get(HeaderResetRequests)

	tLimit, hasTLimit := getInt(headers, HeaderLimitTokens)
	tRemaining, hasTRemaining := getInt(headers, HeaderRemainingTokens)
	tResetRaw, hasTReset := headers.Get(HeaderResetTokens)

	var rResetAt, tResetAt time.Time
	if hasRReset {
		if d, ok := ParseCompoundDuration(rResetRaw); ok {
			rResetAt = now.Add(d)
		} else {
			hasRReset = false
		}
	}
	if hasTReset {
		if d, ok := ParseCompoundDuration(tResetRaw); ok {
			tResetAt = now.Add(d)
		} else {
			hasTReset = false
		}
	}

	rChanged := o.rpm.update(now, hasRLimit, rLimit, hasRRemaining, rRemaining, hasRReset, rResetAt)
	tChanged := o.tpm.update(now, hasTLimit, tLimit, hasTRemaining, tRemaining, hasTReset, tResetAt)

	// retry-after applies to whichever window is currently constraining
	// dispatch; since a 429 doesn't say which budget was hit, extend both.
	if retryAfter, ok := headers.Get(HeaderRetryAfter); ok {
		if d, ok := ParseRetryAfter(retryAfter, now); ok {
			wake := now.Add(d)
			for _, w := range []*subWindow{&o.rpm, &o.tpm} {
				if wake.After(w.resetAt) {
					w.resetAt = wake
				}
				if wake.After(w.nextAllowedAt) {
					w.nextAllowedAt = wake
				}
				w.initialized = true
			}
			rChanged, tChanged = true, true
		}
	}

	if !rChanged && !tChanged {
		return nil, nil
	}

	// Report the tighter-looking window so observability reflects whichever
	// budget is actually constraining dispatch.
	result := &UpdateResult{Limit: o.rpm.limit, Remaining: o.rpm.remaining, ResetAt: o.rpm.resetAt}
	if o.tpm.initialized && (!o.rpm.initialized || o.tpm.remaining < o.rpm.remaining) {
		result = &UpdateResult{Limit: o.tpm.limit, Remaining: o.tpm.remaining, ResetAt: o.tpm.resetAt}
	}
	return result, nil
}
