package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// durationTokenRE matches one <number><unit> token of the compound duration
// grammar: unit ∈ {ms, s, m, h, d}. "ms" must be tried before "m" so
// "30ms" is not mis-split into "30m" + dangling "s".
var durationTokenRE = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|m|h|d)`)

var unitScale = map[string]float64{
	"ms": float64(time.Millisecond),
	"s":  float64(time.Second),
	"m":  float64(time.Minute),
	"h":  float64(time.Hour),
	"d":  float64(24 * time.Hour),
}

// ParseCompoundDuration parses the reset-header grammar: one or more
// <number><unit> tokens concatenated (e.g. "1m30.951s" -> 90951ms,
// "500ms" -> 500ms). A bare number (no unit) is rejected here — it is only
// meaningful for retry-after, handled by ParseRetryAfter. Trailing garbage
// after the last recognized token fails the whole parse rather than being
// silently truncated.
func ParseCompoundDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	var total float64
	matched := false
	for len(s) > 0 {
		loc := durationTokenRE.FindStringSubmatch(s)
		if loc == nil {
			return 0, false
		}
		n, err := strconv.ParseFloat(loc[1], 64)
		if err != nil {
			return 0, false
		}
		total += n * unitScale[loc[2]]
		s = s[len(loc[0]):]
		matched = true
	}
	if !matched {
		return 0, false
	}
	return time.Duration(total), true
}

// ParseRetryAfter parses a Retry-After header value: an integer number of
// seconds, or an HTTP-date. Returns the duration from now until the
// indicated time, clamped to zero under clock skew.
func ParseRetryAfter(s string, now time.Time) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(s); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// requestWindowHeaders / tokenWindowHeaders name the canonical header keys
// consumed by the default window and OpenAI dual-window strategies.
const (
	HeaderLimitRequests     = "x-ratelimit-limit-requests"
	HeaderRemainingRequests = "x-ratelimit-remaining-requests"
	HeaderResetRequests     = "x-ratelimit-reset-requests"
	HeaderLimitTokens       = "x-ratelimit-limit-tokens"
	HeaderRemainingTokens   = "x-ratelimit-remaining-tokens"
	HeaderResetTokens       = "x-ratelimit-reset-tokens"
	HeaderRetryAfter        = "retry-after"
)

func getInt(h Headers, name string) (int, bool) {
	v, ok := h.Get(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}
