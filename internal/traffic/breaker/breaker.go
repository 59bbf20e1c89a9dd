// Package breaker implements the circuit breaker state machine (C6) that
// gates a single (provider, model) route. Fallback-chain navigation —
// walking candidate routes and deciding which to try next — lives in the
// dispatcher, which owns the caller-supplied CreateFallbackRequest hook;
// this package only ever answers "is this one route open right now" and
// records outcomes against it.
//
// Grounded on the closed/open/half-open shape and rolling-window counting
// of a production DB-backed circuit breaker, adapted to run entirely
// in-process (no persistence, no cross-process cache) since the traffic
// controller's state lives for the process lifetime only.
package breaker

import "time"

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// FailureKind distinguishes an upstream error from a timeout; each is
// counted against its own rolling-window threshold so a route that's slow
// but not erroring (or vice versa) trips for the right reason.
type FailureKind int

const (
	KindError FailureKind = iota
	KindTimeout
)

// Config bounds one route's circuit. Thresholds are counts of events
// within Window; the breaker opens the moment either threshold is
// reached.
type Config struct {
	FailureThreshold int
	TimeoutThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultConfig is a conservative starting point (5 failures / 30s window,
// 60s open-state cooldown before probing), extended with an independent
// timeout threshold.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		TimeoutThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         60 * time.Second,
	}
}

type routeCircuit struct {
	state       State
	failures    []time.Time
	timeouts    []time.Time
	openedAt    time.Time
	halfOpenBusy bool
}

// Breaker owns one routeCircuit per route key. Like the other traffic
// subpackages it is mutated only from the dispatcher's single goroutine.
type Breaker struct {
	cfg    Config
	routes map[string]*routeCircuit
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, routes: make(map[string]*routeCircuit)}
}

func (b *Breaker) get(routeKey string) *routeCircuit {
	rc, ok := b.routes[routeKey]
	if !ok {
		rc = &routeCircuit{}
		b.routes[routeKey] = rc
	}
	return rc
}

// Allow reports whether a request may be attempted on routeKey right now,
// and the resulting status string (closed/open/half_open) to stamp on the
// request for observability. In the half-open state only one probe may be
// in flight at a time; further callers are held back until that probe
// settles via RecordSuccess/RecordFailure.
func (b *Breaker) Allow(routeKey string, now time.Time) (bool, string) {
	rc := b.get(routeKey)
	switch rc.state {
	case Closed:
		return true, Closed.String()
	case Open:
		if now.Sub(rc.openedAt) < b.cfg.Cooldown {
			return false, Open.String()
		}
		rc.state = HalfOpen
		rc.halfOpenBusy = false
		fallthrough
	case HalfOpen:
		if rc.halfOpenBusy {
			return false, HalfOpen.String()
		}
		rc.halfOpenBusy = true
		return true, HalfOpen.String()
	default:
		return true, Closed.String()
	}
}

// Status reports the route's current state without mutating it (cooldown
// expiry is only evaluated by Allow, since a no-op status read must not
// itself transition the circuit).
func (b *Breaker) Status(routeKey string) string {
	rc, ok := b.routes[routeKey]
	if !ok {
		return Closed.String()
	}
	return rc.state.String()
}

// NextProbeAt reports when an open route becomes eligible for a
// half-open probe, so the dispatcher can schedule its single wakeup timer
// instead of relying on the next unrelated event to re-check the route.
func (b *Breaker) NextProbeAt(routeKey string) (time.Time, bool) {
	rc, ok := b.routes[routeKey]
	if !ok || rc.state != Open {
		return time.Time{}, false
	}
	return rc.openedAt.Add(b.cfg.Cooldown), true
}

// RecordSuccess closes a half-open probe (transitioning to Closed and
// clearing history) or, in the closed state, just prunes expired window
// entries.
func (b *Breaker) RecordSuccess(routeKey string, now time.Time) {
	rc := b.get(routeKey)
	if rc.state == HalfOpen {
		rc.state = Closed
		rc.failures = nil
		rc.timeouts = nil
		rc.halfOpenBusy = false
		return
	}
	rc.failures = pruneWindow(rc.failures, now, b.cfg.Window)
	rc.timeouts = pruneWindow(rc.timeouts, now, b.cfg.Window)
}

// RecordFailure records a failed attempt. An ineligible failure (one the
// caller didn't classify as 429/5xx/timeout) never counts toward a
// threshold — and it deletes whatever circuit state already accumulated
// for the route, an optimistic close, rather than merely being ignored.
// A half-open probe failing (eligible) reopens the circuit immediately
// and restarts the cooldown; only errors the caller marks eligible count
// toward the closed-state threshold.
func (b *Breaker) RecordFailure(routeKey string, kind FailureKind, eligible bool, now time.Time) {
	if !eligible {
		delete(b.routes, routeKey)
		return
	}
	rc := b.get(routeKey)
	if rc.state == HalfOpen {
		rc.state = Open
		rc.openedAt = now
		rc.halfOpenBusy = false
		return
	}
	switch kind {
	case KindTimeout:
		rc.timeouts = append(pruneWindow(rc.timeouts, now, b.cfg.Window), now)
	default:
		rc.failures = append(pruneWindow(rc.failures, now, b.cfg.Window), now)
	}
	if len(rc.failures) >= b.cfg.FailureThreshold || len(rc.timeouts) >= b.cfg.TimeoutThreshold {
		rc.state = Open
		rc.openedAt = now
	}
}

func pruneWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
