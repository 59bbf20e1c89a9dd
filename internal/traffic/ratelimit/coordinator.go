package ratelimit

import "time"

// StrategyFactory builds the Strategy a previously-unseen route key should
// use. Called at most once per route key; the Coordinator caches the
// result for the lifetime of the process.
type StrategyFactory func(routeKey string) Strategy

// Reservation is an opaque receipt handed back by Resolve on a Proceed
// decision. Callers carry it through dispatch and pass it back to
// OnDispatch/OnComplete/RecordUsage; its fields have no meaning outside
// this package.
type Reservation struct {
	routeKey        string
	primary         int
	fallback        int
	hasReservation  bool
}

type routeState struct {
	strategy Strategy
	fallback *TokenBucketStrategy
}

// Coordinator (C4) owns one Strategy per route key and layers an optional
// fallback token bucket over any strategy that doesn't itself enforce a
// token budget (HandlesTokenLimits() == false), so every route gets at
// least coarse token-aware pacing even against providers that expose no
// token headers at all.
type Coordinator struct {
	factory StrategyFactory
	routes  map[string]*routeState

	fallbackCapacity    int
	fallbackRefillPerSecond float64
}

// NewCoordinator builds a Coordinator. fallbackCapacity <= 0 disables the
// fallback token bucket overlay entirely (routes rely solely on whatever
// their primary strategy enforces).
func NewCoordinator(factory StrategyFactory, fallbackCapacity int, fallbackRefillPerSecond float64) *Coordinator {
	return &Coordinator{
		factory:                 factory,
		routes:                  make(map[string]*routeState),
		fallbackCapacity:        fallbackCapacity,
		fallbackRefillPerSecond: fallbackRefillPerSecond,
	}
}

func (c *Coordinator) getOrCreate(routeKey string) *routeState {
	if rs, ok := c.routes[routeKey]; ok {
		return rs
	}
	strat := c.factory(routeKey)
	rs := &routeState{strategy: strat}
	if !strat.HandlesTokenLimits() && c.fallbackCapacity > 0 {
		rs.fallback = newTokenAwareBucket(c.fallbackCapacity, c.fallbackRefillPerSecond)
	}
	c.routes[routeKey] = rs
	return rs
}

// Resolve evaluates the route's primary strategy and, if it proceeds, the
// fallback overlay. A non-nil Decision means the caller must wait (or is
// blocked/skipped); any reservation already made by the primary strategy
// is released before returning so a blocked attempt never leaks a hold.
func (c *Coordinator) Resolve(routeKey string, now time.Time, estimatedTokens int) (*Decision, Reservation, error) {
	rs := c.getOrCreate(routeKey)

	decision, primaryReserved, err := rs.strategy.Resolve(now, estimatedTokens)
	if err != nil {
		return nil, Reservation{}, err
	}
	if decision != nil {
		return decision, Reservation{}, nil
	}

	if rs.fallback == nil {
		return nil, Reservation{routeKey: routeKey, primary: primaryReserved, hasReservation: true}, nil
	}

	fDecision, fReserved, err := rs.fallback.Resolve(now, estimatedTokens)
	if err != nil {
		rs.strategy.OnComplete(primaryReserved)
		return nil, Reservation{}, err
	}
	if fDecision != nil {
		rs.strategy.OnComplete(primaryReserved)
		return fDecision, Reservation{}, nil
	}
	return nil, Reservation{routeKey: routeKey, primary: primaryReserved, fallback: fReserved, hasReservation: true}, nil
}

func (c *Coordinator) OnDispatch(res Reservation) {
	rs := c.lookup(res)
	if rs == nil {
		return
	}
	rs.strategy.OnDispatch()
	if rs.fallback != nil {
		rs.fallback.OnDispatch()
	}
}

func (c *Coordinator) OnComplete(res Reservation) {
	rs := c.lookup(res)
	if rs == nil {
		return
	}
	rs.strategy.OnComplete(res.primary)
	if rs.fallback != nil {
		rs.fallback.OnComplete(res.fallback)
	}
}

func (c *Coordinator) RecordUsage(res Reservation, actualTotalTokens int) {
	rs := c.lookup(res)
	if rs == nil {
		return
	}
	rs.strategy.RecordUsage(actualTotalTokens, res.primary)
	if rs.fallback != nil {
		rs.fallback.RecordUsage(actualTotalTokens, res.fallback)
	}
}

func (c *Coordinator) lookup(res Reservation) *routeState {
	if !res.hasReservation {
		return nil
	}
	return c.routes[res.routeKey]
}

// UpdateFromHeaders forwards provider feedback to the named route's
// primary strategy (the fallback overlay, lacking headers of its own,
// never sees this).
func (c *Coordinator) UpdateFromHeaders(routeKey string, now time.Time, headers Headers) (*UpdateResult, error) {
	rs := c.getOrCreate(routeKey)
	return rs.strategy.UpdateFromHeaders(now, headers)
}

// EarliestWakeUp folds a newly observed wakeup time into the dispatcher's
// single pending timer — one timer for the whole controller, never one per
// route — returning whichever of cur/candidate is sooner. A zero cur means
// "no timer pending yet".
func EarliestWakeUp(cur time.Time, candidate time.Time) time.Time {
	if cur.IsZero() || candidate.Before(cur) {
		return candidate
	}
	return cur
}
