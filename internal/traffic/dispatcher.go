package traffic

import (
	"context"
	"errors"
	"time"

	"github.com/voltagent/trafficctl/internal/traffic/adaptive"
	"github.com/voltagent/trafficctl/internal/traffic/breaker"
	"github.com/voltagent/trafficctl/internal/traffic/concurrency"
	"github.com/voltagent/trafficctl/internal/traffic/ratelimit"
	"github.com/voltagent/trafficctl/internal/traffic/retry"
	"github.com/voltagent/trafficctl/internal/traffic/usage"
)

// dispatcher is the single-goroutine event loop (C10) that serializes
// every scheduling decision. All mutable state reachable from it —
// queues, timeout heap, concurrency counters, rate-limit windows, circuit
// state, adaptive penalties — is touched only here, so none of it needs
// locking. Callers only ever interact with it through events sent over
// d.events; the actual Execute calls run on their own goroutines and
// report back the same way.
type dispatcher struct {
	cfg Config

	queues   *priorityQueues
	timeouts *timeoutHeap

	limiter      *concurrency.Limiter
	coordinator  *ratelimit.Coordinator
	breaker      *breaker.Breaker
	adaptiveLim  *adaptive.Limiter
	retryPlanner *retry.Planner
	usageTracker *usage.Tracker

	active map[*Request]struct{}

	events chan any
	timer  *time.Timer
	doneCh chan struct{}
}

type submitEvent struct{ req *Request }

type completionEvent struct {
	req         *Request
	reservation ratelimit.Reservation
	result      any
	err         error
	startedAt   time.Time
}

type streamFailureEvent struct {
	req *Request
	err error
}

type headerUpdateResp struct {
	result *ratelimit.UpdateResult
	err    error
}

type headerUpdateEvent struct {
	routeKey string
	headers  ratelimit.Headers
	respCh   chan headerUpdateResp
}

type retryWakeEvent struct{ req *Request }

type statsEvent struct{ respCh chan Stats }

type usageEvent struct {
	tenantID string
	respCh   chan usage.Snapshot
}

type shutdownEvent struct{ done chan struct{} }

func newDispatcher(cfg Config) *dispatcher {
	cfg.applyDefaults()
	d := &dispatcher{
		cfg:      cfg,
		queues:   newPriorityQueues(),
		timeouts: newTimeoutHeap(),
		limiter: concurrency.NewLimiter(
			cfg.GlobalConcurrencyLimit,
			cfg.TenantConcurrencyLimit,
			cfg.RouteConcurrencyLimit,
			cfg.Logger,
		),
		coordinator:  ratelimit.NewCoordinator(cfg.StrategyFactory, cfg.FallbackTokenBucketCap, cfg.FallbackTokenBucketRefill),
		breaker:      breaker.New(cfg.BreakerConfig),
		adaptiveLim:  adaptive.New(cfg.AdaptiveBase, cfg.AdaptiveMax, cfg.AdaptiveMultiplier, cfg.AdaptiveDecayInterval),
		retryPlanner: retry.New(cfg.RetryConfig),
		usageTracker: usage.New(),
		active:       make(map[*Request]struct{}),
		events:       make(chan any, cfg.EventBufferSize),
		doneCh:       make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.doneCh)
	var timerC <-chan time.Time
	for {
		select {
		case ev := <-d.events:
			if d.handle(ev) {
				return
			}
		case <-timerC:
		}
		wake := d.dispatchPass(time.Now())
		timerC = d.armTimer(wake)
	}
}

func (d *dispatcher) handle(ev any) (stop bool) {
	now := time.Now()
	switch e := ev.(type) {
	case submitEvent:
		d.handleSubmit(e.req, now)
	case completionEvent:
		d.handleCompletion(e, now)
	case streamFailureEvent:
		d.handleStreamFailure(e, now)
	case headerUpdateEvent:
		d.handleHeaderUpdate(e, now)
	case retryWakeEvent:
		d.handleRetryWake(e.req, now)
	case statsEvent:
		e.respCh <- d.snapshotStats()
	case usageEvent:
		e.respCh <- d.usageTracker.Snapshot(e.tenantID)
	case shutdownEvent:
		d.handleShutdown(e)
		return true
	}
	return false
}

func (d *dispatcher) armTimer(wake time.Time) <-chan time.Time {
	if d.timer != nil {
		d.timer.Stop()
	}
	if wake.IsZero() {
		d.timer = nil
		return nil
	}
	delay := time.Until(wake)
	if delay <= 0 {
		delay = time.Millisecond
	}
	d.timer = time.NewTimer(delay)
	return d.timer.C
}

// dispatchPass sweeps expired queue waits, then walks each priority tier
// in order, dispatching every runnable request it can before moving on —
// a blocked head at one tier never stalls a runnable head at a lower
// tier.
func (d *dispatcher) dispatchPass(now time.Time) time.Time {
	var wake time.Time

	for _, req := range d.timeouts.Sweep(now) {
		d.queues.remove(req)
		waited := now.Sub(req.EnqueuedAt).Milliseconds()
		d.cfg.Observer.OnQueueTimeout(req.RateLimitKey, req.TenantID, req.Priority(), waited)
		req.reject(&QueueWaitTimeoutError{
			WaitedMs:       waited,
			MaxQueueWaitMs: req.MaxQueueWaitMs,
			DeadlineAt:     req.DeadlineAt,
		})
	}
	if t, ok := d.timeouts.Peek(now); ok {
		wake = ratelimit.EarliestWakeUp(wake, t)
	}

	for p := PriorityP0; int(p) < numPriorities; p++ {
		for {
			req := d.queues.peekFront(p)
			if req == nil {
				break
			}
			proceed, candidate, routeWake, err := d.evaluate(req, now)
			if err != nil {
				d.queues.popFront(p)
				d.timeouts.Invalidate(req)
				req.reject(err)
				continue
			}
			if !proceed {
				if !routeWake.IsZero() {
					wake = ratelimit.EarliestWakeUp(wake, routeWake)
				}
				break
			}
			d.queues.popFront(p)
			d.timeouts.Invalidate(req)
			d.dispatch(candidate, now)
		}
	}
	return wake
}

// evaluate runs one request through concurrency -> circuit breaker
// (walking the fallback chain as needed) -> adaptive penalty -> rate
// limit, in that order. It returns the Request that should actually be
// dispatched (which may be a fallback substitute for the queued one), a
// wake time to fold into the single dispatcher timer if the block is
// time-bounded, or an error if the request should be rejected outright.
func (d *dispatcher) evaluate(req *Request, now time.Time) (proceed bool, candidate *Request, wake time.Time, err error) {
	if d.limiter.BlockedGlobal() || d.limiter.BlockedTenant(req.TenantID) {
		return false, nil, time.Time{}, nil
	}

	candidate = req
	visited := make(map[string]bool)
	for {
		routeKey := d.cfg.RouteKeyBuilder(candidate.Metadata)
		candidate.RateLimitKey = routeKey
		allowed, status := d.breaker.Allow(routeKey, now)
		candidate.CircuitKey = routeKey
		candidate.CircuitStatus = status
		if allowed {
			break
		}
		visited[routeKey] = true

		var target *FallbackTarget
		if candidate.CreateFallbackRequest != nil {
			target = d.nextFallbackTarget(candidate, visited)
		}
		if target == nil {
			retryAfterMs := int64(0)
			if probeAt, ok := d.breaker.NextProbeAt(routeKey); ok {
				if left := probeAt.Sub(now); left > 0 {
					retryAfterMs = left.Milliseconds()
				}
			}
			return false, nil, time.Time{}, &CircuitBreakerOpenError{
				Provider:     candidate.Metadata.Provider,
				Model:        candidate.Metadata.Model,
				RetryAfterMs: retryAfterMs,
			}
		}

		next := candidate.CreateFallbackRequest(*target)
		if next == nil {
			visited[d.cfg.RouteKeyBuilder(Metadata{Provider: target.Provider, Model: target.Model})] = true
			continue
		}
		next.original = candidate.originOf()
		next.FallbackChain = candidate.FallbackChain
		next.CreateFallbackRequest = candidate.CreateFallbackRequest
		next.ctx = candidate.ctx
		next.resetForFallback()
		d.cfg.Observer.OnFallback(routeKey, d.cfg.RouteKeyBuilder(next.Metadata))
		candidate = next
	}

	routeKey := candidate.RateLimitKey
	if d.limiter.BlockedRoute(routeKey) {
		return false, nil, time.Time{}, nil
	}

	if blocked, until := d.adaptiveLim.Blocked(routeKey, candidate.TenantID, now); blocked {
		return false, nil, until, nil
	}

	decision, reservation, rlErr := d.coordinator.Resolve(routeKey, now, candidate.EstimatedTokens)
	if rlErr != nil {
		d.cfg.Logger.Warn("rate limit strategy error, treating as unrestricted", "route", routeKey, "err", rlErr)
		decision = nil
	}
	if decision != nil {
		switch decision.Kind {
		case ratelimit.Wait:
			return false, nil, decision.WakeUpAt, nil
		case ratelimit.Skip:
			return false, nil, time.Time{}, &RateLimitSkippedError{
				Provider: candidate.Metadata.Provider,
				Model:    candidate.Metadata.Model,
			}
		default: // Blocked: something else in flight may unblock this route;
			// no wake time is known yet, so the head stays queued until the
			// next event (a completion, a header update) triggers a pass.
			return false, nil, time.Time{}, nil
		}
	}

	candidate.reservation = reservation
	return true, candidate, time.Time{}, nil
}

func (d *dispatcher) nextFallbackTarget(candidate *Request, visited map[string]bool) *FallbackTarget {
	for i := range candidate.FallbackChain {
		t := &candidate.FallbackChain[i]
		key := d.cfg.RouteKeyBuilder(Metadata{Provider: t.Provider, Model: t.Model})
		if visited[key] {
			continue
		}
		return t
	}
	return nil
}

func (d *dispatcher) dispatch(candidate *Request, now time.Time) {
	routeKey := candidate.RateLimitKey
	d.limiter.Acquire(candidate.TenantID, routeKey)
	d.coordinator.OnDispatch(candidate.reservation)
	candidate.DispatchedAt = now
	candidate.execStartedAt = now
	d.active[candidate] = struct{}{}
	d.cfg.Observer.OnDispatch(routeKey, candidate.TenantID, candidate.Priority())

	ctx := candidate.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		result, err := candidate.Execute(ctx)
		d.events <- completionEvent{
			req:         candidate,
			reservation: candidate.reservation,
			result:      result,
			err:         err,
			startedAt:   candidate.execStartedAt,
		}
	}()
}

func (d *dispatcher) handleSubmit(req *Request, now time.Time) {
	req.EnqueuedAt = now
	req.RateLimitKey = d.cfg.RouteKeyBuilder(req.Metadata)
	d.queues.push(req)
	d.timeouts.Insert(req)
}

func (d *dispatcher) handleRetryWake(req *Request, now time.Time) {
	d.queues.push(req)
	d.timeouts.Insert(req)
}

func (d *dispatcher) handleCompletion(ev completionEvent, now time.Time) {
	candidate := ev.req
	delete(d.active, candidate)
	d.limiter.Release(candidate.TenantID, candidate.RateLimitKey)
	durationMs := now.Sub(ev.startedAt).Milliseconds()
	settle := candidate.originOf()

	if ev.err == nil {
		d.coordinator.OnComplete(ev.reservation)
		d.breaker.RecordSuccess(candidate.RateLimitKey, now)
		d.cfg.Observer.OnCircuitStateChange(candidate.RateLimitKey, d.breaker.Status(candidate.RateLimitKey))

		if candidate.ExtractUsage != nil {
			if u, uerr := candidate.ExtractUsage(ev.result); uerr == nil {
				d.coordinator.RecordUsage(ev.reservation, u.resolvedTotal())
				d.usageTracker.Record(candidate.TenantID, u.InputTokens, u.OutputTokens, u.TotalTokens)
			} else {
				d.cfg.Logger.Warn("usage extraction failed", "route", candidate.RateLimitKey, "err", uerr)
			}
		}
		d.cfg.Observer.OnComplete(candidate.RateLimitKey, candidate.TenantID, candidate.Priority(), candidate.Attempt, durationMs, nil)
		settle.resolve(ev.result)
		return
	}

	d.coordinator.OnComplete(ev.reservation)
	reason := retry.Classify(ev.err)
	eligible := reason != retry.ReasonUndefined
	kind := breaker.KindError
	if reason == retry.ReasonTimeout {
		kind = breaker.KindTimeout
	}
	d.breaker.RecordFailure(candidate.RateLimitKey, kind, eligible, now)
	d.cfg.Observer.OnCircuitStateChange(candidate.RateLimitKey, d.breaker.Status(candidate.RateLimitKey))

	if reason == retry.ReasonRateLimit {
		retryAfter, _ := extractRetryAfterHint(ev.err)
		d.adaptiveLim.RecordRateLimited(candidate.RateLimitKey, candidate.TenantID, retryAfter, now)
	}
	d.cfg.Observer.OnComplete(candidate.RateLimitKey, candidate.TenantID, candidate.Priority(), candidate.Attempt, durationMs, ev.err)

	plan := d.retryPlanner.Plan(ev.err, candidate.Attempt, candidate.RateLimitKey, candidate.Metadata.Provider)
	if !plan.Retry {
		settle.reject(ev.err)
		return
	}
	candidate.Attempt++
	d.cfg.Observer.OnRetryScheduled(candidate.RateLimitKey, candidate.Attempt, plan.Reason.String(), plan.Delay)
	d.scheduleRetry(candidate, plan.Delay)
}

func (d *dispatcher) scheduleRetry(req *Request, delay time.Duration) {
	if delay <= 0 {
		d.events <- retryWakeEvent{req: req}
		return
	}
	time.AfterFunc(delay, func() {
		d.events <- retryWakeEvent{req: req}
	})
}

// handleStreamFailure folds a post-start stream failure (reported by the
// caller well after the originating Execute call already returned
// successfully) into the circuit breaker and adaptive limiter, so a
// stream that starts fine but then errors mid-flight still counts against
// its route. It can't trigger a retry: the caller already has the stream
// object and this module doesn't know how to rewind it.
func (d *dispatcher) handleStreamFailure(ev streamFailureEvent, now time.Time) {
	req := ev.req
	reason := retry.Classify(ev.err)
	eligible := reason != retry.ReasonUndefined
	kind := breaker.KindError
	if reason == retry.ReasonTimeout {
		kind = breaker.KindTimeout
	}
	d.breaker.RecordFailure(req.RateLimitKey, kind, eligible, now)
	d.cfg.Observer.OnCircuitStateChange(req.RateLimitKey, d.breaker.Status(req.RateLimitKey))
	if reason == retry.ReasonRateLimit {
		retryAfter, _ := extractRetryAfterHint(ev.err)
		d.adaptiveLim.RecordRateLimited(req.RateLimitKey, req.TenantID, retryAfter, now)
	}
}

func (d *dispatcher) handleHeaderUpdate(ev headerUpdateEvent, now time.Time) {
	result, err := d.coordinator.UpdateFromHeaders(ev.routeKey, now, ev.headers)
	if ev.respCh != nil {
		ev.respCh <- headerUpdateResp{result: result, err: err}
	}
}

func (d *dispatcher) handleShutdown(ev shutdownEvent) {
	for p := PriorityP0; int(p) < numPriorities; p++ {
		for {
			req := d.queues.popFront(p)
			if req == nil {
				break
			}
			d.timeouts.Invalidate(req)
			req.reject(ErrShuttingDown)
		}
	}
	close(ev.done)
}

// extractRetryAfterHint mirrors retry.RetryAfterer duck typing so the
// dispatcher can feed the adaptive limiter a provider's own backoff hint
// without importing any concrete error type from caller code.
func extractRetryAfterHint(err error) (time.Duration, bool) {
	var ra retry.RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0, false
}

// Stats is a point-in-time observability snapshot: per-tier queue depth
// alongside the global in-flight count and the number of active executions.
type Stats struct {
	QueueDepth       map[string]int
	GlobalInFlight   int
	ActiveExecutions int
}

func (d *dispatcher) snapshotStats() Stats {
	return Stats{
		QueueDepth: map[string]int{
			"P0": d.queues.len(PriorityP0),
			"P1": d.queues.len(PriorityP1),
			"P2": d.queues.len(PriorityP2),
		},
		GlobalInFlight:   d.limiter.GlobalInFlight(),
		ActiveExecutions: len(d.active),
	}
}
