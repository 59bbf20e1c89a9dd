// Package concurrency implements the global/tenant/provider-model
// in-flight gates (C5). Like ratelimit, it is only ever touched from the
// dispatcher's single goroutine, so its counters need no locking.
package concurrency

import "log/slog"

// LimitResolver looks up the configured concurrency ceiling for a key
// (tenant ID or route key). ok == false (or limit <= 0) means unlimited.
// Resolvers are caller-supplied and may be backed by live config — a
// panic inside one is caught and logged, and treated as "no limit" rather
// than taking down the dispatcher — a misbehaving resolver must never
// block dispatch.
type LimitResolver func(key string) (limit int, ok bool)

// Limiter tracks in-flight counts at three scopes and only admits a
// request when none of the three configured ceilings would be exceeded.
type Limiter struct {
	globalLimit    int
	globalInFlight int

	tenantResolver LimitResolver
	tenantInFlight map[string]int

	routeResolver LimitResolver
	routeInFlight map[string]int

	logger *slog.Logger
}

// NewLimiter builds a Limiter. globalLimit <= 0 means no global ceiling.
// Either resolver may be nil, meaning that scope is never limited.
func NewLimiter(globalLimit int, tenantResolver, routeResolver LimitResolver, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		globalLimit:    globalLimit,
		tenantResolver: tenantResolver,
		tenantInFlight: make(map[string]int),
		routeResolver:  routeResolver,
		routeInFlight:  make(map[string]int),
		logger:         logger,
	}
}

// Blocked reports which scope would currently reject, in priority order
// global > tenant > route, or "" if the request may proceed. It does not
// mutate any counter — callers that intend to proceed must call Acquire.
func (l *Limiter) Blocked(tenantID, routeKey string) string {
	if l.BlockedGlobal() {
		return "global"
	}
	if l.BlockedTenant(tenantID) {
		return "tenant"
	}
	if l.BlockedRoute(routeKey) {
		return "provider_model"
	}
	return ""
}

// BlockedGlobal checks only the global ceiling — used by the dispatcher
// before the circuit-breaker/fallback walk has resolved a final route.
func (l *Limiter) BlockedGlobal() bool {
	return l.globalLimit > 0 && l.globalInFlight >= l.globalLimit
}

// BlockedTenant checks only the tenant ceiling.
func (l *Limiter) BlockedTenant(tenantID string) bool {
	limit, ok := l.safeResolve(l.tenantResolver, tenantID, "tenant")
	return ok && limit > 0 && l.tenantInFlight[tenantID] >= limit
}

// BlockedRoute checks only the route ceiling — called once the
// circuit-breaker walk has settled on a final route key.
func (l *Limiter) BlockedRoute(routeKey string) bool {
	limit, ok := l.safeResolve(l.routeResolver, routeKey, "provider_model")
	return ok && limit > 0 && l.routeInFlight[routeKey] >= limit
}

// Acquire increments all three counters. Callers must have just confirmed
// Blocked(tenantID, routeKey) == "" in the same dispatch pass.
func (l *Limiter) Acquire(tenantID, routeKey string) {
	l.globalInFlight++
	l.tenantInFlight[tenantID]++
	l.routeInFlight[routeKey]++
}

// Release decrements all three counters and prunes zero entries so the
// maps don't grow unbounded across the lifetime of a long-running process
// with a rotating tenant/route population.
func (l *Limiter) Release(tenantID, routeKey string) {
	if l.globalInFlight > 0 {
		l.globalInFlight--
	}
	if n := l.tenantInFlight[tenantID]; n > 0 {
		if n == 1 {
			delete(l.tenantInFlight, tenantID)
		} else {
			l.tenantInFlight[tenantID] = n - 1
		}
	}
	if n := l.routeInFlight[routeKey]; n > 0 {
		if n == 1 {
			delete(l.routeInFlight, routeKey)
		} else {
			l.routeInFlight[routeKey] = n - 1
		}
	}
}

// GlobalInFlight reports the current global in-flight count, for
// observability (Controller.Stats).
func (l *Limiter) GlobalInFlight() int { return l.globalInFlight }

func (l *Limiter) safeResolve(resolver LimitResolver, key, scope string) (limit int, ok bool) {
	if resolver == nil {
		return 0, false
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("concurrency limit resolver panicked, treating as unlimited",
				"scope", scope, "key", key, "panic", r)
			limit, ok = 0, false
		}
	}()
	return resolver(key)
}
