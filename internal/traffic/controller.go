package traffic

import (
	"context"
	"time"

	"github.com/voltagent/trafficctl/internal/traffic/ratelimit"
	"github.com/voltagent/trafficctl/internal/traffic/usage"
)

// Controller (C11) is the public facade: the only type callers construct
// and hold onto. It owns one dispatcher goroutine per process (or per
// logical pool, if a caller builds more than one Controller).
type Controller struct {
	d *dispatcher
}

// NewController builds a Controller and starts its dispatcher goroutine.
// Call Shutdown to stop it.
func NewController(cfg Config) *Controller {
	return &Controller{d: newDispatcher(cfg)}
}

// RequestOption customizes one submission beyond Metadata and the execute
// function.
type RequestOption func(*Request)

func WithDeadline(t time.Time) RequestOption {
	return func(r *Request) { r.DeadlineAt = t }
}

func WithMaxQueueWait(d time.Duration) RequestOption {
	return func(r *Request) { r.MaxQueueWaitMs = d.Milliseconds() }
}

func WithEstimatedTokens(n int) RequestOption {
	return func(r *Request) { r.EstimatedTokens = n }
}

// WithFallbackChain attaches an ordered list of alternate routes the
// circuit-breaker walk may try, and the factory that turns a chosen
// target into an executable Request.
func WithFallbackChain(targets []FallbackTarget, create CreateFallbackFunc) RequestOption {
	return func(r *Request) {
		r.FallbackChain = targets
		r.CreateFallbackRequest = create
	}
}

func WithExtractUsage(fn ExtractUsageFunc) RequestOption {
	return func(r *Request) { r.ExtractUsage = fn }
}

// WithoutQueueTimeout exempts a request from queue-wait timeout sweeps
// entirely: for a caller that manages its own deadline via ctx
// cancellation instead.
func WithoutQueueTimeout() RequestOption {
	return func(r *Request) { r.QueueTimeoutDisabled = true }
}

// HandleText submits a text (request/response) call and blocks until it
// settles — dispatched, possibly retried and/or routed through a
// fallback, and finally resolved or rejected — or ctx is canceled first.
func (c *Controller) HandleText(ctx context.Context, meta Metadata, exec ExecuteFunc, opts ...RequestOption) (any, error) {
	req := NewRequest(ctx, KindText, meta, exec)
	for _, opt := range opts {
		opt(req)
	}
	c.d.events <- submitEvent{req: req}
	return req.Wait(ctx)
}

// HandleStream submits a streaming call. It blocks until the stream
// itself is established (Execute returns, yielding a stream handle as
// its result) and returns the settled Request alongside the result so the
// caller can later report a post-start failure via ReportStreamFailure.
func (c *Controller) HandleStream(ctx context.Context, meta Metadata, exec ExecuteFunc, opts ...RequestOption) (any, *Request, error) {
	req := NewRequest(ctx, KindStream, meta, exec)
	for _, opt := range opts {
		opt(req)
	}
	c.d.events <- submitEvent{req: req}
	result, err := req.Wait(ctx)
	return result, req, err
}

// ReportStreamFailure tells the controller that a stream previously
// returned by HandleStream failed after it had already started, so the
// circuit breaker and adaptive limiter can react. It cannot retry or
// re-resolve the original call.
func (c *Controller) ReportStreamFailure(req *Request, err error) {
	c.d.events <- streamFailureEvent{req: req, err: err}
}

// UpdateRateLimitFromHeaders feeds provider response headers into the
// named route's rate-limit strategy. It is the only way headers reach a
// strategy: the controller does not read headers from Execute results
// itself, so callers pass them in here after each response they observe.
func (c *Controller) UpdateRateLimitFromHeaders(ctx context.Context, provider, model string, headers ratelimit.Headers) (*ratelimit.UpdateResult, error) {
	routeKey := c.d.cfg.RouteKeyBuilder(Metadata{Provider: provider, Model: model})
	respCh := make(chan headerUpdateResp, 1)
	select {
	case c.d.events <- headerUpdateEvent{routeKey: routeKey, headers: headers, respCh: respCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-respCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetTenantUsage returns tenantID's running token/request totals.
func (c *Controller) GetTenantUsage(tenantID string) usage.Snapshot {
	respCh := make(chan usage.Snapshot, 1)
	c.d.events <- usageEvent{tenantID: tenantID, respCh: respCh}
	return <-respCh
}

// Stats returns a point-in-time observability snapshot.
func (c *Controller) Stats() Stats {
	respCh := make(chan Stats, 1)
	c.d.events <- statsEvent{respCh: respCh}
	return <-respCh
}

// Shutdown stops the dispatcher, rejecting every request still queued
// with ErrShuttingDown. It does not wait for in-flight Execute calls to
// return; callers that need that should cancel the context they passed
// to HandleText/HandleStream themselves.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	c.d.events <- shutdownEvent{done: done}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
