// Package traffic implements the in-process traffic controller that
// schedules outgoing LLM (or other externally rate-limited) calls across
// tenants and provider/model routes.
package traffic

import (
	"container/list"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voltagent/trafficctl/internal/traffic/ratelimit"
)

// Kind distinguishes a text (request/response) call from a streaming one.
// Streaming requests differ only in how post-start failures are reported
// back to the controller (see Controller.ReportStreamFailure).
type Kind int

const (
	KindText Kind = iota
	KindStream
)

func (k Kind) String() string {
	if k == KindStream {
		return "stream"
	}
	return "text"
}

// Metadata carries the routing and scheduling hints attached to a
// submission. All fields are optional; the controller applies the
// documented defaults (route key "unknown-provider::unknown-model",
// priority P1) when they are absent.
type Metadata struct {
	Provider string
	Model    string
	Priority string // "P0", "P1", "P2"; default P1
	TenantID string
	TaskType string
	APIKeyID string
	Region   string
	Endpoint string
}

// Usage reports token counts extracted from a completed call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// resolvedTotal computes total = provided.total ?? input + output.
func (u Usage) resolvedTotal() int {
	if u.TotalTokens != 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// FallbackTarget names an alternate (provider, model) the circuit breaker's
// fallback-chain walk would like to try next.
type FallbackTarget struct {
	Provider string
	Model    string
}

// ExecuteFunc performs the caller's actual work (the LLM call, or any other
// externally rate-limited RPC). The controller never inspects the result;
// it is handed back to the submitter verbatim.
type ExecuteFunc func(ctx context.Context) (any, error)

// CreateFallbackFunc builds a fresh Request targeting an alternate model.
// Returning nil declines the fallback (the chain walk continues to the next
// candidate, if any). Implementations must not mutate the original Request.
type CreateFallbackFunc func(target FallbackTarget) *Request

// ExtractUsageFunc derives token usage from a call result. The dispatcher
// calls it synchronously on its loop goroutine, so while it runs no other
// scheduling decision is made; it is not run in the background.
type ExtractUsageFunc func(result any) (Usage, error)

// Request is one submission's record: immutable caller inputs plus mutable
// scheduling state written exclusively by the dispatcher. A Request is
// owned by the controller from submission until resolution; no other
// goroutine may touch its scheduling-state fields.
type Request struct {
	Kind     Kind
	TenantID string
	Metadata Metadata

	Execute               ExecuteFunc
	CreateFallbackRequest CreateFallbackFunc
	ExtractUsage          ExtractUsageFunc

	// FallbackChain lists alternate (provider, model) targets the
	// dispatcher's circuit-breaker walk may try, in priority order, when
	// the primary route's circuit is open. Empty means no fallback.
	FallbackChain []FallbackTarget

	DeadlineAt      time.Time // absolute queue-wait deadline, optional
	MaxQueueWaitMs  int64     // relative queue-wait deadline, optional
	EstimatedTokens int       // hint for token-window pre-reservation

	// TraceID is a random per-submission identifier for the caller's own
	// correlation; the controller does not write it to logs or audit
	// entries, and it plays no role in any scheduling invariant.
	TraceID string

	// --- scheduling state, dispatcher-owned ---

	Attempt                     int // >= 1
	EnqueuedAt                  time.Time
	DispatchedAt                time.Time
	RateLimitKey                string
	CircuitKey                  string
	CircuitStatus               string
	TenantConcurrencyKey        string
	ProviderModelConcurrencyKey string
	ReservedTokens              int
	EtaMs                       int64
	QueueTimeoutDisabled        bool

	priority Priority

	// heap bookkeeping (timeoutHeap); version is bumped every time the
	// request leaves a queue so stale heap entries can be discarded in
	// O(1) instead of searched for and removed.
	heapVersion uint64

	// listElem backs O(1) removal from its priority queue during a
	// timeout sweep; nil when the request is not currently queued.
	listElem *list.Element

	// original points at the top-level submitted Request when this one was
	// produced by a fallback-chain walk; nil when this Request is itself
	// the original. Resolution (resolve/reject) always happens against the
	// original so the caller's Wait sees the fallback attempt's outcome.
	original *Request

	// reservation is the rate-limit coordinator's receipt for the
	// in-flight attempt, carried from evaluate() to the completion handler.
	reservation ratelimit.Reservation

	// ctx is the caller-supplied context the Execute call runs under.
	// Storing a context on a struct is normally a smell, but Request is
	// exactly a request-scoped value that travels through a queue between
	// submission and execution, which is the documented exception.
	ctx context.Context

	execStartedAt time.Time

	done   chan struct{}
	result any
	err    error
}

// NewRequest constructs a Request ready for submission. attempt is always
// reset to 1; the dispatcher bumps it internally on retry re-enqueue.
func NewRequest(ctx context.Context, kind Kind, meta Metadata, exec ExecuteFunc) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		Kind:     kind,
		TenantID: meta.TenantID,
		Metadata: meta,
		Execute:  exec,
		TraceID:  uuid.New().String(),
		Attempt:  1,
		priority: ParsePriority(meta.Priority),
		ctx:      ctx,
		done:     make(chan struct{}),
	}
}

// originOf returns the top-level Request that should be resolved/rejected
// when this one (possibly a fallback substitute) settles.
func (r *Request) originOf() *Request {
	if r.original != nil {
		return r.original
	}
	return r
}

// Priority returns the request's closed-set priority, computed once from
// Metadata.Priority at construction time.
func (r *Request) Priority() Priority { return r.priority }

// effectiveDeadline: when both DeadlineAt and MaxQueueWaitMs are set, the
// earlier of the two wins.
func (r *Request) effectiveDeadline() (time.Time, bool) {
	if r.QueueTimeoutDisabled {
		return time.Time{}, false
	}
	var d time.Time
	has := false
	if !r.DeadlineAt.IsZero() {
		d = r.DeadlineAt
		has = true
	}
	if r.MaxQueueWaitMs > 0 {
		rel := r.EnqueuedAt.Add(time.Duration(r.MaxQueueWaitMs) * time.Millisecond)
		if !has || rel.Before(d) {
			d = rel
			has = true
		}
	}
	return d, has
}

// resetForFallback clears the attempt/rate-limit/circuit state so a
// replacement request (produced by CreateFallbackRequest) starts fresh.
func (r *Request) resetForFallback() {
	r.Attempt = 1
	r.RateLimitKey = ""
	r.CircuitKey = ""
	r.CircuitStatus = ""
	r.TenantConcurrencyKey = ""
	r.ProviderModelConcurrencyKey = ""
	r.ReservedTokens = 0
	r.EtaMs = 0
}

func (r *Request) resolve(v any) {
	r.result = v
	close(r.done)
}

func (r *Request) reject(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until the request settles, honoring ctx cancellation. It is
// called by the controller facade, never by dispatcher-internal code.
func (r *Request) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
