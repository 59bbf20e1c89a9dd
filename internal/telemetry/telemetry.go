// Package telemetry provides observability for the traffic controller:
// Prometheus metrics plus an http.Handler to expose them. Trimmed from a
// much larger LLM-gateway metrics surface (cost accounting, prompt
// safety, semantic cache, multi-key health) down to what the dispatcher
// itself observes — request/queue/retry/circuit/fallback counters — since
// those other concerns live upstream of this module.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voltagent/trafficctl/internal/traffic"
)

// Metrics holds every Prometheus collector the traffic controller
// populates. It implements traffic.Observer directly, so wiring it in is
// a one-line Config.Observer assignment (cmd/trafficctl/main.go).
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	QueueWaitSeconds *prometheus.HistogramVec
	QueueTimeouts    *prometheus.CounterVec

	RetryAttempts       *prometheus.CounterVec
	FallbackInvocations *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec

	ActiveExecutions prometheus.Gauge
}

// NewMetrics creates and registers every collector against registry (or
// the default global registry if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficctl_requests_total",
				Help: "Total number of dispatched requests, by route, tenant and outcome",
			},
			[]string{"route", "tenant_id", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trafficctl_request_duration_seconds",
				Help:    "Execute call duration in seconds, by route",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route"},
		),
		QueueWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trafficctl_queue_wait_seconds",
				Help:    "Time a request spent queued before timing out",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"priority"},
		),
		QueueTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficctl_queue_timeouts_total",
				Help: "Requests rejected for exceeding their queue-wait deadline",
			},
			[]string{"priority"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficctl_retry_attempts_total",
				Help: "Retries scheduled, by route and classified reason",
			},
			[]string{"route", "reason"},
		),
		FallbackInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficctl_fallback_invocations_total",
				Help: "Fallback-chain hops taken, by origin and target route",
			},
			[]string{"from_route", "to_route"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trafficctl_circuit_breaker_state",
				Help: "Circuit state per route (0=closed, 1=half_open, 2=open)",
			},
			[]string{"route"},
		),
		ActiveExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "trafficctl_active_executions",
				Help: "Requests currently executing (dispatched, awaiting completion)",
			},
		),
	}
}

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- traffic.Observer implementation ---

func (m *Metrics) OnDispatch(routeKey, tenantID string, priority traffic.Priority) {
	m.ActiveExecutions.Inc()
}

func (m *Metrics) OnComplete(routeKey, tenantID string, priority traffic.Priority, attempt int, durationMs int64, err error) {
	m.ActiveExecutions.Dec()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.RequestsTotal.WithLabelValues(routeKey, tenantID, outcome).Inc()
	m.RequestDuration.WithLabelValues(routeKey).Observe(time.Duration(durationMs * int64(time.Millisecond)).Seconds())
}

func (m *Metrics) OnQueueTimeout(routeKey, tenantID string, priority traffic.Priority, waitedMs int64) {
	p := priority.String()
	m.QueueTimeouts.WithLabelValues(p).Inc()
	m.QueueWaitSeconds.WithLabelValues(p).Observe(time.Duration(waitedMs * int64(time.Millisecond)).Seconds())
}

func (m *Metrics) OnCircuitStateChange(routeKey, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(routeKey).Set(v)
}

func (m *Metrics) OnRetryScheduled(routeKey string, attempt int, reason string, delay time.Duration) {
	m.RetryAttempts.WithLabelValues(routeKey, reason).Inc()
}

func (m *Metrics) OnFallback(fromRouteKey, toRouteKey string) {
	m.FallbackInvocations.WithLabelValues(fromRouteKey, toRouteKey).Inc()
}
