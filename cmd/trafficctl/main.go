// Package main is the entry point for trafficctl: a long-running process
// that wires the traffic controller, its Prometheus metrics, and an
// optional audit sink, then demonstrates submitting work through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltagent/trafficctl/internal/audit"
	"github.com/voltagent/trafficctl/internal/config"
	"github.com/voltagent/trafficctl/internal/telemetry"
	"github.com/voltagent/trafficctl/internal/traffic"
)

// multiObserver fans dispatcher notifications out to every configured
// collaborator (metrics always, audit only when a database is configured).
type multiObserver struct {
	metrics *telemetry.Metrics
	audit   *audit.Sink
}

func (o multiObserver) OnDispatch(routeKey, tenantID string, priority traffic.Priority) {
	o.metrics.OnDispatch(routeKey, tenantID, priority)
}

func (o multiObserver) OnComplete(routeKey, tenantID string, priority traffic.Priority, attempt int, durationMs int64, err error) {
	o.metrics.OnComplete(routeKey, tenantID, priority, attempt, durationMs, err)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.audit.Record(context.Background(), audit.Entry{
		RouteKey:     routeKey,
		TenantID:     tenantID,
		Priority:     priority.String(),
		Outcome:      outcome,
		Attempt:      attempt,
		DurationMs:   durationMs,
		ErrorMessage: msg,
	})
}

func (o multiObserver) OnQueueTimeout(routeKey, tenantID string, priority traffic.Priority, waitedMs int64) {
	o.metrics.OnQueueTimeout(routeKey, tenantID, priority, waitedMs)
	o.audit.Record(context.Background(), audit.Entry{
		RouteKey:   routeKey,
		TenantID:   tenantID,
		Priority:   priority.String(),
		Outcome:    "timeout",
		DurationMs: waitedMs,
	})
}

func (o multiObserver) OnCircuitStateChange(routeKey, state string) {
	o.metrics.OnCircuitStateChange(routeKey, state)
}

func (o multiObserver) OnRetryScheduled(routeKey string, attempt int, reason string, delay time.Duration) {
	o.metrics.OnRetryScheduled(routeKey, attempt, reason, delay)
}

func (o multiObserver) OnFallback(fromRouteKey, toRouteKey string) {
	o.metrics.OnFallback(fromRouteKey, toRouteKey)
}

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.LoadOrDefault(*configPath)

	slog.Info("starting trafficctl", "metrics_port", cfg.Server.MetricsPort)

	metrics := telemetry.NewMetrics(nil)

	var auditSink *audit.Sink
	if cfg.Database.Driver != "" {
		sink, err := audit.Open(cfg.Database.GetDSN(), logger)
		if err != nil {
			slog.Error("failed to open audit sink, continuing without it", "error", err)
		} else {
			auditSink = sink
			defer auditSink.Close()
			slog.Info("audit sink enabled")
		}
	}

	observer := multiObserver{metrics: metrics, audit: auditSink}

	trafficCfg := cfg.BuildTrafficConfig(logger, observer)
	controller := traffic.NewController(trafficCfg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	runDemo(ctx, controller)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controller.Shutdown(shutdownCtx); err != nil {
		slog.Warn("controller shutdown did not complete cleanly", "error", err)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	slog.Info("trafficctl stopped")
}

// runDemo exercises the controller's facade once at startup so the wiring
// above is reachable even with no real upstream traffic: a single text
// call against a synthetic provider/model route.
func runDemo(ctx context.Context, controller *traffic.Controller) {
	meta := traffic.Metadata{
		Provider: "openai",
		Model:    "gpt-4o",
		Priority: "P1",
		TenantID: "demo-tenant",
	}
	exec := func(ctx context.Context) (any, error) {
		return "ok", nil
	}
	result, err := controller.HandleText(ctx, meta, exec, traffic.WithEstimatedTokens(500))
	if err != nil {
		slog.Warn("demo request failed", "error", err)
		return
	}
	slog.Info("demo request completed", "result", result)
}
