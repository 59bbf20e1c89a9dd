// Package audit provides an optional, append-only record of dispatch
// decisions: every completed or timed-out request, win or lose. Trimmed
// from a much larger multi-tenant admin audit log (actors, IP addresses,
// resource diffs) down to what a traffic controller itself produces —
// there is no authenticated actor here, just routes and outcomes.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Entry is one row of the audit log.
type Entry struct {
	RouteKey     string
	TenantID     string
	Priority     string
	Outcome      string // "success", "error", "timeout"
	Attempt      int
	DurationMs   int64
	ErrorMessage string
	RecordedAt   time.Time
}

// Sink writes Entry rows to Postgres. A nil *Sink is a valid no-op sink,
// so callers that run without an audit database configured don't need to
// branch on whether one exists.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to dsn and ensures the audit table exists. Pass an empty
// dsn to get a nil, no-op Sink (the common case when no audit database is
// configured).
func Open(dsn string, logger *slog.Logger) (*Sink, error) {
	if dsn == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS trafficctl_audit_log (
	id            BIGSERIAL PRIMARY KEY,
	route_key     TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	priority      TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	attempt       INTEGER NOT NULL,
	duration_ms   BIGINT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}
	return &Sink{db: db, logger: logger}, nil
}

// Record inserts one entry. Failures are logged, not returned — an audit
// write must never be allowed to affect dispatch.
func (s *Sink) Record(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	const q = `
INSERT INTO trafficctl_audit_log
	(route_key, tenant_id, priority, outcome, attempt, duration_ms, error_message, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.ExecContext(ctx, q, e.RouteKey, e.TenantID, e.Priority, e.Outcome, e.Attempt, e.DurationMs, e.ErrorMessage, e.RecordedAt); err != nil {
		s.logger.Warn("audit write failed", "route", e.RouteKey, "err", err)
	}
}

func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
