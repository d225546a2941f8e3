// Package audit records every invoice mutation to the general change log and
// to the compliance log, and serves an entity's change history.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Meta carries request provenance.
type Meta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// MetaFrom copies provenance from the request principal.
func MetaFrom(p shared.Principal) Meta {
	return Meta{IP: p.IP, UserAgent: p.UserAgent, RequestID: p.RequestID}
}

// Event is one audited mutation.
type Event struct {
	TenantID   int64
	ActorID    int64
	Action     string
	EntityType string
	EntityID   int64
	Before     any
	After      any
	Reason     string
	Meta       Meta
	At         time.Time
}

// Recorder writes events to both audit streams. Write failures are logged
// and never reach the caller.
type Recorder struct {
	db     Execer
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a new Recorder.
func NewRecorder(db Execer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger, now: time.Now}
}

// WithNow overrides the clock.
func (r *Recorder) WithNow(now func() time.Time) {
	if r != nil && now != nil {
		r.now = now
	}
}

// Record persists ev to the general and compliance streams.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.db == nil {
		return
	}
	if ev.Action == "" || ev.EntityType == "" {
		r.logger.Warn("audit event dropped", slog.String("action", ev.Action), slog.String("entity", ev.EntityType))
		return
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	before, err := snapshot(ev.Before)
	if err != nil {
		r.fail(ev, "snapshot before", err)
		return
	}
	after, err := snapshot(ev.After)
	if err != nil {
		r.fail(ev, "snapshot after", err)
		return
	}
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		r.fail(ev, "marshal meta", err)
		return
	}
	entityID := strconv.FormatInt(ev.EntityID, 10)

	if _, err := r.db.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, before_state, after_state, reason, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
		ev.TenantID, ev.ActorID, ev.Action, ev.EntityType, entityID, before, after, ev.Reason, meta, ev.At); err != nil {
		r.fail(ev, "general stream", err)
	}
	if _, err := r.db.Exec(ctx, `INSERT INTO compliance_audit_logs (tenant_id, actor_id, action, entity, entity_id, before_state, after_state, reason, ip_address, user_agent, request_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12)`,
		ev.TenantID, ev.ActorID, ev.Action, ev.EntityType, entityID, before, after, ev.Reason, ev.Meta.IP, ev.Meta.UserAgent, ev.Meta.RequestID, ev.At); err != nil {
		r.fail(ev, "compliance stream", err)
	}
}

func (r *Recorder) fail(ev Event, stage string, err error) {
	r.logger.Error("audit record failed",
		slog.String("stage", stage),
		slog.String("action", ev.Action),
		slog.String("entity", ev.EntityType),
		slog.Int64("entity_id", ev.EntityID),
		slog.Int64("tenant_id", ev.TenantID),
		slog.Any("error", err),
	)
}

func snapshot(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
