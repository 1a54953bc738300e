package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TenantTx opens a transaction bound to a single tenant.
type TenantTx interface {
	InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, pgx.Tx) error) error
}

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	TenantID uuid.UUID
	ActorID  uuid.UUID
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	gate TenantTx
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(gate TenantTx) *AuditLogger {
	return &AuditLogger{gate: gate}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.gate == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	var actor *uuid.UUID
	if log.ActorID != uuid.Nil {
		actor = &log.ActorID
	}
	return l.gate.InTenantTx(ctx, log.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
			log.TenantID, actor, log.Action, log.Entity, log.EntityID, metaJSON, at)
		return err
	})
}
