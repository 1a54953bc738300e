package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IdempotencyStore persists processed keys per tenant.
type IdempotencyStore struct {
	gate TenantTx
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(gate TenantTx) *IdempotencyStore {
	return &IdempotencyStore{gate: gate}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = &classError{msg: "idempotent request already processed", class: ErrConflict}

// CheckAndInsert ensures key uniqueness per tenant and module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, tenantID uuid.UUID, key, module string) error {
	if s == nil || s.gate == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	err := s.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO idempotency_keys (tenant_id, key, module, created_at) VALUES ($1, $2, $3, $4)`,
			tenantID, key, module, time.Now().UTC())
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Cleanup removes a tenant's entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, tenantID uuid.UUID, olderThan time.Duration) error {
	if s == nil || s.gate == nil {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE tenant_id = $1 AND created_at < $2`, tenantID, cutoff)
		return err
	})
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID uuid.UUID, key, module string) error {
	if s == nil || s.gate == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	return s.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2 AND module = $3`, tenantID, key, module)
		return err
	})
}

// Guard claims key before fn runs and releases it when fn fails, so a failed
// request can be retried with the same key. An empty key or nil store runs fn
// unguarded.
func (s *IdempotencyStore) Guard(ctx context.Context, tenantID uuid.UUID, key, module string, fn func() error) error {
	if s == nil || key == "" {
		return fn()
	}
	if err := s.CheckAndInsert(ctx, tenantID, key, module); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = s.Delete(ctx, tenantID, key, module)
		return err
	}
	return nil
}
