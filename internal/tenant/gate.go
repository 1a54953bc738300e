package tenant

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/platform/db"
)

// SessionSetting is the Postgres setting the row-level security policies read.
const SessionSetting = "app.current_tenant"

// Gate opens transactions bound to one tenant.
type Gate struct {
	pool *pgxpool.Pool
}

// NewGate constructs Gate.
func NewGate(pool *pgxpool.Pool) *Gate {
	return &Gate{pool: pool}
}

// InTenantTx runs fn in a read-write transaction whose session is bound to tenantID.
// The setting is transaction-local, so it is gone when the connection returns to the pool.
func (g *Gate) InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, pgx.Tx) error) error {
	return g.run(ctx, tenantID, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// InTenantReadTx runs fn in a read-only transaction bound to tenantID.
func (g *Gate) InTenantReadTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, pgx.Tx) error) error {
	return g.run(ctx, tenantID, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}, fn)
}

func (g *Gate) run(ctx context.Context, tenantID uuid.UUID, opts pgx.TxOptions, fn func(context.Context, pgx.Tx) error) error {
	if tenantID == uuid.Nil {
		return ErrMissingTenant
	}
	return db.WithTxOptions(ctx, g.pool, opts, func(tx pgx.Tx) error {
		if err := Bind(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

// Bind sets the tenant for the remainder of tx.
func Bind(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return ErrMissingTenant
	}
	_, err := tx.Exec(ctx, `SELECT set_config('`+SessionSetting+`', $1, true)`, tenantID.String())
	return err
}

// ListActive returns ids of active tenants. It runs outside any tenant binding and
// reads only the tenants table, which carries no row-level policy.
func (g *Gate) ListActive(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := g.pool.Query(ctx, `SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
