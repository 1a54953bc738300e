package locations

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// PGRepository reads locations through the tenant gate.
type PGRepository struct {
	gate *tenant.Gate
}

// NewRepository constructs PGRepository.
func NewRepository(gate *tenant.Gate) *PGRepository {
	return &PGRepository{gate: gate}
}

const selectLocation = `SELECT id, code, name, is_default, active, created_at FROM locations`

func scanLocation(row pgx.Row) (Location, error) {
	var loc Location
	err := row.Scan(&loc.ID, &loc.Code, &loc.Name, &loc.IsDefault, &loc.Active, &loc.CreatedAt)
	return loc, err
}

// Get implements Repository.
func (r *PGRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (Location, error) {
	var loc Location
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		loc, err = scanLocation(tx.QueryRow(ctx, selectLocation+` WHERE tenant_id = $1 AND id = $2`, tenantID, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, ErrNotFound
	}
	return loc, err
}

// GetDefault implements Repository.
func (r *PGRepository) GetDefault(ctx context.Context, tenantID uuid.UUID) (Location, error) {
	var loc Location
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		loc, err = scanLocation(tx.QueryRow(ctx, selectLocation+` WHERE tenant_id = $1 AND is_default`, tenantID))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, ErrNoDefaultLocation
	}
	return loc, err
}

// List implements Repository.
func (r *PGRepository) List(ctx context.Context, tenantID uuid.UUID) ([]Location, error) {
	var out []Location
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectLocation+` WHERE tenant_id = $1 ORDER BY code`, tenantID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Location, error) {
			return scanLocation(row)
		})
		return err
	})
	return out, err
}
