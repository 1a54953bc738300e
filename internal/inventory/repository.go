package inventory

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Repository persists positions and movements in PostgreSQL.
type Repository struct {
	gate *tenant.Gate
}

// NewRepository constructs Repository.
func NewRepository(gate *tenant.Gate) *Repository {
	return &Repository{gate: gate}
}

// WithTx executes the callback inside a tenant-bound transaction.
func (r *Repository) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	return r.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx, tenantID))
	})
}

// NewTxRepository binds the position and ledger statements to tx and tenantID.
// Other engines use it to share their transaction with the ledger.
func NewTxRepository(tx pgx.Tx, tenantID uuid.UUID) TxRepository {
	return &txRepo{tx: tx, tenantID: tenantID}
}

type txRepo struct {
	tx       pgx.Tx
	tenantID uuid.UUID
}

const positionColumns = `item_id, location_id, quantity, reserved_quantity, available_quantity, min_stock, max_stock, reorder_point, updated_at`

func scanPosition(row pgx.Row) (Position, error) {
	var p Position
	err := row.Scan(&p.ItemID, &p.LocationID, &p.Quantity, &p.Reserved, &p.Available, &p.MinStock, &p.MaxStock, &p.ReorderPoint, &p.UpdatedAt)
	return p, err
}

func (r *txRepo) LockPosition(ctx context.Context, key PositionKey) (Position, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_positions (tenant_id, item_id, location_id)
VALUES ($1, $2, $3) ON CONFLICT (tenant_id, item_id, location_id) DO NOTHING`, r.tenantID, key.ItemID, key.LocationID); err != nil {
		return Position{}, err
	}
	return scanPosition(r.tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM inventory_positions
WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3 FOR UPDATE`, r.tenantID, key.ItemID, key.LocationID))
}

func (r *txRepo) SavePosition(ctx context.Context, pos Position) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_positions
SET quantity = $4, reserved_quantity = $5, available_quantity = $6,
    min_stock = $7, max_stock = $8, reorder_point = $9, updated_at = $10
WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3`,
		r.tenantID, pos.ItemID, pos.LocationID, pos.Quantity, pos.Reserved, pos.Available,
		pos.MinStock, pos.MaxStock, pos.ReorderPoint, pos.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrPositionNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements (
    id, tenant_id, item_id, location_id, movement_type, movement_date, quantity_delta,
    quantity_before, quantity_after, reference_type, reference_id, related_movement_id,
    unit_cost, total_cost, reason, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, r.tenantID, m.ItemID, m.LocationID, string(m.Type), m.Date, m.Delta,
		m.QuantityBefore, m.QuantityAfter, m.ReferenceType, m.ReferenceID, m.RelatedMovementID,
		m.UnitCost, m.TotalCost, m.Reason, m.CreatedBy, m.CreatedAt)
	return err
}

// GetPosition reads a position without locking it.
func (r *Repository) GetPosition(ctx context.Context, tenantID uuid.UUID, key PositionKey) (Position, error) {
	var pos Position
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		pos, err = scanPosition(tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM inventory_positions
WHERE tenant_id = $1 AND item_id = $2 AND location_id = $3`, tenantID, key.ItemID, key.LocationID))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Position{}, ErrPositionNotFound
	}
	return pos, err
}

// ListPositions lists positions by item and/or location.
func (r *Repository) ListPositions(ctx context.Context, tenantID uuid.UUID, filter PositionFilter) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM inventory_positions WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.ItemID != uuid.Nil {
		args = append(args, filter.ItemID)
		query += ` AND item_id = $` + strconv.Itoa(len(args))
	}
	if filter.LocationID != uuid.Nil {
		args = append(args, filter.LocationID)
		query += ` AND location_id = $` + strconv.Itoa(len(args))
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += ` ORDER BY item_id, location_id LIMIT $` + strconv.Itoa(len(args))

	var out []Position
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Position, error) {
			return scanPosition(row)
		})
		return err
	})
	return out, err
}

// ListMovements returns ledger rows matching filter, oldest first.
func (r *Repository) ListMovements(ctx context.Context, tenantID uuid.UUID, filter MovementFilter) ([]Movement, error) {
	query := `SELECT id, seq, item_id, location_id, movement_type, movement_date, quantity_delta,
    quantity_before, quantity_after, COALESCE(reference_type, ''), reference_id, related_movement_id,
    unit_cost, total_cost, reason, created_by, created_at
FROM stock_movements WHERE tenant_id = $1`
	args := []any{tenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		query += ` AND ` + clause + ` $` + strconv.Itoa(len(args))
	}
	if filter.ItemID != uuid.Nil {
		add("item_id =", filter.ItemID)
	}
	if filter.LocationID != uuid.Nil {
		add("location_id =", filter.LocationID)
	}
	if filter.ReferenceType != "" {
		add("reference_type =", filter.ReferenceType)
	}
	if filter.ReferenceID != uuid.Nil {
		add("reference_id =", filter.ReferenceID)
	}
	if !filter.From.IsZero() {
		add("movement_date >=", filter.From)
	}
	if !filter.To.IsZero() {
		add("movement_date <", filter.To)
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += ` ORDER BY seq LIMIT $` + strconv.Itoa(len(args))

	var out []Movement
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Movement, error) {
			var m Movement
			var kind string
			err := row.Scan(&m.ID, &m.Seq, &m.ItemID, &m.LocationID, &kind, &m.Date, &m.Delta,
				&m.QuantityBefore, &m.QuantityAfter, &m.ReferenceType, &m.ReferenceID, &m.RelatedMovementID,
				&m.UnitCost, &m.TotalCost, &m.Reason, &m.CreatedBy, &m.CreatedAt)
			m.Type = MovementType(kind)
			return m, err
		})
		return err
	})
	return out, err
}

// Discrepancy is a position whose stored numbers disagree with its ledger.
type Discrepancy struct {
	Key              PositionKey     `json:"key"`
	Quantity         decimal.Decimal `json:"quantity"`
	Reserved         decimal.Decimal `json:"reserved_quantity"`
	Available        decimal.Decimal `json:"available_quantity"`
	LedgerQuantity   decimal.Decimal `json:"ledger_quantity"`
	HasLedgerHistory bool            `json:"has_ledger_history"`
}

// VerifyLedger reports positions where available != quantity - reserved or
// quantity differs from the quantity_after of the latest movement.
func (r *Repository) VerifyLedger(ctx context.Context, tenantID uuid.UUID) ([]Discrepancy, error) {
	var out []Discrepancy
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT p.item_id, p.location_id, p.quantity, p.reserved_quantity, p.available_quantity,
    COALESCE(m.quantity_after, 0), m.quantity_after IS NOT NULL
FROM inventory_positions p
LEFT JOIN LATERAL (
    SELECT s.quantity_after FROM stock_movements s
    WHERE s.tenant_id = p.tenant_id AND s.item_id = p.item_id AND s.location_id = p.location_id
    ORDER BY s.seq DESC LIMIT 1
) m ON TRUE
WHERE p.tenant_id = $1
  AND (p.available_quantity <> p.quantity - p.reserved_quantity
       OR COALESCE(m.quantity_after, 0) <> p.quantity)`, tenantID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Discrepancy, error) {
			var d Discrepancy
			err := row.Scan(&d.Key.ItemID, &d.Key.LocationID, &d.Quantity, &d.Reserved, &d.Available, &d.LedgerQuantity, &d.HasLedgerHistory)
			return d, err
		})
		return err
	})
	return out, err
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 200
	}
	return limit
}
