package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Repository provides PostgreSQL backed persistence for delivery operations.
type Repository struct {
	gate *tenant.Gate
}

// NewRepository constructs a repository.
func NewRepository(gate *tenant.Gate) *Repository {
	return &Repository{gate: gate}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// Sales order operations
	LockOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error)
	UpdateLineDelivered(ctx context.Context, lineID uuid.UUID, delivered decimal.Decimal) error
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error

	// Delivery note operations
	InsertNote(ctx context.Context, note DeliveryNote) error

	Stock() inventory.TxRepository
}

type txRepo struct {
	tx       pgx.Tx
	tenantID uuid.UUID
}

// WithTx wraps callback in a tenant-bound read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	return r.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, tenantID: tenantID})
	})
}

// ============================================================================
// SALES ORDER READS
// ============================================================================

func selectOrder(ctx context.Context, tx pgx.Tx, tenantID, id uuid.UUID, forUpdate bool) (SalesOrder, error) {
	query := `SELECT id, number, customer_id, status, order_date, currency, updated_at
FROM sales_orders WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var so SalesOrder
	var status string
	err := tx.QueryRow(ctx, query, tenantID, id).Scan(&so.ID, &so.Number, &so.CustomerID, &status, &so.OrderDate, &so.Currency, &so.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, ErrOrderNotFound
		}
		return SalesOrder{}, err
	}
	so.Status = OrderStatus(status)

	rows, err := tx.Query(ctx, `SELECT id, order_id, line_no, item_id, quantity_ordered, quantity_delivered, unit_price
FROM sales_order_lines WHERE tenant_id = $1 AND order_id = $2 ORDER BY line_no`, tenantID, id)
	if err != nil {
		return SalesOrder{}, err
	}
	so.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrderLine, error) {
		var l OrderLine
		err := row.Scan(&l.ID, &l.OrderID, &l.LineNo, &l.ItemID, &l.QuantityOrdered, &l.QuantityDelivered, &l.UnitPrice)
		return l, err
	})
	return so, err
}

// GetOrder retrieves a sales order with its lines.
func (r *Repository) GetOrder(ctx context.Context, tenantID, id uuid.UUID) (SalesOrder, error) {
	var so SalesOrder
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		so, err = selectOrder(ctx, tx, tenantID, id, false)
		return err
	})
	return so, err
}

// ListNotes retrieves delivery notes with their lines for an order.
func (r *Repository) ListNotes(ctx context.Context, tenantID, orderID uuid.UUID) ([]DeliveryNote, error) {
	var notes []DeliveryNote
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, number, sales_order_id, delivery_date, created_by
FROM delivery_notes WHERE tenant_id = $1 AND sales_order_id = $2 ORDER BY created_at, number`, tenantID, orderID)
		if err != nil {
			return err
		}
		notes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeliveryNote, error) {
			var n DeliveryNote
			err := row.Scan(&n.ID, &n.Number, &n.OrderID, &n.DeliveryDate, &n.CreatedBy)
			return n, err
		})
		if err != nil || len(notes) == 0 {
			return err
		}

		byNote := make(map[uuid.UUID]int, len(notes))
		ids := make([]uuid.UUID, len(notes))
		for i, n := range notes {
			byNote[n.ID] = i
			ids[i] = n.ID
		}
		lineRows, err := tx.Query(ctx, `SELECT note_id, id, order_line_id, item_id, location_id, quantity, movement_id
FROM delivery_note_lines WHERE tenant_id = $1 AND note_id = ANY($2)`, tenantID, ids)
		if err != nil {
			return err
		}
		defer lineRows.Close()
		for lineRows.Next() {
			var noteID uuid.UUID
			var l DeliveryLine
			if err := lineRows.Scan(&noteID, &l.ID, &l.OrderLineID, &l.ItemID, &l.LocationID, &l.Quantity, &l.MovementID); err != nil {
				return err
			}
			i := byNote[noteID]
			notes[i].Lines = append(notes[i].Lines, l)
		}
		return lineRows.Err()
	})
	return notes, err
}

// ============================================================================
// TRANSACTIONAL WRITES
// ============================================================================

func (t *txRepo) LockOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	return selectOrder(ctx, t.tx, t.tenantID, id, true)
}

func (t *txRepo) UpdateLineDelivered(ctx context.Context, lineID uuid.UUID, delivered decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sales_order_lines SET quantity_delivered = $3
WHERE tenant_id = $1 AND id = $2`, t.tenantID, lineID, delivered)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotOnOrder
	}
	return nil
}

func (t *txRepo) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sales_orders SET status = $3, updated_at = NOW()
WHERE tenant_id = $1 AND id = $2`, t.tenantID, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *txRepo) InsertNote(ctx context.Context, n DeliveryNote) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO delivery_notes (id, tenant_id, number, sales_order_id, delivery_date, created_by)
VALUES ($1, $2, $3, $4, $5, $6)`, n.ID, t.tenantID, n.Number, n.OrderID, n.DeliveryDate, n.CreatedBy); err != nil {
		return err
	}
	for _, l := range n.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO delivery_note_lines (id, tenant_id, note_id, order_line_id, item_id, location_id, quantity, movement_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, l.ID, t.tenantID, n.ID, l.OrderLineID, l.ItemID, l.LocationID, l.Quantity, l.MovementID); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) Stock() inventory.TxRepository {
	return inventory.NewTxRepository(t.tx, t.tenantID)
}
