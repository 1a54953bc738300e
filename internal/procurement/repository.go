package procurement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Repository persists purchase orders and goods receipts.
type Repository struct {
	gate *tenant.Gate
}

// NewRepository creates a procurement repository.
func NewRepository(gate *tenant.Gate) *Repository {
	return &Repository{gate: gate}
}

// TxRepository exposes transactional operations bound to one tenant.
type TxRepository interface {
	// LockOrder reads the order and its lines, holding the header row lock until commit.
	LockOrder(ctx context.Context, id uuid.UUID) (PurchaseOrder, error)
	UpdateLineReceived(ctx context.Context, lineID uuid.UUID, received decimal.Decimal) error
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error
	InsertReceipt(ctx context.Context, receipt GoodsReceipt) error
	// Stock is the ledger repository sharing this transaction.
	Stock() inventory.TxRepository
}

type txRepo struct {
	tx       pgx.Tx
	tenantID uuid.UUID
	stock    inventory.TxRepository
}

// WithTx wraps fn in a tenant-bound transaction.
func (r *Repository) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	return r.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, tenantID: tenantID, stock: inventory.NewTxRepository(tx, tenantID)})
	})
}

const orderColumns = `id, number, supplier_id, status, order_date, currency, updated_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrder(ctx context.Context, q querier, tenantID, id uuid.UUID, lock bool) (PurchaseOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_orders WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var po PurchaseOrder
	var status string
	err := q.QueryRow(ctx, query, tenantID, id).Scan(&po.ID, &po.Number, &po.SupplierID, &status, &po.OrderDate, &po.Currency, &po.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrOrderNotFound
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = OrderStatus(status)

	rows, err := q.Query(ctx, `SELECT id, order_id, line_no, item_id, quantity_ordered, quantity_received, unit_price
FROM purchase_order_lines WHERE tenant_id = $1 AND order_id = $2 ORDER BY line_no`, tenantID, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrderLine, error) {
		var l OrderLine
		err := row.Scan(&l.ID, &l.OrderID, &l.LineNo, &l.ItemID, &l.QuantityOrdered, &l.QuantityReceived, &l.UnitPrice)
		return l, err
	})
	return po, err
}

// GetOrder loads an order with its lines.
func (r *Repository) GetOrder(ctx context.Context, tenantID, id uuid.UUID) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		po, err = loadOrder(ctx, tx, tenantID, id, false)
		return err
	})
	return po, err
}

// ListReceipts returns the receipts of an order, oldest first.
func (r *Repository) ListReceipts(ctx context.Context, tenantID, orderID uuid.UUID) ([]GoodsReceipt, error) {
	var receipts []GoodsReceipt
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, number, purchase_order_id, receipt_date, created_by
FROM goods_receipts WHERE tenant_id = $1 AND purchase_order_id = $2 ORDER BY created_at, number`, tenantID, orderID)
		if err != nil {
			return err
		}
		receipts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (GoodsReceipt, error) {
			var g GoodsReceipt
			err := row.Scan(&g.ID, &g.Number, &g.OrderID, &g.ReceiptDate, &g.CreatedBy)
			return g, err
		})
		if err != nil {
			return err
		}
		for i := range receipts {
			rows, err := tx.Query(ctx, `SELECT id, order_line_id, item_id, location_id, quantity, unit_cost, movement_id
FROM goods_receipt_lines WHERE tenant_id = $1 AND receipt_id = $2`, tenantID, receipts[i].ID)
			if err != nil {
				return err
			}
			receipts[i].Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReceiptLine, error) {
				var l ReceiptLine
				err := row.Scan(&l.ID, &l.OrderLineID, &l.ItemID, &l.LocationID, &l.Quantity, &l.UnitCost, &l.MovementID)
				return l, err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return receipts, err
}

func (t *txRepo) LockOrder(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	return loadOrder(ctx, t.tx, t.tenantID, id, true)
}

func (t *txRepo) UpdateLineReceived(ctx context.Context, lineID uuid.UUID, received decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_order_lines SET quantity_received = $3
WHERE tenant_id = $1 AND id = $2`, t.tenantID, lineID, received)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrLineNotOnOrder
	}
	return nil
}

func (t *txRepo) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $3, updated_at = NOW()
WHERE tenant_id = $1 AND id = $2`, t.tenantID, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *txRepo) InsertReceipt(ctx context.Context, g GoodsReceipt) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO goods_receipts (id, tenant_id, number, purchase_order_id, receipt_date, created_by)
VALUES ($1, $2, $3, $4, $5, $6)`, g.ID, t.tenantID, g.Number, g.OrderID, g.ReceiptDate, g.CreatedBy); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, l := range g.Lines {
		batch.Queue(`INSERT INTO goods_receipt_lines (id, tenant_id, receipt_id, order_line_id, item_id, location_id, quantity, unit_cost, movement_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, l.ID, t.tenantID, g.ID, l.OrderLineID, l.ItemID, l.LocationID, l.Quantity, l.UnitCost, l.MovementID)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) Stock() inventory.TxRepository {
	return t.stock
}
