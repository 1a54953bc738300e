package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Repository persists payments, allocations and invoice payment aggregates.
type Repository struct {
	gate *tenant.Gate
}

// NewRepository creates a payment repository.
func NewRepository(gate *tenant.Gate) *Repository {
	return &Repository{gate: gate}
}

// TxRepository exposes transactional operations bound to one tenant.
type TxRepository interface {
	// LockPayment reads the payment and its allocations, holding the row lock until commit.
	LockPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	LockInvoice(ctx context.Context, ref InvoiceRef) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
	InsertAllocation(ctx context.Context, a Allocation) error
	DeactivateAllocations(ctx context.Context, paymentID uuid.UUID) error
}

type txRepo struct {
	tx       pgx.Tx
	tenantID uuid.UUID
}

// WithTx wraps fn in a tenant-bound transaction.
func (r *Repository) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	return r.gate.InTenantTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, tenantID: tenantID})
	})
}

func invoiceTable(t InvoiceType) (string, error) {
	switch t {
	case InvoiceSales:
		return "sales_invoices", nil
	case InvoicePurchase:
		return "purchase_invoices", nil
	}
	return "", fmt.Errorf("%w: %q", ErrWrongInvoiceType, t)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadInvoice(ctx context.Context, q querier, tenantID uuid.UUID, ref InvoiceRef, lock bool) (Invoice, error) {
	table, err := invoiceTable(ref.Type)
	if err != nil {
		return Invoice{}, err
	}
	query := `SELECT id, number, currency, grand_total, amount_paid, balance_due, status, due_date FROM ` + table +
		` WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	inv := Invoice{Type: ref.Type}
	var status string
	err = q.QueryRow(ctx, query, tenantID, ref.ID).Scan(&inv.ID, &inv.Number, &inv.Currency, &inv.GrandTotal, &inv.AmountPaid, &inv.BalanceDue, &status, &inv.DueDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	inv.Status = InvoiceStatus(status)
	return inv, err
}

const paymentColumns = `id, number, payment_type, amount, currency, method, status, payment_date, reference, notes,
cancel_reason, created_by, cancelled_at, reconciled_at`

func loadPayment(ctx context.Context, q querier, tenantID, id uuid.UUID, lock bool) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var p Payment
	var typ, status string
	err := q.QueryRow(ctx, query, tenantID, id).Scan(&p.ID, &p.Number, &typ, &p.Amount, &p.Currency, &p.Method, &status,
		&p.PaymentDate, &p.Reference, &p.Notes, &p.CancelReason, &p.CreatedBy, &p.CancelledAt, &p.ReconciledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	p.Type = PaymentType(typ)
	p.Status = PaymentStatus(status)

	rows, err := q.Query(ctx, `SELECT id, payment_id, invoice_type, invoice_id, amount, active, created_at
FROM payment_allocations WHERE tenant_id = $1 AND payment_id = $2 ORDER BY created_at, id`, tenantID, id)
	if err != nil {
		return Payment{}, err
	}
	p.Allocations, err = pgx.CollectRows(rows, scanAllocation)
	return p, err
}

func scanAllocation(row pgx.CollectableRow) (Allocation, error) {
	var a Allocation
	var typ string
	err := row.Scan(&a.ID, &a.PaymentID, &typ, &a.InvoiceID, &a.Amount, &a.Active, &a.CreatedAt)
	a.InvoiceType = InvoiceType(typ)
	return a, err
}

// GetPayment loads a payment with its allocations.
func (r *Repository) GetPayment(ctx context.Context, tenantID, id uuid.UUID) (Payment, error) {
	var p Payment
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		p, err = loadPayment(ctx, tx, tenantID, id, false)
		return err
	})
	return p, err
}

// GetInvoice reads the committed payment aggregates of an invoice.
func (r *Repository) GetInvoice(ctx context.Context, tenantID uuid.UUID, ref InvoiceRef) (Invoice, error) {
	var inv Invoice
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		inv, err = loadInvoice(ctx, tx, tenantID, ref, false)
		return err
	})
	return inv, err
}

// ListInvoiceAllocations returns allocations against an invoice, oldest first.
func (r *Repository) ListInvoiceAllocations(ctx context.Context, tenantID uuid.UUID, ref InvoiceRef) ([]Allocation, error) {
	var out []Allocation
	err := r.gate.InTenantReadTx(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, payment_id, invoice_type, invoice_id, amount, active, created_at
FROM payment_allocations WHERE tenant_id = $1 AND invoice_type = $2 AND invoice_id = $3 ORDER BY created_at, id`,
			tenantID, string(ref.Type), ref.ID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanAllocation)
		return err
	})
	return out, err
}

func (t *txRepo) LockPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return loadPayment(ctx, t.tx, t.tenantID, id, true)
}

func (t *txRepo) LockInvoice(ctx context.Context, ref InvoiceRef) (Invoice, error) {
	return loadInvoice(ctx, t.tx, t.tenantID, ref, true)
}

func (t *txRepo) UpdateInvoice(ctx context.Context, inv Invoice) error {
	table, err := invoiceTable(inv.Type)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE `+table+` SET amount_paid = $3, balance_due = $4, status = $5, updated_at = NOW()
WHERE tenant_id = $1 AND id = $2`, t.tenantID, inv.ID, inv.AmountPaid, inv.BalanceDue, string(inv.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO payments (id, tenant_id, number, payment_type, amount, currency, method, status,
payment_date, reference, notes, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, t.tenantID, p.Number, string(p.Type), p.Amount, p.Currency, p.Method, string(p.Status),
		p.PaymentDate, p.Reference, p.Notes, p.CreatedBy)
	return err
}

func (t *txRepo) UpdatePayment(ctx context.Context, p Payment) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET status = $3, cancel_reason = $4, cancelled_at = $5, updated_at = NOW()
WHERE tenant_id = $1 AND id = $2`, t.tenantID, p.ID, string(p.Status), p.CancelReason, p.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *txRepo) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO payment_allocations (id, tenant_id, payment_id, invoice_type, invoice_id, amount, active)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)`, a.ID, t.tenantID, a.PaymentID, string(a.InvoiceType), a.InvoiceID, a.Amount)
	return err
}

func (t *txRepo) DeactivateAllocations(ctx context.Context, paymentID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE payment_allocations SET active = FALSE, deactivated_at = NOW()
WHERE tenant_id = $1 AND payment_id = $2 AND active`, t.tenantID, paymentID)
	return err
}
