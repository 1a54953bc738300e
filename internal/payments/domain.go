package payments

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// PaymentType tells incoming customer payments from outgoing supplier payments.
type PaymentType string

const (
	// TypeReceived is money received from a customer, allocated to sales invoices.
	TypeReceived PaymentType = "RECEIVED"
	// TypeMade is money paid to a supplier, allocated to purchase invoices.
	TypeMade PaymentType = "MADE"
)

// InvoiceType returns the invoice kind a payment of this type settles.
func (t PaymentType) InvoiceType() (InvoiceType, bool) {
	switch t {
	case TypeReceived:
		return InvoiceSales, true
	case TypeMade:
		return InvoicePurchase, true
	}
	return "", false
}

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
	StatusCancelled PaymentStatus = "CANCELLED"
)

// InvoiceType selects the invoice table an allocation targets.
type InvoiceType string

const (
	InvoiceSales    InvoiceType = "SALES"
	InvoicePurchase InvoiceType = "PURCHASE"
)

// InvoiceStatus enumerates invoice states.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceSent          InvoiceStatus = "SENT"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoiceVoid          InvoiceStatus = "VOID"
)

// Payment model.
type Payment struct {
	ID           uuid.UUID       `json:"id"`
	Number       string          `json:"number"`
	Type         PaymentType     `json:"payment_type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Method       string          `json:"method"`
	Status       PaymentStatus   `json:"status"`
	PaymentDate  time.Time       `json:"payment_date"`
	Reference    string          `json:"reference,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedBy    uuid.NullUUID   `json:"created_by"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	ReconciledAt *time.Time      `json:"reconciled_at,omitempty"`
	Allocations  []Allocation    `json:"allocations"`
}

// Allocated sums the active allocations of the payment.
func (p Payment) Allocated() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		if a.Active {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// Allocation is the part of a payment applied to one invoice.
type Allocation struct {
	ID          uuid.UUID       `json:"id"`
	PaymentID   uuid.UUID       `json:"payment_id"`
	InvoiceType InvoiceType     `json:"invoice_type"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	Amount      decimal.Decimal `json:"amount"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InvoiceRef identifies an invoice across both invoice tables.
type InvoiceRef struct {
	Type InvoiceType
	ID   uuid.UUID
}

// Less orders refs for lock acquisition.
func (r InvoiceRef) Less(o InvoiceRef) bool {
	if r.Type != o.Type {
		return r.Type < o.Type
	}
	return r.ID.String() < o.ID.String()
}

// Invoice carries the payment aggregates of a sales or purchase invoice.
type Invoice struct {
	ID         uuid.UUID       `json:"id"`
	Type       InvoiceType     `json:"invoice_type"`
	Number     string          `json:"number"`
	Currency   string          `json:"currency"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	BalanceDue decimal.Decimal `json:"balance_due"`
	Status     InvoiceStatus   `json:"status"`
	DueDate    time.Time       `json:"due_date"`
}

// Ref returns the invoice reference.
func (inv Invoice) Ref() InvoiceRef { return InvoiceRef{Type: inv.Type, ID: inv.ID} }

// Payable reports whether the invoice accepts allocations.
func (inv Invoice) Payable() bool {
	return inv.Status != InvoiceDraft && inv.Status != InvoiceVoid
}

// DeriveInvoiceStatus projects the status of an open invoice from its
// aggregates. DRAFT and VOID are set by invoicing and are never derived.
func DeriveInvoiceStatus(inv Invoice, asOf time.Time) InvoiceStatus {
	switch {
	case inv.Status == InvoiceDraft || inv.Status == InvoiceVoid:
		return inv.Status
	case !inv.BalanceDue.IsPositive():
		return InvoicePaid
	case inv.AmountPaid.IsPositive():
		return InvoicePartiallyPaid
	case !inv.DueDate.IsZero() && asOf.After(endOfDay(inv.DueDate)):
		return InvoiceOverdue
	default:
		return InvoiceSent
	}
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

// ApplyPayment is the only place invoice aggregates change. A positive amount
// applies an allocation, a negative one reverses it. The result keeps
// balance = total - paid and 0 <= paid <= total.
func ApplyPayment(inv Invoice, amount decimal.Decimal, asOf time.Time) (Invoice, error) {
	paid := inv.AmountPaid.Add(amount)
	if paid.IsNegative() {
		return inv, fmt.Errorf("%w: invoice %s would be paid %s", ErrNegativePaid, inv.Number, paid)
	}
	if paid.GreaterThan(inv.GrandTotal) {
		return inv, &BalanceError{InvoiceID: inv.ID, Number: inv.Number, Requested: amount, BalanceDue: inv.BalanceDue}
	}
	inv.AmountPaid = paid
	inv.BalanceDue = inv.GrandTotal.Sub(paid)
	inv.Status = DeriveInvoiceStatus(inv, asOf)
	return inv, nil
}

// NormalizeCurrency validates an ISO 4217 code and returns its canonical form.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

var (
	ErrPaymentNotFound   = shared.NewNotFound("payments: payment not found")
	ErrInvoiceNotFound   = shared.NewNotFound("payments: invoice not found")
	ErrInvoiceNotPayable = shared.NewPrecondition("payments: invoice does not accept payments")
	ErrCurrencyMismatch  = shared.NewPrecondition("payments: invoice currency differs from payment currency")
	ErrNotCancellable    = shared.NewPrecondition("payments: payment cannot be cancelled")
	ErrExceedsBalance    = shared.NewInvariant("payments: allocation exceeds invoice balance")
	ErrOverAllocated     = shared.NewInvariant("payments: allocations exceed payment amount")
	ErrNegativePaid      = shared.NewInvariant("payments: invoice paid amount would become negative")
	ErrInvalidAmount     = shared.NewValidation("payments: amount must be positive")
	ErrAmountScale       = shared.NewValidation("payments: amount must fit NUMERIC(18,2)")
	ErrInvalidCurrency   = shared.NewValidation("payments: invalid currency")
	ErrInvalidType       = shared.NewValidation("payments: payment type must be RECEIVED or MADE")
	ErrWrongInvoiceType  = shared.NewValidation("payments: invoice type does not match payment type")
	ErrDuplicateInvoice  = shared.NewValidation("payments: invoice allocated twice")
	ErrMethodRequired    = shared.NewValidation("payments: method required")
)

// BalanceError names the invoice an allocation would overpay.
type BalanceError struct {
	InvoiceID  uuid.UUID
	Number     string
	Requested  decimal.Decimal
	BalanceDue decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("payments: allocation %s exceeds balance %s of invoice %s", e.Requested, e.BalanceDue, e.Number)
}

// Unwrap exposes ErrExceedsBalance.
func (e *BalanceError) Unwrap() error { return ErrExceedsBalance }

// Retryable marks the failure as safe to retry after re-reading the invoice.
func (e *BalanceError) Retryable() bool { return true }

// AllocationError ties a failure to one requested allocation.
type AllocationError struct {
	Index     int
	InvoiceID uuid.UUID
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation %d (invoice %s): %v", e.Index, e.InvoiceID, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Storage precision of money amounts.
const (
	AmountPrecision int32 = 18
	AmountScale     int32 = 2
)

// ValidAmount reports whether amount is stored without rounding or overflow.
func ValidAmount(amount decimal.Decimal) bool {
	return shared.FitsNumeric(amount, AmountPrecision, AmountScale)
}
