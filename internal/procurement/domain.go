package procurement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// OrderStatus is the purchase order lifecycle status. Past CONFIRMED it is a
// projection of the line totals and is never set directly.
type OrderStatus string

const (
	StatusDraft             OrderStatus = "DRAFT"
	StatusConfirmed         OrderStatus = "CONFIRMED"
	StatusPartiallyReceived OrderStatus = "PARTIALLY_RECEIVED"
	StatusCompleted         OrderStatus = "COMPLETED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// PurchaseOrder is an order header with its lines.
type PurchaseOrder struct {
	ID         uuid.UUID   `json:"id"`
	Number     string      `json:"number"`
	SupplierID uuid.UUID   `json:"supplier_id"`
	Status     OrderStatus `json:"status"`
	OrderDate  time.Time   `json:"order_date"`
	Currency   string      `json:"currency"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Lines      []OrderLine `json:"lines"`
}

// OrderLine is one ordered item and its running received total.
type OrderLine struct {
	ID               uuid.UUID       `json:"id"`
	OrderID          uuid.UUID       `json:"order_id"`
	LineNo           int             `json:"line_no"`
	ItemID           uuid.UUID       `json:"item_id"`
	QuantityOrdered  decimal.Decimal `json:"quantity_ordered"`
	QuantityReceived decimal.Decimal `json:"quantity_received"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
}

// Outstanding is the quantity still to be received.
func (l OrderLine) Outstanding() decimal.Decimal {
	return l.QuantityOrdered.Sub(l.QuantityReceived)
}

// FullyReceived reports whether nothing is outstanding.
func (l OrderLine) FullyReceived() bool {
	return l.QuantityReceived.GreaterThanOrEqual(l.QuantityOrdered)
}

// GoodsReceipt (GRN) documents one receipt against a purchase order.
type GoodsReceipt struct {
	ID          uuid.UUID     `json:"id"`
	Number      string        `json:"number"`
	OrderID     uuid.UUID     `json:"purchase_order_id"`
	ReceiptDate time.Time     `json:"receipt_date"`
	CreatedBy   uuid.NullUUID `json:"created_by"`
	Lines       []ReceiptLine `json:"lines"`
}

// ReceiptLine links a received quantity to the movement it posted.
type ReceiptLine struct {
	ID          uuid.UUID       `json:"id"`
	OrderLineID uuid.UUID       `json:"order_line_id"`
	ItemID      uuid.UUID       `json:"item_id"`
	LocationID  uuid.UUID       `json:"location_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	MovementID  uuid.UUID       `json:"movement_id"`
}

// RecomputeStatus derives the header status from the full set of lines.
// CANCELLED is terminal; otherwise all lines complete gives COMPLETED, any
// received quantity gives PARTIALLY_RECEIVED, and nothing received keeps current.
func RecomputeStatus(current OrderStatus, lines []OrderLine) OrderStatus {
	if current == StatusCancelled || len(lines) == 0 {
		return current
	}
	complete, received := true, false
	for _, l := range lines {
		if !l.FullyReceived() {
			complete = false
		}
		if l.QuantityReceived.IsPositive() {
			received = true
		}
	}
	switch {
	case complete:
		return StatusCompleted
	case received:
		return StatusPartiallyReceived
	default:
		return current
	}
}

var (
	// ErrOrderNotFound indicates no purchase order with that id for the tenant.
	ErrOrderNotFound = shared.NewNotFound("procurement: purchase order not found")
	// ErrOrderCancelled indicates a receipt against a cancelled order.
	ErrOrderCancelled = shared.NewPrecondition("procurement: purchase order is cancelled")
	// ErrLineNotOnOrder indicates a line id that belongs to another order.
	ErrLineNotOnOrder = shared.NewPrecondition("procurement: line does not belong to purchase order")
	// ErrOverReceipt indicates received would exceed ordered.
	ErrOverReceipt = shared.NewInvariant("procurement: received quantity exceeds ordered quantity")
	// ErrEmptyReceipt indicates a receipt without lines.
	ErrEmptyReceipt = shared.NewValidation("procurement: receipt requires at least one line")
	// ErrInvalidQuantity indicates a non-positive line quantity.
	ErrInvalidQuantity = shared.NewValidation("procurement: line quantity must be positive")
	// ErrNotCancellable indicates the order already has receipts or is closed.
	ErrNotCancellable = shared.NewPrecondition("procurement: only unreceived DRAFT or CONFIRMED orders can be cancelled")
)

// LineError names the offending line of a rejected receipt.
type LineError struct {
	Index       int
	OrderLineID uuid.UUID
	Err         error
	Detail      string
}

func (e *LineError) Error() string {
	msg := fmt.Sprintf("line %d (%s): %v", e.Index+1, e.OrderLineID, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *LineError) Unwrap() error { return e.Err }
