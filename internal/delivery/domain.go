package delivery

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// OrderStatus is the sales order lifecycle status.
type OrderStatus string

const (
	StatusDraft              OrderStatus = "DRAFT"
	StatusConfirmed          OrderStatus = "CONFIRMED"
	StatusPartiallyDelivered OrderStatus = "PARTIALLY_DELIVERED"
	StatusCompleted          OrderStatus = "COMPLETED"
	StatusCancelled          OrderStatus = "CANCELLED"
)

// CanCancel reports whether the status still allows cancellation.
func (s OrderStatus) CanCancel() bool {
	return s == StatusDraft || s == StatusConfirmed
}

// SalesOrder is a sales order header with its lines.
type SalesOrder struct {
	ID         uuid.UUID   `json:"id"`
	Number     string      `json:"number"`
	CustomerID uuid.UUID   `json:"customer_id"`
	Status     OrderStatus `json:"status"`
	OrderDate  time.Time   `json:"order_date"`
	Currency   string      `json:"currency"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Lines      []OrderLine `json:"lines"`
}

// OrderLine is one ordered item and its running delivered total.
type OrderLine struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	LineNo            int             `json:"line_no"`
	ItemID            uuid.UUID       `json:"item_id"`
	QuantityOrdered   decimal.Decimal `json:"quantity_ordered"`
	QuantityDelivered decimal.Decimal `json:"quantity_delivered"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

// Remaining is the quantity still to deliver.
func (l OrderLine) Remaining() decimal.Decimal {
	return l.QuantityOrdered.Sub(l.QuantityDelivered)
}

// DeliveryNote (DN) documents one shipment against a sales order.
type DeliveryNote struct {
	ID           uuid.UUID      `json:"id"`
	Number       string         `json:"number"`
	OrderID      uuid.UUID      `json:"sales_order_id"`
	DeliveryDate time.Time      `json:"delivery_date"`
	CreatedBy    uuid.NullUUID  `json:"created_by"`
	Lines        []DeliveryLine `json:"lines"`
}

// DeliveryLine links a shipped quantity to the movement it posted.
type DeliveryLine struct {
	ID          uuid.UUID       `json:"id"`
	OrderLineID uuid.UUID       `json:"order_line_id"`
	ItemID      uuid.UUID       `json:"item_id"`
	LocationID  uuid.UUID       `json:"location_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	MovementID  uuid.UUID       `json:"movement_id"`
}

// RecomputeStatus derives the header status from the lines' delivered totals.
func RecomputeStatus(current OrderStatus, lines []OrderLine) OrderStatus {
	if current == StatusCancelled || len(lines) == 0 {
		return current
	}
	complete, delivered := true, false
	for _, l := range lines {
		if l.QuantityDelivered.LessThan(l.QuantityOrdered) {
			complete = false
		}
		if l.QuantityDelivered.IsPositive() {
			delivered = true
		}
	}
	switch {
	case complete:
		return StatusCompleted
	case delivered:
		return StatusPartiallyDelivered
	}
	return current
}

// Common errors
var (
	ErrOrderNotFound   = shared.NewNotFound("delivery: sales order not found")
	ErrOrderCancelled  = shared.NewPrecondition("delivery: sales order is cancelled")
	ErrLineNotOnOrder  = shared.NewPrecondition("delivery: line does not belong to sales order")
	ErrOverDelivery    = shared.NewInvariant("delivery: delivered quantity exceeds ordered quantity")
	ErrEmptyDelivery   = shared.NewValidation("delivery: delivery requires at least one line")
	ErrInvalidQuantity = shared.NewValidation("delivery: line quantity must be positive")
	ErrCannotCancel    = shared.NewPrecondition("delivery: only undelivered DRAFT or CONFIRMED orders can be cancelled")
)

// LineError names the offending line of a rejected delivery.
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
