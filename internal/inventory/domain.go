package inventory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementInbound increases stock (receipts, transfer destination leg).
	MovementInbound MovementType = "INBOUND"
	// MovementOutbound decreases stock (deliveries, transfer source leg).
	MovementOutbound MovementType = "OUTBOUND"
	// MovementAdjustment is a manual correction of either sign.
	MovementAdjustment MovementType = "ADJUSTMENT"
	// MovementTransfer is accepted for imported history; transfers post INBOUND/OUTBOUND legs.
	MovementTransfer MovementType = "TRANSFER"
	// MovementDamage writes off damaged stock.
	MovementDamage MovementType = "DAMAGE"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementInbound, MovementOutbound, MovementAdjustment, MovementTransfer, MovementDamage:
		return true
	}
	return false
}

// Reference types linking a movement to its causing document.
const (
	RefPurchaseOrder = "purchase_order"
	RefSalesOrder    = "sales_order"
	RefTransfer      = "transfer"
	RefAdjustment    = "adjustment"
)

// PositionKey identifies a position within a tenant.
type PositionKey struct {
	ItemID     uuid.UUID `json:"item_id"`
	LocationID uuid.UUID `json:"location_id"`
}

func (k PositionKey) String() string {
	return k.ItemID.String() + "@" + k.LocationID.String()
}

// Less orders keys for deterministic lock acquisition.
func (k PositionKey) Less(o PositionKey) bool {
	if c := compareUUID(k.ItemID, o.ItemID); c != 0 {
		return c < 0
	}
	return compareUUID(k.LocationID, o.LocationID) < 0
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Position is the on-hand, reserved and available quantity of one item at one location.
type Position struct {
	ItemID       uuid.UUID           `json:"item_id"`
	LocationID   uuid.UUID           `json:"location_id"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Reserved     decimal.Decimal     `json:"reserved_quantity"`
	Available    decimal.Decimal     `json:"available_quantity"`
	MinStock     decimal.NullDecimal `json:"min_stock"`
	MaxStock     decimal.NullDecimal `json:"max_stock"`
	ReorderPoint decimal.NullDecimal `json:"reorder_point"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Key returns the position key.
func (p Position) Key() PositionKey {
	return PositionKey{ItemID: p.ItemID, LocationID: p.LocationID}
}

// AtOrBelowReorderPoint reports whether available stock has fallen to the reorder point.
func (p Position) AtOrBelowReorderPoint() bool {
	return p.ReorderPoint.Valid && p.Available.LessThanOrEqual(p.ReorderPoint.Decimal)
}

func (p *Position) recompute() {
	p.Available = p.Quantity.Sub(p.Reserved)
}

// Movement is one immutable ledger row.
type Movement struct {
	ID                uuid.UUID           `json:"id"`
	ItemID            uuid.UUID           `json:"item_id"`
	LocationID        uuid.UUID           `json:"location_id"`
	Type              MovementType        `json:"movement_type"`
	Date              time.Time           `json:"movement_date"`
	Delta             decimal.Decimal     `json:"quantity_delta"`
	QuantityBefore    decimal.Decimal     `json:"quantity_before"`
	QuantityAfter     decimal.Decimal     `json:"quantity_after"`
	ReferenceType     string              `json:"reference_type,omitempty"`
	ReferenceID       uuid.NullUUID       `json:"reference_id"`
	RelatedMovementID uuid.NullUUID       `json:"related_movement_id"`
	UnitCost          decimal.NullDecimal `json:"unit_cost"`
	TotalCost         decimal.NullDecimal `json:"total_cost"`
	Reason            string              `json:"reason,omitempty"`
	CreatedBy         uuid.NullUUID       `json:"created_by"`
	CreatedAt         time.Time           `json:"created_at"`
	Seq               int64               `json:"seq"`
}

// PositionFilter narrows ListPositions.
type PositionFilter struct {
	ItemID     uuid.UUID
	LocationID uuid.UUID
	Limit      int
}

// MovementFilter narrows ListMovements. Zero fields are ignored.
type MovementFilter struct {
	ItemID        uuid.UUID
	LocationID    uuid.UUID
	ReferenceType string
	ReferenceID   uuid.UUID
	From          time.Time
	To            time.Time
	Limit         int
}

var (
	// ErrInsufficientStock is the class of every would-be negative stock failure.
	ErrInsufficientStock = shared.NewInvariant("inventory: insufficient stock")
	// ErrInvalidQuantity indicates a zero or wrongly signed quantity.
	ErrInvalidQuantity = shared.NewValidation("inventory: invalid quantity")
	// ErrInvalidReserved indicates a reserved quantity outside [0, quantity].
	ErrInvalidReserved = shared.NewInvariant("inventory: reserved quantity out of range")
	// ErrQuantityScale indicates a quantity or cost the NUMERIC(18,4) columns cannot hold.
	ErrQuantityScale = shared.NewValidation("inventory: quantity must fit NUMERIC(18,4)")
	// ErrSameLocation indicates a transfer onto its own source.
	ErrSameLocation = shared.NewPrecondition("inventory: source and destination location must differ")
	// ErrInvalidMovement indicates malformed movement metadata.
	ErrInvalidMovement = shared.NewValidation("inventory: item, location and movement type required")
	// ErrReasonRequired indicates a manual movement without a reason.
	ErrReasonRequired = shared.NewValidation("inventory: reason required")
	// ErrPositionNotFound indicates no position exists for the pair.
	ErrPositionNotFound = shared.NewNotFound("inventory: position not found")
)

// Storage precision of quantities and unit costs.
const (
	QuantityPrecision int32 = 18
	QuantityScale     int32 = 4
)

// ValidQuantity reports whether q is stored without rounding or overflow.
func ValidQuantity(q decimal.Decimal) bool {
	return shared.FitsNumeric(q, QuantityPrecision, QuantityScale)
}

// InsufficientStockError names the shortfall of a rejected outbound quantity.
type InsufficientStockError struct {
	ItemID     uuid.UUID
	LocationID uuid.UUID
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for item %s at location %s: requested %s, available %s, short %s",
		e.ItemID, e.LocationID, e.Requested, e.Available, e.Shortfall())
}

// Shortfall is the missing quantity.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// Unwrap exposes the ErrInsufficientStock class.
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Retryable marks the failure as safe to retry after re-reading availability.
func (e *InsufficientStockError) Retryable() bool { return true }
