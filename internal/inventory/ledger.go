package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxRepository is the tenant-bound capability handed to a unit of work. Every
// method acts on the tenant the transaction was opened for.
type TxRepository interface {
	// LockPosition returns the position locked for update, creating a zero row on first use.
	LockPosition(ctx context.Context, key PositionKey) (Position, error)
	SavePosition(ctx context.Context, pos Position) error
	InsertMovement(ctx context.Context, m Movement) error
}

// Delta describes a single signed change to one position.
type Delta struct {
	Key      PositionKey
	Quantity decimal.Decimal
	// NewReserved replaces the reserved quantity when set.
	NewReserved *decimal.Decimal

	// MovementID lets callers pre-assign ids so paired movements can reference each other.
	MovementID        uuid.UUID
	RelatedMovementID uuid.UUID
	Type              MovementType
	Date              time.Time
	ReferenceType     string
	ReferenceID       uuid.UUID
	UnitCost          decimal.NullDecimal
	Reason            string
	Actor             uuid.UUID
}

// Applied is the outcome of ApplyQuantityDelta.
type Applied struct {
	Position Position
	Movement Movement
}

// ApplyQuantityDelta is the only path that changes a position's quantity. It
// locks (or creates) the position, rejects a negative result, recomputes
// availability, saves the position and appends exactly one movement whose
// before/after snapshot matches the write. Both writes share tx, so they
// persist or roll back together.
func ApplyQuantityDelta(ctx context.Context, tx TxRepository, d Delta) (Applied, error) {
	if d.Key.ItemID == uuid.Nil || d.Key.LocationID == uuid.Nil || !d.Type.Valid() {
		return Applied{}, ErrInvalidMovement
	}
	if d.Quantity.IsZero() {
		return Applied{}, ErrInvalidQuantity
	}
	if !ValidQuantity(d.Quantity) || (d.UnitCost.Valid && !ValidQuantity(d.UnitCost.Decimal)) {
		return Applied{}, ErrQuantityScale
	}
	pos, err := tx.LockPosition(ctx, d.Key)
	if err != nil {
		return Applied{}, fmt.Errorf("inventory: lock position %s: %w", d.Key, err)
	}

	before := pos.Quantity
	after := before.Add(d.Quantity)
	if !ValidQuantity(after) {
		return Applied{}, ErrQuantityScale
	}
	if after.IsNegative() {
		return Applied{}, &InsufficientStockError{
			ItemID:     d.Key.ItemID,
			LocationID: d.Key.LocationID,
			Requested:  d.Quantity.Neg(),
			Available:  before,
		}
	}

	reserved := pos.Reserved
	if d.NewReserved != nil {
		reserved = *d.NewReserved
		if reserved.IsNegative() || reserved.GreaterThan(after) {
			return Applied{}, ErrInvalidReserved
		}
	} else if reserved.GreaterThan(after) {
		// outbound stock consumes the reservation it was held for
		reserved = after
	}

	date := d.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	pos.Quantity = after
	pos.Reserved = reserved
	pos.recompute()
	pos.UpdatedAt = date
	if err := tx.SavePosition(ctx, pos); err != nil {
		return Applied{}, fmt.Errorf("inventory: save position %s: %w", d.Key, err)
	}

	id := d.MovementID
	if id == uuid.Nil {
		id = uuid.New()
	}
	mv := Movement{
		ID:                id,
		ItemID:            d.Key.ItemID,
		LocationID:        d.Key.LocationID,
		Type:              d.Type,
		Date:              date,
		Delta:             d.Quantity,
		QuantityBefore:    before,
		QuantityAfter:     after,
		ReferenceType:     d.ReferenceType,
		ReferenceID:       nullUUID(d.ReferenceID),
		RelatedMovementID: nullUUID(d.RelatedMovementID),
		UnitCost:          d.UnitCost,
		Reason:            d.Reason,
		CreatedBy:         nullUUID(d.Actor),
		CreatedAt:         date,
	}
	if d.UnitCost.Valid {
		mv.TotalCost = decimal.NewNullDecimal(d.UnitCost.Decimal.Mul(d.Quantity.Abs()).Round(QuantityScale))
	}
	if err := tx.InsertMovement(ctx, mv); err != nil {
		return Applied{}, fmt.Errorf("inventory: append movement %s: %w", d.Key, err)
	}
	return Applied{Position: pos, Movement: mv}, nil
}

// SetReserved changes the reserved quantity of a position without moving stock.
func SetReserved(ctx context.Context, tx TxRepository, key PositionKey, reserved decimal.Decimal) (Position, error) {
	pos, err := tx.LockPosition(ctx, key)
	if err != nil {
		return Position{}, fmt.Errorf("inventory: lock position %s: %w", key, err)
	}
	if reserved.IsNegative() {
		return Position{}, ErrInvalidReserved
	}
	if reserved.GreaterThan(pos.Quantity) {
		return Position{}, &InsufficientStockError{
			ItemID:     key.ItemID,
			LocationID: key.LocationID,
			Requested:  reserved,
			Available:  pos.Quantity,
		}
	}
	pos.Reserved = reserved
	pos.recompute()
	pos.UpdatedAt = time.Now().UTC()
	if err := tx.SavePosition(ctx, pos); err != nil {
		return Position{}, fmt.Errorf("inventory: save position %s: %w", key, err)
	}
	return pos, nil
}

// LockInOrder locks every key in ascending order so concurrent multi-position
// operations cannot deadlock. Duplicate keys are locked once.
func LockInOrder(ctx context.Context, tx TxRepository, keys []PositionKey) (map[PositionKey]Position, error) {
	sorted := append([]PositionKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	locked := make(map[PositionKey]Position, len(sorted))
	for _, key := range sorted {
		if _, ok := locked[key]; ok {
			continue
		}
		pos, err := tx.LockPosition(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("inventory: lock position %s: %w", key, err)
		}
		locked[key] = pos
	}
	return locked, nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
