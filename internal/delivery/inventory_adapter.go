package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
)

// PositionReader reads committed positions without locking them.
type PositionReader interface {
	GetPosition(ctx context.Context, tenantID uuid.UUID, key inventory.PositionKey) (inventory.Position, error)
}

// InventoryAdapter answers the availability pre-check from the position store.
// It must be built on the repository, never on the position cache.
type InventoryAdapter struct {
	positions PositionReader
}

// NewInventoryAdapter creates a new inventory adapter.
func NewInventoryAdapter(positions PositionReader) *InventoryAdapter {
	return &InventoryAdapter{positions: positions}
}

// Available returns the available quantity of key, zero when no position exists yet.
func (a *InventoryAdapter) Available(ctx context.Context, tenantID uuid.UUID, key inventory.PositionKey) (inventory.Position, error) {
	if a == nil || a.positions == nil {
		return inventory.Position{}, fmt.Errorf("delivery: inventory adapter not initialized")
	}
	pos, err := a.positions.GetPosition(ctx, tenantID, key)
	if errors.Is(err, inventory.ErrPositionNotFound) {
		return inventory.Position{ItemID: key.ItemID, LocationID: key.LocationID}, nil
	}
	if err != nil {
		return inventory.Position{}, fmt.Errorf("read position %s: %w", key, err)
	}
	return pos, nil
}
