package inventory

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Change is the committed effect of one unit of work on the stock ledger.
type Change struct {
	TenantID  uuid.UUID
	Positions []Position
	Movements []Movement
}

// ChangeObserver is notified after a unit of work commits. It never runs for
// rolled-back work and cannot fail the operation.
type ChangeObserver interface {
	Committed(ctx context.Context, change Change)
}

// Observers fans a change out to several observers.
type Observers []ChangeObserver

// Committed implements ChangeObserver.
func (o Observers) Committed(ctx context.Context, change Change) {
	for _, obs := range o {
		if obs != nil {
			obs.Committed(ctx, change)
		}
	}
}

// Collector accumulates the results of ApplyQuantityDelta inside a unit of work.
// The last state of each position wins.
type Collector struct {
	order     []PositionKey
	positions map[PositionKey]Position
	movements []Movement
}

// Add records an applied delta.
func (c *Collector) Add(a Applied) {
	c.AddPosition(a.Position)
	c.movements = append(c.movements, a.Movement)
}

// AddPosition records a position changed without a movement.
func (c *Collector) AddPosition(p Position) {
	if c.positions == nil {
		c.positions = make(map[PositionKey]Position)
	}
	key := p.Key()
	if _, ok := c.positions[key]; !ok {
		c.order = append(c.order, key)
	}
	c.positions[key] = p
}

// Change builds the Change for tenantID.
func (c *Collector) Change(tenantID uuid.UUID) Change {
	out := Change{TenantID: tenantID, Movements: append([]Movement(nil), c.movements...)}
	for _, key := range c.order {
		out.Positions = append(out.Positions, c.positions[key])
	}
	return out
}

// LowStockEnqueuer schedules a low-stock alert.
type LowStockEnqueuer interface {
	EnqueueLowStock(ctx context.Context, tenantID uuid.UUID, pos Position) error
}

// LowStockNotifier enqueues an alert for every committed position at or below its reorder point.
type LowStockNotifier struct {
	enqueuer LowStockEnqueuer
	logger   *slog.Logger
}

// NewLowStockNotifier constructs LowStockNotifier.
func NewLowStockNotifier(enqueuer LowStockEnqueuer, logger *slog.Logger) *LowStockNotifier {
	return &LowStockNotifier{enqueuer: enqueuer, logger: logger}
}

// Committed implements ChangeObserver.
func (n *LowStockNotifier) Committed(ctx context.Context, change Change) {
	if n == nil || n.enqueuer == nil {
		return
	}
	for _, pos := range change.Positions {
		if !pos.AtOrBelowReorderPoint() {
			continue
		}
		if err := n.enqueuer.EnqueueLowStock(ctx, change.TenantID, pos); err != nil && n.logger != nil {
			n.logger.Warn("enqueue low stock alert",
				slog.String("tenant_id", change.TenantID.String()),
				slog.String("position", pos.Key().String()),
				slog.Any("error", err))
		}
	}
}
