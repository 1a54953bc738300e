package procurement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/locations"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, tenantID, id uuid.UUID) (PurchaseOrder, error)
	ListReceipts(ctx context.Context, tenantID, orderID uuid.UUID) ([]GoodsReceipt, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the goods receipt engine.
type Service struct {
	repo        RepositoryPort
	locations   *locations.Directory
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	observer    inventory.ChangeObserver
	metrics     *inventory.Metrics
	now         func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	// Observer receives committed stock changes (cache eviction, metrics, alerts).
	Observer inventory.ChangeObserver
	Metrics  *inventory.Metrics
}

// NewService constructs the procurement service.
func NewService(repo RepositoryPort, dir *locations.Directory, audit AuditPort, idem *shared.IdempotencyStore, cfg ServiceConfig) *Service {
	observer := cfg.Observer
	if observer == nil {
		observer = inventory.Observers{}
	}
	return &Service{
		repo:        repo,
		locations:   dir,
		audit:       audit,
		idempotency: idem,
		observer:    observer,
		metrics:     cfg.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ReceiveInput describes one goods receipt.
type ReceiveInput struct {
	TenantID       uuid.UUID
	OrderID        uuid.UUID
	ReceiptDate    time.Time
	Lines          []ReceiveLine
	ActorID        uuid.UUID
	IdempotencyKey string
}

// ReceiveLine is one received quantity. A nil LocationID uses the tenant default.
type ReceiveLine struct {
	OrderLineID uuid.UUID
	Quantity    decimal.Decimal
	LocationID  *uuid.UUID
}

// ReceiveGoods applies a supplier delivery to a purchase order: it raises stock
// at each line's location, advances the lines' received totals, records a GRN
// and recomputes the order status, all in one transaction. Any invalid line
// rejects the whole receipt.
func (s *Service) ReceiveGoods(ctx context.Context, input ReceiveInput) (PurchaseOrder, error) {
	if input.TenantID == uuid.Nil {
		return PurchaseOrder{}, tenant.ErrMissingTenant
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, ErrEmptyReceipt
	}
	var errs error
	for i, line := range input.Lines {
		switch {
		case !line.Quantity.IsPositive():
			errs = multierr.Append(errs, &LineError{Index: i, OrderLineID: line.OrderLineID, Err: ErrInvalidQuantity})
		case !inventory.ValidQuantity(line.Quantity):
			errs = multierr.Append(errs, &LineError{Index: i, OrderLineID: line.OrderLineID, Err: inventory.ErrQuantityScale})
		}
	}
	if errs != nil {
		return PurchaseOrder{}, errs
	}

	// fast fail outside the transaction; re-checked under the order lock
	order, err := s.repo.GetOrder(ctx, input.TenantID, input.OrderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if err := validateReceipt(order, input.Lines); err != nil {
		return PurchaseOrder{}, err
	}

	resolver := s.locations.NewResolver(input.TenantID)
	locs := make([]uuid.UUID, len(input.Lines))
	for i, line := range input.Lines {
		if locs[i], err = resolver.Resolve(ctx, line.LocationID); err != nil {
			return PurchaseOrder{}, &LineError{Index: i, OrderLineID: line.OrderLineID, Err: err}
		}
	}

	date := input.ReceiptDate
	if date.IsZero() {
		date = s.now()
	}
	receipt := GoodsReceipt{
		ID:          uuid.New(),
		Number:      documentNumber("GRN", date),
		OrderID:     input.OrderID,
		ReceiptDate: date,
		CreatedBy:   uuid.NullUUID{UUID: input.ActorID, Valid: input.ActorID != uuid.Nil},
	}

	var col inventory.Collector
	err = s.idempotency.Guard(ctx, input.TenantID, input.IdempotencyKey, "procurement.receive", func() error {
		col = inventory.Collector{}
		receipt.Lines = receipt.Lines[:0]
		return s.repo.WithTx(ctx, input.TenantID, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.LockOrder(ctx, input.OrderID)
			if err != nil {
				return err
			}
			if err := validateReceipt(order, input.Lines); err != nil {
				return err
			}
			index := lineIndex(order.Lines)
			keys := make([]inventory.PositionKey, len(input.Lines))
			for i, in := range input.Lines {
				keys[i] = inventory.PositionKey{ItemID: order.Lines[index[in.OrderLineID]].ItemID, LocationID: locs[i]}
			}
			if _, err := inventory.LockInOrder(ctx, tx.Stock(), keys); err != nil {
				return err
			}
			for i, in := range input.Lines {
				line := &order.Lines[index[in.OrderLineID]]
				applied, err := inventory.ApplyQuantityDelta(ctx, tx.Stock(), inventory.Delta{
					Key:           keys[i],
					Quantity:      in.Quantity,
					Type:          inventory.MovementInbound,
					Date:          date,
					ReferenceType: inventory.RefPurchaseOrder,
					ReferenceID:   order.ID,
					UnitCost:      decimal.NewNullDecimal(line.UnitPrice),
					Reason:        receipt.Number,
					Actor:         input.ActorID,
				})
				if err != nil {
					return err
				}
				col.Add(applied)
				line.QuantityReceived = line.QuantityReceived.Add(in.Quantity)
				if err := tx.UpdateLineReceived(ctx, line.ID, line.QuantityReceived); err != nil {
					return err
				}
				receipt.Lines = append(receipt.Lines, ReceiptLine{
					ID:          uuid.New(),
					OrderLineID: line.ID,
					ItemID:      line.ItemID,
					LocationID:  locs[i],
					Quantity:    in.Quantity,
					UnitCost:    line.UnitPrice,
					MovementID:  applied.Movement.ID,
				})
			}
			if err := tx.InsertReceipt(ctx, receipt); err != nil {
				return err
			}
			if next := RecomputeStatus(order.Status, order.Lines); next != order.Status {
				order.Status = next
				if err := tx.UpdateOrderStatus(ctx, order.ID, next); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		s.metrics.Rejected("receive", err)
		return PurchaseOrder{}, err
	}
	s.observer.Committed(ctx, col.Change(input.TenantID))
	s.recordAudit(ctx, input.TenantID, input.ActorID, "procurement:receive", order.ID, map[string]any{
		"receipt": receipt.Number,
		"lines":   len(receipt.Lines),
		"status":  order.Status,
	})
	return order, nil
}

// validateReceipt checks order eligibility and every line, reporting all
// violations at once.
func validateReceipt(order PurchaseOrder, lines []ReceiveLine) error {
	if order.Status == StatusCancelled {
		return ErrOrderCancelled
	}
	index := lineIndex(order.Lines)
	incoming := make(map[uuid.UUID]decimal.Decimal, len(lines))
	var errs error
	for i, in := range lines {
		idx, ok := index[in.OrderLineID]
		if !ok {
			errs = multierr.Append(errs, &LineError{Index: i, OrderLineID: in.OrderLineID, Err: ErrLineNotOnOrder})
			continue
		}
		line := order.Lines[idx]
		total := incoming[in.OrderLineID].Add(in.Quantity)
		incoming[in.OrderLineID] = total
		if line.QuantityReceived.Add(total).GreaterThan(line.QuantityOrdered) {
			errs = multierr.Append(errs, &LineError{
				Index:       i,
				OrderLineID: in.OrderLineID,
				Err:         ErrOverReceipt,
				Detail:      fmt.Sprintf("ordered %s, received %s, incoming %s", line.QuantityOrdered, line.QuantityReceived, total),
			})
		}
	}
	return errs
}

// CancelOrder cancels an order that has not received anything yet.
func (s *Service) CancelOrder(ctx context.Context, tenantID, orderID, actorID uuid.UUID, reason string) (PurchaseOrder, error) {
	if tenantID == uuid.Nil {
		return PurchaseOrder{}, tenant.ErrMissingTenant
	}
	var order PurchaseOrder
	err := s.repo.WithTx(ctx, tenantID, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != StatusDraft && order.Status != StatusConfirmed {
			return ErrNotCancellable
		}
		for _, l := range order.Lines {
			if l.QuantityReceived.IsPositive() {
				return ErrNotCancellable
			}
		}
		order.Status = StatusCancelled
		return tx.UpdateOrderStatus(ctx, order.ID, StatusCancelled)
	})
	if err != nil {
		s.metrics.Rejected("cancel_purchase_order", err)
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "procurement:cancel", order.ID, map[string]any{"reason": strings.TrimSpace(reason)})
	return order, nil
}

// GetOrder returns a purchase order with its lines.
func (s *Service) GetOrder(ctx context.Context, tenantID, orderID uuid.UUID) (PurchaseOrder, error) {
	if tenantID == uuid.Nil {
		return PurchaseOrder{}, tenant.ErrMissingTenant
	}
	return s.repo.GetOrder(ctx, tenantID, orderID)
}

// ListReceipts returns the GRNs posted against an order.
func (s *Service) ListReceipts(ctx context.Context, tenantID, orderID uuid.UUID) ([]GoodsReceipt, error) {
	if tenantID == uuid.Nil {
		return nil, tenant.ErrMissingTenant
	}
	return s.repo.ListReceipts(ctx, tenantID, orderID)
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID uuid.UUID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}

func lineIndex(lines []OrderLine) map[uuid.UUID]int {
	index := make(map[uuid.UUID]int, len(lines))
	for i, l := range lines {
		index[l.ID] = i
	}
	return index
}

func documentNumber(prefix string, date time.Time) string {
	return fmt.Sprintf("%s-%s-%s", prefix, date.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
