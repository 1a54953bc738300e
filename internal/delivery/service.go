package delivery

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

// RepositoryPort describes the persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, tenantID, id uuid.UUID) (SalesOrder, error)
	ListNotes(ctx context.Context, tenantID, orderID uuid.UUID) ([]DeliveryNote, error)
}

// AuditPort records audit entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service provides business logic for delivery operations.
type Service struct {
	repo        RepositoryPort
	stock       *InventoryAdapter
	locations   *locations.Directory
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	observer    inventory.ChangeObserver
	metrics     *inventory.Metrics
	now         func() time.Time
}

// Config groups optional collaborators.
type Config struct {
	Audit       AuditPort
	Idempotency *shared.IdempotencyStore
	Observer    inventory.ChangeObserver
	Metrics     *inventory.Metrics
}

// NewService constructs a delivery service.
func NewService(repo RepositoryPort, stock *InventoryAdapter, dir *locations.Directory, cfg Config) *Service {
	observer := cfg.Observer
	if observer == nil {
		observer = inventory.Observers{}
	}
	return &Service{
		repo:        repo,
		stock:       stock,
		locations:   dir,
		audit:       cfg.Audit,
		idempotency: cfg.Idempotency,
		observer:    observer,
		metrics:     cfg.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// DeliverInput describes one shipment.
type DeliverInput struct {
	TenantID       uuid.UUID
	OrderID        uuid.UUID
	DeliveryDate   time.Time
	Lines          []DeliverLine
	ActorID        uuid.UUID
	IdempotencyKey string
}

// DeliverLine is one shipped quantity. A nil LocationID ships from the tenant default.
type DeliverLine struct {
	OrderLineID uuid.UUID
	Quantity    decimal.Decimal
	LocationID  *uuid.UUID
}

// DeliverGoods ships against a sales order. Every line must be covered by
// available stock; the check before the transaction only fails fast, the
// non-negative guard of the ledger decides under concurrency.
func (s *Service) DeliverGoods(ctx context.Context, input DeliverInput) (SalesOrder, error) {
	if input.TenantID == uuid.Nil {
		return SalesOrder{}, tenant.ErrMissingTenant
	}
	if len(input.Lines) == 0 {
		return SalesOrder{}, ErrEmptyDelivery
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
		return SalesOrder{}, errs
	}

	order, err := s.repo.GetOrder(ctx, input.TenantID, input.OrderID)
	if err != nil {
		return SalesOrder{}, err
	}
	if err := validateDelivery(order, input.Lines); err != nil {
		return SalesOrder{}, err
	}

	resolver := s.locations.NewResolver(input.TenantID)
	keys := make([]inventory.PositionKey, len(input.Lines))
	index := lineIndex(order.Lines)
	for i, line := range input.Lines {
		loc, err := resolver.Resolve(ctx, line.LocationID)
		if err != nil {
			return SalesOrder{}, &LineError{Index: i, OrderLineID: line.OrderLineID, Err: err}
		}
		keys[i] = inventory.PositionKey{ItemID: order.Lines[index[line.OrderLineID]].ItemID, LocationID: loc}
	}
	if err := s.checkAvailability(ctx, input.TenantID, keys, input.Lines); err != nil {
		s.metrics.Rejected("deliver", err)
		return SalesOrder{}, err
	}

	date := input.DeliveryDate
	if date.IsZero() {
		date = s.now()
	}
	note := DeliveryNote{
		ID:           uuid.New(),
		Number:       documentNumber("DN", date),
		OrderID:      input.OrderID,
		DeliveryDate: date,
		CreatedBy:    uuid.NullUUID{UUID: input.ActorID, Valid: input.ActorID != uuid.Nil},
	}

	var col inventory.Collector
	err = s.idempotency.Guard(ctx, input.TenantID, input.IdempotencyKey, "delivery.deliver", func() error {
		col = inventory.Collector{}
		note.Lines = note.Lines[:0]
		return s.repo.WithTx(ctx, input.TenantID, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.LockOrder(ctx, input.OrderID)
			if err != nil {
				return err
			}
			if err := validateDelivery(order, input.Lines); err != nil {
				return err
			}
			if _, err := inventory.LockInOrder(ctx, tx.Stock(), keys); err != nil {
				return err
			}
			index := lineIndex(order.Lines)
			for i, in := range input.Lines {
				line := &order.Lines[index[in.OrderLineID]]
				applied, err := inventory.ApplyQuantityDelta(ctx, tx.Stock(), inventory.Delta{
					Key:           keys[i],
					Quantity:      in.Quantity.Neg(),
					Type:          inventory.MovementOutbound,
					Date:          date,
					ReferenceType: inventory.RefSalesOrder,
					ReferenceID:   order.ID,
					Reason:        note.Number,
					Actor:         input.ActorID,
				})
				if err != nil {
					return err
				}
				col.Add(applied)
				line.QuantityDelivered = line.QuantityDelivered.Add(in.Quantity)
				if err := tx.UpdateLineDelivered(ctx, line.ID, line.QuantityDelivered); err != nil {
					return err
				}
				note.Lines = append(note.Lines, DeliveryLine{
					ID:          uuid.New(),
					OrderLineID: line.ID,
					ItemID:      line.ItemID,
					LocationID:  keys[i].LocationID,
					Quantity:    in.Quantity,
					MovementID:  applied.Movement.ID,
				})
			}
			if err := tx.InsertNote(ctx, note); err != nil {
				return err
			}
			if next := RecomputeStatus(order.Status, order.Lines); next != order.Status {
				order.Status = next
				return tx.UpdateOrderStatus(ctx, order.ID, next)
			}
			return nil
		})
	})
	if err != nil {
		s.metrics.Rejected("deliver", err)
		return SalesOrder{}, err
	}
	s.observer.Committed(ctx, col.Change(input.TenantID))
	s.recordAudit(ctx, input.TenantID, input.ActorID, "delivery:deliver", order.ID, map[string]any{
		"note":   note.Number,
		"lines":  len(note.Lines),
		"status": order.Status,
	})
	return order, nil
}

// checkAvailability sums requested quantities per position and compares them
// with committed available stock, naming every shortfall.
func (s *Service) checkAvailability(ctx context.Context, tenantID uuid.UUID, keys []inventory.PositionKey, lines []DeliverLine) error {
	requested := make(map[inventory.PositionKey]decimal.Decimal, len(keys))
	var order []inventory.PositionKey
	for i, key := range keys {
		if _, ok := requested[key]; !ok {
			order = append(order, key)
		}
		requested[key] = requested[key].Add(lines[i].Quantity)
	}
	var errs error
	for _, key := range order {
		pos, err := s.stock.Available(ctx, tenantID, key)
		if err != nil {
			return err
		}
		if pos.Available.LessThan(requested[key]) {
			errs = multierr.Append(errs, &inventory.InsufficientStockError{
				ItemID:     key.ItemID,
				LocationID: key.LocationID,
				Requested:  requested[key],
				Available:  pos.Available,
			})
		}
	}
	return errs
}

func validateDelivery(order SalesOrder, lines []DeliverLine) error {
	if order.Status == StatusCancelled {
		return ErrOrderCancelled
	}
	index := lineIndex(order.Lines)
	outgoing := make(map[uuid.UUID]decimal.Decimal, len(lines))
	var errs error
	for i, in := range lines {
		idx, ok := index[in.OrderLineID]
		if !ok {
			errs = multierr.Append(errs, &LineError{Index: i, OrderLineID: in.OrderLineID, Err: ErrLineNotOnOrder})
			continue
		}
		line := order.Lines[idx]
		total := outgoing[in.OrderLineID].Add(in.Quantity)
		outgoing[in.OrderLineID] = total
		if total.GreaterThan(line.Remaining()) {
			errs = multierr.Append(errs, &LineError{
				Index:       i,
				OrderLineID: in.OrderLineID,
				Err:         ErrOverDelivery,
				Detail:      fmt.Sprintf("ordered %s, delivered %s, outgoing %s", line.QuantityOrdered, line.QuantityDelivered, total),
			})
		}
	}
	return errs
}

// CancelOrder cancels a sales order with nothing delivered.
func (s *Service) CancelOrder(ctx context.Context, tenantID, orderID, actorID uuid.UUID, reason string) (SalesOrder, error) {
	if tenantID == uuid.Nil {
		return SalesOrder{}, tenant.ErrMissingTenant
	}
	var order SalesOrder
	err := s.repo.WithTx(ctx, tenantID, func(ctx context.Context, tx TxRepository) error {
		var err error
		if order, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if !order.Status.CanCancel() {
			return ErrCannotCancel
		}
		for _, l := range order.Lines {
			if l.QuantityDelivered.IsPositive() {
				return ErrCannotCancel
			}
		}
		order.Status = StatusCancelled
		return tx.UpdateOrderStatus(ctx, order.ID, StatusCancelled)
	})
	if err != nil {
		s.metrics.Rejected("cancel_sales_order", err)
		return SalesOrder{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "delivery:cancel", order.ID, map[string]any{"reason": strings.TrimSpace(reason)})
	return order, nil
}

// GetOrder returns a sales order with its lines.
func (s *Service) GetOrder(ctx context.Context, tenantID, orderID uuid.UUID) (SalesOrder, error) {
	if tenantID == uuid.Nil {
		return SalesOrder{}, tenant.ErrMissingTenant
	}
	return s.repo.GetOrder(ctx, tenantID, orderID)
}

// ListNotes returns the delivery notes of an order.
func (s *Service) ListNotes(ctx context.Context, tenantID, orderID uuid.UUID) ([]DeliveryNote, error) {
	if tenantID == uuid.Nil {
		return nil, tenant.ErrMissingTenant
	}
	return s.repo.ListNotes(ctx, tenantID, orderID)
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID uuid.UUID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "sales_order",
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
