package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/locations"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error
	GetPosition(ctx context.Context, tenantID uuid.UUID, key PositionKey) (Position, error)
	ListPositions(ctx context.Context, tenantID uuid.UUID, filter PositionFilter) ([]Position, error)
	ListMovements(ctx context.Context, tenantID uuid.UUID, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LocationPort validates locations before a unit of work starts.
type LocationPort interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (locations.Location, error)
}

// Service coordinates adjustments, transfers, reservations and position reads.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	locations   LocationPort
	cache       *PositionCache
	metrics     *Metrics
	observer    ChangeObserver
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Locations LocationPort
	Cache     *PositionCache
	Metrics   *Metrics
	Observers Observers
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, cfg ServiceConfig) *Service {
	observers := append(Observers{}, cfg.Observers...)
	if cfg.Cache != nil {
		observers = append(observers, cfg.Cache)
	}
	if cfg.Metrics != nil {
		observers = append(observers, cfg.Metrics)
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		locations:   cfg.Locations,
		cache:       cfg.Cache,
		metrics:     cfg.Metrics,
		observer:    observers,
	}
}

// AdjustInput describes a direct stock correction.
type AdjustInput struct {
	TenantID   uuid.UUID
	ItemID     uuid.UUID
	LocationID uuid.UUID
	Delta      decimal.Decimal
	// Type is ADJUSTMENT (default) or DAMAGE.
	Type           MovementType
	UnitCost       decimal.NullDecimal
	Reason         string
	Date           time.Time
	ActorID        uuid.UUID
	IdempotencyKey string
}

// AdjustStock applies a signed correction and returns the updated position.
func (s *Service) AdjustStock(ctx context.Context, input AdjustInput) (Position, error) {
	if input.TenantID == uuid.Nil {
		return Position{}, tenant.ErrMissingTenant
	}
	kind := input.Type
	if kind == "" {
		kind = MovementAdjustment
	}
	if kind != MovementAdjustment && kind != MovementDamage {
		return Position{}, ErrInvalidMovement
	}
	if input.Delta.IsZero() || (kind == MovementDamage && input.Delta.IsPositive()) {
		return Position{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(input.Reason) == "" {
		return Position{}, ErrReasonRequired
	}
	if err := s.checkLocations(ctx, input.TenantID, input.LocationID); err != nil {
		return Position{}, err
	}

	key := PositionKey{ItemID: input.ItemID, LocationID: input.LocationID}
	adjustmentID := uuid.New()
	var result Applied
	err := s.commit(ctx, "adjust", input.TenantID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, col *Collector) error {
		applied, err := ApplyQuantityDelta(ctx, tx, Delta{
			Key:           key,
			Quantity:      input.Delta,
			Type:          kind,
			Date:          input.Date,
			ReferenceType: RefAdjustment,
			ReferenceID:   adjustmentID,
			UnitCost:      input.UnitCost,
			Reason:        input.Reason,
			Actor:         input.ActorID,
		})
		if err != nil {
			return err
		}
		col.Add(applied)
		result = applied
		return nil
	})
	if err != nil {
		return Position{}, err
	}
	s.recordAudit(ctx, input.TenantID, input.ActorID, "inventory:adjust", result.Movement.ID.String(), map[string]any{
		"item_id":     input.ItemID,
		"location_id": input.LocationID,
		"delta":       input.Delta.String(),
		"type":        kind,
		"reason":      input.Reason,
	})
	return result.Position, nil
}

// TransferInput describes a location-to-location move.
type TransferInput struct {
	TenantID       uuid.UUID
	ItemID         uuid.UUID
	FromLocationID uuid.UUID
	ToLocationID   uuid.UUID
	Quantity       decimal.Decimal
	Reason         string
	Date           time.Time
	ActorID        uuid.UUID
	IdempotencyKey string
}

// TransferResult carries both legs of a transfer.
type TransferResult struct {
	TransferID uuid.UUID `json:"transfer_id"`
	From       Position  `json:"from_position"`
	To         Position  `json:"to_position"`
	Outbound   Movement  `json:"outbound_movement"`
	Inbound    Movement  `json:"inbound_movement"`
}

// TransferStock moves quantity between two locations in one transaction. The
// two movements reference each other and share the transfer id as reference.
func (s *Service) TransferStock(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.TenantID == uuid.Nil {
		return TransferResult{}, tenant.ErrMissingTenant
	}
	if input.ItemID == uuid.Nil || input.FromLocationID == uuid.Nil || input.ToLocationID == uuid.Nil {
		return TransferResult{}, ErrInvalidMovement
	}
	if input.FromLocationID == input.ToLocationID {
		return TransferResult{}, ErrSameLocation
	}
	if !input.Quantity.IsPositive() {
		return TransferResult{}, ErrInvalidQuantity
	}
	if err := s.checkLocations(ctx, input.TenantID, input.FromLocationID, input.ToLocationID); err != nil {
		return TransferResult{}, err
	}

	from := PositionKey{ItemID: input.ItemID, LocationID: input.FromLocationID}
	to := PositionKey{ItemID: input.ItemID, LocationID: input.ToLocationID}
	result := TransferResult{TransferID: uuid.New()}
	outID, inID := uuid.New(), uuid.New()
	date := input.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	err := s.commit(ctx, "transfer", input.TenantID, input.IdempotencyKey, func(ctx context.Context, tx TxRepository, col *Collector) error {
		locked, err := LockInOrder(ctx, tx, []PositionKey{from, to})
		if err != nil {
			return err
		}
		if src := locked[from]; src.Available.LessThan(input.Quantity) {
			return &InsufficientStockError{ItemID: input.ItemID, LocationID: input.FromLocationID, Requested: input.Quantity, Available: src.Available}
		}
		out, err := ApplyQuantityDelta(ctx, tx, Delta{
			Key:               from,
			Quantity:          input.Quantity.Neg(),
			MovementID:        outID,
			RelatedMovementID: inID,
			Type:              MovementOutbound,
			Date:              date,
			ReferenceType:     RefTransfer,
			ReferenceID:       result.TransferID,
			Reason:            input.Reason,
			Actor:             input.ActorID,
		})
		if err != nil {
			return err
		}
		in, err := ApplyQuantityDelta(ctx, tx, Delta{
			Key:               to,
			Quantity:          input.Quantity,
			MovementID:        inID,
			RelatedMovementID: outID,
			Type:              MovementInbound,
			Date:              date,
			ReferenceType:     RefTransfer,
			ReferenceID:       result.TransferID,
			Reason:            input.Reason,
			Actor:             input.ActorID,
		})
		if err != nil {
			return err
		}
		col.Add(out)
		col.Add(in)
		result.From, result.Outbound = out.Position, out.Movement
		result.To, result.Inbound = in.Position, in.Movement
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.recordAudit(ctx, input.TenantID, input.ActorID, "inventory:transfer", result.TransferID.String(), map[string]any{
		"item_id":  input.ItemID,
		"from":     input.FromLocationID,
		"to":       input.ToLocationID,
		"quantity": input.Quantity.String(),
	})
	return result, nil
}

// ReserveInput describes a reservation change.
type ReserveInput struct {
	TenantID   uuid.UUID
	ItemID     uuid.UUID
	LocationID uuid.UUID
	Quantity   decimal.Decimal
	ActorID    uuid.UUID
}

// ReserveStock holds quantity against available stock.
func (s *Service) ReserveStock(ctx context.Context, input ReserveInput) (Position, error) {
	return s.changeReservation(ctx, "reserve", input, func(pos Position) (decimal.Decimal, error) {
		if pos.Available.LessThan(input.Quantity) {
			return decimal.Zero, &InsufficientStockError{ItemID: input.ItemID, LocationID: input.LocationID, Requested: input.Quantity, Available: pos.Available}
		}
		return pos.Reserved.Add(input.Quantity), nil
	})
}

// ReleaseStock returns reserved quantity to available stock.
func (s *Service) ReleaseStock(ctx context.Context, input ReserveInput) (Position, error) {
	return s.changeReservation(ctx, "release", input, func(pos Position) (decimal.Decimal, error) {
		if pos.Reserved.LessThan(input.Quantity) {
			return decimal.Zero, fmt.Errorf("release %s of %s reserved: %w", input.Quantity, pos.Reserved, ErrInvalidReserved)
		}
		return pos.Reserved.Sub(input.Quantity), nil
	})
}

func (s *Service) changeReservation(ctx context.Context, op string, input ReserveInput, next func(Position) (decimal.Decimal, error)) (Position, error) {
	if input.TenantID == uuid.Nil {
		return Position{}, tenant.ErrMissingTenant
	}
	if input.ItemID == uuid.Nil || input.LocationID == uuid.Nil {
		return Position{}, ErrInvalidMovement
	}
	if !input.Quantity.IsPositive() {
		return Position{}, ErrInvalidQuantity
	}
	if !ValidQuantity(input.Quantity) {
		return Position{}, ErrQuantityScale
	}
	key := PositionKey{ItemID: input.ItemID, LocationID: input.LocationID}
	var result Position
	err := s.commit(ctx, op, input.TenantID, "", func(ctx context.Context, tx TxRepository, col *Collector) error {
		pos, err := tx.LockPosition(ctx, key)
		if err != nil {
			return err
		}
		reserved, err := next(pos)
		if err != nil {
			return err
		}
		result, err = SetReserved(ctx, tx, key, reserved)
		if err != nil {
			return err
		}
		col.AddPosition(result)
		return nil
	})
	if err != nil {
		return Position{}, err
	}
	s.recordAudit(ctx, input.TenantID, input.ActorID, "inventory:"+op, key.String(), map[string]any{"quantity": input.Quantity.String()})
	return result, nil
}

// ThresholdInput sets stocking thresholds on a position.
type ThresholdInput struct {
	TenantID     uuid.UUID
	ItemID       uuid.UUID
	LocationID   uuid.UUID
	MinStock     decimal.NullDecimal
	MaxStock     decimal.NullDecimal
	ReorderPoint decimal.NullDecimal
}

// ErrInvalidThresholds indicates negative or inverted thresholds.
var ErrInvalidThresholds = shared.NewValidation("inventory: thresholds must be non-negative and min <= max")

// SetThresholds updates min/max stock and reorder point, creating the position when needed.
func (s *Service) SetThresholds(ctx context.Context, input ThresholdInput) (Position, error) {
	if input.TenantID == uuid.Nil {
		return Position{}, tenant.ErrMissingTenant
	}
	for _, v := range []decimal.NullDecimal{input.MinStock, input.MaxStock, input.ReorderPoint} {
		if v.Valid && v.Decimal.IsNegative() {
			return Position{}, ErrInvalidThresholds
		}
		if v.Valid && !ValidQuantity(v.Decimal) {
			return Position{}, ErrQuantityScale
		}
	}
	if input.MinStock.Valid && input.MaxStock.Valid && input.MinStock.Decimal.GreaterThan(input.MaxStock.Decimal) {
		return Position{}, ErrInvalidThresholds
	}
	if err := s.checkLocations(ctx, input.TenantID, input.LocationID); err != nil {
		return Position{}, err
	}
	key := PositionKey{ItemID: input.ItemID, LocationID: input.LocationID}
	var result Position
	err := s.commit(ctx, "thresholds", input.TenantID, "", func(ctx context.Context, tx TxRepository, col *Collector) error {
		pos, err := tx.LockPosition(ctx, key)
		if err != nil {
			return err
		}
		pos.MinStock, pos.MaxStock, pos.ReorderPoint = input.MinStock, input.MaxStock, input.ReorderPoint
		pos.UpdatedAt = time.Now().UTC()
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}
		result = pos
		col.AddPosition(pos)
		return nil
	})
	return result, err
}

// GetPosition returns one position, served from the cache when configured.
func (s *Service) GetPosition(ctx context.Context, tenantID uuid.UUID, key PositionKey) (Position, error) {
	if tenantID == uuid.Nil {
		return Position{}, tenant.ErrMissingTenant
	}
	return s.cache.Fetch(ctx, tenantID, key, func(ctx context.Context) (Position, error) {
		return s.repo.GetPosition(ctx, tenantID, key)
	})
}

// ListPositions lists positions by item or location.
func (s *Service) ListPositions(ctx context.Context, tenantID uuid.UUID, filter PositionFilter) ([]Position, error) {
	if tenantID == uuid.Nil {
		return nil, tenant.ErrMissingTenant
	}
	return s.repo.ListPositions(ctx, tenantID, filter)
}

// ListMovements returns ledger history filtered by item, location, reference and date range.
func (s *Service) ListMovements(ctx context.Context, tenantID uuid.UUID, filter MovementFilter) ([]Movement, error) {
	if tenantID == uuid.Nil {
		return nil, tenant.ErrMissingTenant
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, shared.NewValidation("inventory: date range end before start")
	}
	return s.repo.ListMovements(ctx, tenantID, filter)
}

func (s *Service) commit(ctx context.Context, op string, tenantID uuid.UUID, idemKey string, fn func(context.Context, TxRepository, *Collector) error) error {
	var col Collector
	err := s.idempotency.Guard(ctx, tenantID, idemKey, "inventory."+op, func() error {
		col = Collector{}
		return s.repo.WithTx(ctx, tenantID, func(ctx context.Context, tx TxRepository) error {
			return fn(ctx, tx, &col)
		})
	})
	if err != nil {
		s.metrics.Rejected(op, err)
		return err
	}
	s.observer.Committed(ctx, col.Change(tenantID))
	return nil
}

func (s *Service) checkLocations(ctx context.Context, tenantID uuid.UUID, ids ...uuid.UUID) error {
	for _, id := range ids {
		if id == uuid.Nil {
			return ErrInvalidMovement
		}
		if s.locations == nil {
			continue
		}
		if _, err := s.locations.Get(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID, actorID uuid.UUID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory",
		EntityID: entityID,
		Meta:     meta,
	})
}
