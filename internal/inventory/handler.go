package inventory

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/reservations", h.handleReserve)
	r.Post("/reservations/release", h.handleRelease)
	r.Get("/positions", h.listPositions)
	r.Get("/positions/{itemID}/{locationID}", h.getPosition)
	r.Put("/positions/{itemID}/{locationID}/thresholds", h.handleThresholds)
	r.Get("/movements", h.listMovements)
}

type adjustmentRequest struct {
	ItemID     uuid.UUID           `json:"item_id" validate:"required"`
	LocationID uuid.UUID           `json:"location_id" validate:"required"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Type       MovementType        `json:"movement_type" validate:"omitempty,oneof=ADJUSTMENT DAMAGE"`
	UnitCost   decimal.NullDecimal `json:"unit_cost"`
	Reason     string              `json:"reason" validate:"required,max=500"`
	Date       time.Time           `json:"movement_date"`
}

type transferRequest struct {
	ItemID         uuid.UUID       `json:"item_id" validate:"required"`
	FromLocationID uuid.UUID       `json:"from_location_id" validate:"required"`
	ToLocationID   uuid.UUID       `json:"to_location_id" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reason         string          `json:"reason" validate:"max=500"`
	Date           time.Time       `json:"movement_date"`
}

type reservationRequest struct {
	ItemID     uuid.UUID       `json:"item_id" validate:"required"`
	LocationID uuid.UUID       `json:"location_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type thresholdRequest struct {
	MinStock     decimal.NullDecimal `json:"min_stock"`
	MaxStock     decimal.NullDecimal `json:"max_stock"`
	ReorderPoint decimal.NullDecimal `json:"reorder_point"`
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req adjustmentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pos, err := h.service.AdjustStock(r.Context(), AdjustInput{
		TenantID:       tenantID,
		ItemID:         req.ItemID,
		LocationID:     req.LocationID,
		Delta:          req.Quantity,
		Type:           req.Type,
		UnitCost:       req.UnitCost,
		Reason:         req.Reason,
		Date:           req.Date,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(httpx.HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pos)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req transferRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.TransferStock(r.Context(), TransferInput{
		TenantID:       tenantID,
		ItemID:         req.ItemID,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Quantity:       req.Quantity,
		Reason:         req.Reason,
		Date:           req.Date,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(httpx.HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, "transfer stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	h.reservation(w, r, h.service.ReserveStock)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.reservation(w, r, h.service.ReleaseStock)
}

func (h *Handler) reservation(w http.ResponseWriter, r *http.Request, apply func(context.Context, ReserveInput) (Position, error)) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reservationRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pos, err := apply(r.Context(), ReserveInput{
		TenantID:   tenantID,
		ItemID:     req.ItemID,
		LocationID: req.LocationID,
		Quantity:   req.Quantity,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "change reservation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) handleThresholds(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	key, err := positionKeyFromURL(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req thresholdRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	pos, err := h.service.SetThresholds(r.Context(), ThresholdInput{
		TenantID:     tenantID,
		ItemID:       key.ItemID,
		LocationID:   key.LocationID,
		MinStock:     req.MinStock,
		MaxStock:     req.MaxStock,
		ReorderPoint: req.ReorderPoint,
	})
	if err != nil {
		h.fail(w, "set thresholds", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) getPosition(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	key, err := positionKeyFromURL(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pos, err := h.service.GetPosition(r.Context(), tenantID, key)
	if err != nil {
		h.fail(w, "get position", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var filter PositionFilter
	if filter.ItemID, err = httpx.QueryUUID(r, "item_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.LocationID, err = httpx.QueryUUID(r, "location_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Limit, err = httpx.QueryInt(r, "limit"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	positions, err := h.service.ListPositions(r.Context(), tenantID, filter)
	if err != nil {
		h.fail(w, "list positions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{ReferenceType: r.URL.Query().Get("reference_type")}
	for name, dst := range map[string]*uuid.UUID{
		"item_id":      &filter.ItemID,
		"location_id":  &filter.LocationID,
		"reference_id": &filter.ReferenceID,
	} {
		if *dst, err = httpx.QueryUUID(r, name); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if filter.From, err = httpx.QueryDate(r, "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryDate(r, "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Limit, err = httpx.QueryInt(r, "limit"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	movements, err := h.service.ListMovements(r.Context(), tenantID, filter)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if status := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	} else {
		h.logger.Debug(op, slog.String("class", ErrorClass(err)), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func positionKeyFromURL(r *http.Request) (PositionKey, error) {
	item, err := httpx.URLUUID(r, "itemID")
	if err != nil {
		return PositionKey{}, err
	}
	loc, err := httpx.URLUUID(r, "locationID")
	if err != nil {
		return PositionKey{}, err
	}
	return PositionKey{ItemID: item, LocationID: loc}, nil
}
