package delivery

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Handler handles HTTP requests for delivery operations.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a new delivery handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// DeliverRequest is the JSON body of a delivery.
type DeliverRequest struct {
	DeliveryDate time.Time            `json:"delivery_date"`
	Lines        []DeliverLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// DeliverLineRequest is one requested delivery line.
type DeliverLineRequest struct {
	OrderLineID uuid.UUID       `json:"order_line_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	LocationID  *uuid.UUID      `json:"location_id"`
}

// CancelRequest is the optional body of a cancellation.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	tenantID, orderID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req DeliverRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]DeliverLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = DeliverLine{OrderLineID: l.OrderLineID, Quantity: l.Quantity, LocationID: l.LocationID}
	}
	order, err := h.service.DeliverGoods(r.Context(), DeliverInput{
		TenantID:       tenantID,
		OrderID:        orderID,
		DeliveryDate:   req.DeliveryDate,
		Lines:          lines,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(httpx.HeaderIdempotencyKey),
	})
	if err != nil {
		if httpx.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("deliver goods", slog.String("order_id", orderID.String()), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, orderID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if err := httpx.Bind(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.CancelOrder(r.Context(), tenantID, orderID, shared.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	tenantID, orderID, ok := h.scope(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), tenantID, orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	notes, err := h.service.ListNotes(r.Context(), tenantID, orderID)
	if err != nil {
		h.logger.Error("list delivery notes", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": order, "delivery_notes": notes})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	orderID, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, orderID, true
}
