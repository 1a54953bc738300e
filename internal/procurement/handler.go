package procurement

import (
	"errors"
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

// Handler exposes purchase order fulfillment endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a procurement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.getOrder)
	r.Post("/{id}/receipts", h.receive)
	r.Post("/{id}/cancel", h.cancel)
}

type receiptRequest struct {
	ReceiptDate time.Time            `json:"receipt_date"`
	Lines       []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receiptLineRequest struct {
	OrderLineID uuid.UUID       `json:"order_line_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	LocationID  *uuid.UUID      `json:"location_id"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	tenantID, orderID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req receiptRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]ReceiveLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, ReceiveLine{OrderLineID: l.OrderLineID, Quantity: l.Quantity, LocationID: l.LocationID})
	}
	order, err := h.service.ReceiveGoods(r.Context(), ReceiveInput{
		TenantID:       tenantID,
		OrderID:        orderID,
		ReceiptDate:    req.ReceiptDate,
		Lines:          lines,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(httpx.HeaderIdempotencyKey),
	})
	if err != nil {
		h.logger.Info("goods receipt rejected", slog.String("order_id", orderID.String()), slog.Any("error", err))
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
	var req cancelRequest
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
	receipts, err := h.service.ListReceipts(r.Context(), tenantID, orderID)
	if err != nil {
		h.logger.Error("list receipts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": order, "receipts": receipts})
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
