package payments

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Handler exposes payment endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a payment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/invoices/{type}/{invoiceID}/allocations", h.invoiceAllocations)
}

type createRequest struct {
	Type        PaymentType         `json:"payment_type" validate:"required,oneof=RECEIVED MADE"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency" validate:"required,len=3"`
	Method      string              `json:"method" validate:"required,max=50"`
	PaymentDate time.Time           `json:"payment_date"`
	Reference   string              `json:"reference" validate:"max=100"`
	Notes       string              `json:"notes" validate:"max=1000"`
	Allocations []allocationRequest `json:"allocations" validate:"dive"`
}

type allocationRequest struct {
	InvoiceType InvoiceType     `json:"invoice_type" validate:"omitempty,oneof=SALES PURCHASE"`
	InvoiceID   uuid.UUID       `json:"invoice_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	allocations := make([]AllocationInput, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		allocations = append(allocations, AllocationInput{InvoiceType: a.InvoiceType, InvoiceID: a.InvoiceID, Amount: a.Amount})
	}
	payment, err := h.service.CreatePayment(r.Context(), CreatePaymentInput{
		TenantID:       tenantID,
		Type:           req.Type,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         req.Method,
		PaymentDate:    req.PaymentDate,
		Reference:      req.Reference,
		Notes:          req.Notes,
		Allocations:    allocations,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(httpx.HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, "create payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.scope(w, r)
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.Bind(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.RespondError(w, err)
		return
	}
	payment, err := h.service.CancelPayment(r.Context(), tenantID, id, shared.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, "cancel payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) invoiceAllocations(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	invoiceID, err := httpx.URLUUID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ref := InvoiceRef{Type: InvoiceType(strings.ToUpper(chi.URLParam(r, "type"))), ID: invoiceID}
	if ref.Type != InvoiceSales && ref.Type != InvoicePurchase {
		httpx.RespondError(w, ErrWrongInvoiceType)
		return
	}
	allocations, err := h.service.ListInvoiceAllocations(r.Context(), tenantID, ref)
	if err != nil {
		h.fail(w, "list invoice allocations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": allocations})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	} else {
		h.logger.Debug(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
