package locations

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Handler exposes read-only location endpoints.
type Handler struct {
	logger *slog.Logger
	dir    *Directory
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, dir *Directory) *Handler {
	return &Handler{logger: logger, dir: dir}
}

// MountRoutes registers location routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/default", h.getDefault)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	locs, err := h.dir.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list locations", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": locs})
}

func (h *Handler) getDefault(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.Require(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := h.dir.GetDefaultLocation(r.Context(), tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loc)
}
