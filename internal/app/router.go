package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/fulfillment/internal/delivery"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/locations"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/payments"
	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
	"github.com/odyssey-erp/fulfillment/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	KeyStore           tenant.KeyStore
	InventoryHandler   *inventory.Handler
	ProcurementHandler *procurement.Handler
	DeliveryHandler    *delivery.Handler
	PaymentsHandler    *payments.Handler
	LocationsHandler   *locations.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router. Everything under /api/v1 requires tenant
// authentication. Queue statistics span all tenants, so they live under /ops and
// are mounted only when an operator token is configured.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(tenant.Middleware(params.KeyStore, params.Logger))

		if params.InventoryHandler != nil {
			r.Route("/inventory", params.InventoryHandler.MountRoutes)
		}
		if params.ProcurementHandler != nil {
			r.Route("/purchase-orders", params.ProcurementHandler.MountRoutes)
		}
		if params.DeliveryHandler != nil {
			r.Route("/sales-orders", params.DeliveryHandler.MountRoutes)
		}
		if params.PaymentsHandler != nil {
			r.Route("/payments", params.PaymentsHandler.MountRoutes)
		}
		if params.LocationsHandler != nil {
			r.Route("/locations", params.LocationsHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil && params.Config != nil && params.Config.OpsToken != "" {
		r.Route("/ops", func(r chi.Router) {
			r.Use(requireOpsToken(params.Config.OpsToken))
			r.Route("/jobs", params.JobHandler.MountRoutes)
		})
	}

	return r
}
