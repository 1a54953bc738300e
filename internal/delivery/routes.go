// Package delivery is the delivery engine: it ships stock against sales order
// lines, records delivery notes and keeps order status in step with the lines.
package delivery

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes wires all sales order delivery routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.getOrder)
	r.Post("/{id}/deliveries", h.deliver)
	r.Post("/{id}/cancel", h.cancel)
}
