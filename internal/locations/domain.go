// Package locations is the directory of inventory locations, including the
// tenant's designated default location used by fulfillment lines that do not
// name one.
package locations

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Location represents a stock-holding place.
type Location struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	IsDefault bool      `json:"is_default"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrNoDefaultLocation is returned when a line omits its location and the tenant has no default configured.
	ErrNoDefaultLocation = shared.NewPrecondition("locations: no location given and no default location configured")
	// ErrNotFound indicates an unknown location id.
	ErrNotFound = shared.NewNotFound("locations: location not found")
	// ErrInactive indicates the location exists but no longer accepts stock.
	ErrInactive = shared.NewPrecondition("locations: location inactive")
)
