// Package tenant binds every unit of work to one authenticated tenant.
//
// Nothing in this package infers a tenant from data already read: the id comes
// from the authenticated request and is pushed into the database session by
// the Gate before the first tenant-scoped statement runs.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

var (
	// ErrMissingTenant is returned whenever an operation runs without a tenant.
	ErrMissingTenant = shared.NewPrecondition("tenant: missing tenant")
	// ErrUnauthenticated is returned when tenant credentials do not verify.
	ErrUnauthenticated = fmt.Errorf("tenant: %w", shared.ErrUnauthenticated)
)

type contextKey struct{}

// WithTenant stores the authenticated tenant id in context.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the tenant id.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Require returns the tenant id or ErrMissingTenant.
func Require(ctx context.Context) (uuid.UUID, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return uuid.Nil, ErrMissingTenant
	}
	return id, nil
}
