package locations

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Repository reads locations for one tenant.
type Repository interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (Location, error)
	GetDefault(ctx context.Context, tenantID uuid.UUID) (Location, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]Location, error)
}

// Directory answers location lookups for the fulfillment engines.
type Directory struct {
	repo Repository
}

// NewDirectory constructs Directory.
func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

// GetDefaultLocation returns the tenant's default location or ErrNoDefaultLocation.
func (d *Directory) GetDefaultLocation(ctx context.Context, tenantID uuid.UUID) (Location, error) {
	loc, err := d.repo.GetDefault(ctx, tenantID)
	if err != nil {
		return Location{}, err
	}
	if !loc.Active {
		return Location{}, fmt.Errorf("default location %s: %w", loc.Code, ErrInactive)
	}
	return loc, nil
}

// Get returns an active location by id.
func (d *Directory) Get(ctx context.Context, tenantID, id uuid.UUID) (Location, error) {
	loc, err := d.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Location{}, err
	}
	if !loc.Active {
		return Location{}, fmt.Errorf("location %s: %w", loc.Code, ErrInactive)
	}
	return loc, nil
}

// List returns all locations of the tenant.
func (d *Directory) List(ctx context.Context, tenantID uuid.UUID) ([]Location, error) {
	return d.repo.List(ctx, tenantID)
}

// Resolver resolves per-line locations, looking the default up at most once.
type Resolver struct {
	dir      *Directory
	tenantID uuid.UUID
	checked  map[uuid.UUID]struct{}
	def      *Location
}

// NewResolver returns a Resolver for a single batch of lines.
func (d *Directory) NewResolver(tenantID uuid.UUID) *Resolver {
	return &Resolver{dir: d, tenantID: tenantID, checked: make(map[uuid.UUID]struct{})}
}

// Resolve returns explicit when set, otherwise the default location.
func (r *Resolver) Resolve(ctx context.Context, explicit *uuid.UUID) (uuid.UUID, error) {
	if explicit != nil && *explicit != uuid.Nil {
		if _, ok := r.checked[*explicit]; ok {
			return *explicit, nil
		}
		if _, err := r.dir.Get(ctx, r.tenantID, *explicit); err != nil {
			return uuid.Nil, err
		}
		r.checked[*explicit] = struct{}{}
		return *explicit, nil
	}
	if r.def == nil {
		loc, err := r.dir.GetDefaultLocation(ctx, r.tenantID)
		if err != nil {
			return uuid.Nil, err
		}
		r.def = &loc
	}
	return r.def.ID, nil
}
