// Package locationstest provides an in-memory location repository for tests.
package locationstest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/locations"
)

// Repository is an in-memory locations.Repository keyed by tenant.
type Repository struct {
	mu   sync.Mutex
	locs map[uuid.UUID]map[uuid.UUID]locations.Location
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{locs: make(map[uuid.UUID]map[uuid.UUID]locations.Location)}
}

// Add stores an active location and returns its id.
func (r *Repository) Add(tenantID uuid.UUID, code string, isDefault bool) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locs[tenantID] == nil {
		r.locs[tenantID] = make(map[uuid.UUID]locations.Location)
	}
	id := uuid.New()
	r.locs[tenantID][id] = locations.Location{ID: id, Code: code, Name: code, IsDefault: isDefault, Active: true}
	return id
}

// Deactivate marks a location inactive.
func (r *Repository) Deactivate(tenantID, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc := r.locs[tenantID][id]
	loc.Active = false
	r.locs[tenantID][id] = loc
}

// Get implements locations.Repository.
func (r *Repository) Get(_ context.Context, tenantID, id uuid.UUID) (locations.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc, ok := r.locs[tenantID][id]
	if !ok {
		return locations.Location{}, locations.ErrNotFound
	}
	return loc, nil
}

// GetDefault implements locations.Repository.
func (r *Repository) GetDefault(_ context.Context, tenantID uuid.UUID) (locations.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, loc := range r.locs[tenantID] {
		if loc.IsDefault {
			return loc, nil
		}
	}
	return locations.Location{}, locations.ErrNoDefaultLocation
}

// List implements locations.Repository.
func (r *Repository) List(_ context.Context, tenantID uuid.UUID) ([]locations.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]locations.Location, 0, len(r.locs[tenantID]))
	for _, loc := range r.locs[tenantID] {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
