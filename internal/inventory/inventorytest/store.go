// Package inventorytest provides an in-memory stock ledger with transactional
// rollback, shared by the fulfillment engine tests.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// Store is an in-memory ledger. A unit of work holds the store lock for its
// whole duration, which stands in for the row locks of the real store.
type Store struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*book
	seq     int64

	// FailInsertMovement, when set, is returned by the next InsertMovement.
	FailInsertMovement error
}

type book struct {
	positions map[inventory.PositionKey]inventory.Position
	movements []inventory.Movement
}

type snapshot map[uuid.UUID]book

// New returns an empty Store.
func New() *Store {
	return &Store{tenants: make(map[uuid.UUID]*book)}
}

func (s *Store) book(tenantID uuid.UUID) *book {
	b, ok := s.tenants[tenantID]
	if !ok {
		b = &book{positions: make(map[inventory.PositionKey]inventory.Position)}
		s.tenants[tenantID] = b
	}
	return b
}

func (s *Store) snapshot() snapshot {
	snap := make(snapshot, len(s.tenants))
	for id, b := range s.tenants {
		positions := make(map[inventory.PositionKey]inventory.Position, len(b.positions))
		for k, v := range b.positions {
			positions[k] = v
		}
		snap[id] = book{positions: positions, movements: append([]inventory.Movement(nil), b.movements...)}
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.tenants = make(map[uuid.UUID]*book, len(snap))
	for id, b := range snap {
		b := b
		s.tenants[id] = &b
	}
}

// RunTx runs fn as one unit of work for tenantID. Any error restores the
// store to its state before fn ran.
func (s *Store) RunTx(tenantID uuid.UUID, fn func(inventory.TxRepository) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	seq := s.seq
	if err := fn(&Tx{store: s, tenantID: tenantID}); err != nil {
		s.restore(snap)
		s.seq = seq
		return err
	}
	return nil
}

// WithTx implements inventory.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, inventory.TxRepository) error) error {
	return s.RunTx(tenantID, func(tx inventory.TxRepository) error {
		return fn(ctx, tx)
	})
}

// Seed puts a non-zero quantity and reserved on a position and writes the
// matching opening movement, keeping the ledger consistent.
func (s *Store) Seed(tenantID uuid.UUID, key inventory.PositionKey, quantity, reserved decimal.Decimal) {
	err := s.RunTx(tenantID, func(tx inventory.TxRepository) error {
		d := inventory.Delta{Key: key, Quantity: quantity, Type: inventory.MovementAdjustment, Reason: "opening balance"}
		if !reserved.IsZero() {
			r := reserved
			d.NewReserved = &r
		}
		_, err := inventory.ApplyQuantityDelta(context.Background(), tx, d)
		return err
	})
	if err != nil {
		panic(fmt.Sprintf("inventorytest: seed %s: %v", key, err))
	}
}

// Position returns the current position or a zero value.
func (s *Store) Position(tenantID uuid.UUID, key inventory.PositionKey) (inventory.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.book(tenantID).positions[key]
	return pos, ok
}

// Movements returns every movement of the tenant in append order.
func (s *Store) Movements(tenantID uuid.UUID) []inventory.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Movement(nil), s.book(tenantID).movements...)
}

// GetPosition implements inventory.RepositoryPort.
func (s *Store) GetPosition(_ context.Context, tenantID uuid.UUID, key inventory.PositionKey) (inventory.Position, error) {
	pos, ok := s.Position(tenantID, key)
	if !ok {
		return inventory.Position{}, inventory.ErrPositionNotFound
	}
	return pos, nil
}

// ListPositions implements inventory.RepositoryPort.
func (s *Store) ListPositions(_ context.Context, tenantID uuid.UUID, filter inventory.PositionFilter) ([]inventory.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Position
	for key, pos := range s.book(tenantID).positions {
		if filter.ItemID != uuid.Nil && key.ItemID != filter.ItemID {
			continue
		}
		if filter.LocationID != uuid.Nil && key.LocationID != filter.LocationID {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

// ListMovements implements inventory.RepositoryPort.
func (s *Store) ListMovements(_ context.Context, tenantID uuid.UUID, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Movement
	for _, m := range s.book(tenantID).movements {
		switch {
		case filter.ItemID != uuid.Nil && m.ItemID != filter.ItemID:
		case filter.LocationID != uuid.Nil && m.LocationID != filter.LocationID:
		case filter.ReferenceType != "" && m.ReferenceType != filter.ReferenceType:
		case filter.ReferenceID != uuid.Nil && m.ReferenceID.UUID != filter.ReferenceID:
		case !filter.From.IsZero() && m.Date.Before(filter.From):
		case !filter.To.IsZero() && !m.Date.Before(filter.To):
		default:
			out = append(out, m)
		}
	}
	return out, nil
}

// VerifyLedger mirrors the SQL integrity check.
func (s *Store) VerifyLedger(_ context.Context, tenantID uuid.UUID) ([]inventory.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(tenantID)
	latest := make(map[inventory.PositionKey]inventory.Movement)
	for _, m := range b.movements {
		latest[inventory.PositionKey{ItemID: m.ItemID, LocationID: m.LocationID}] = m
	}
	var out []inventory.Discrepancy
	for key, pos := range b.positions {
		m, ok := latest[key]
		ledgerQty := decimal.Zero
		if ok {
			ledgerQty = m.QuantityAfter
		}
		if !pos.Available.Equal(pos.Quantity.Sub(pos.Reserved)) || !ledgerQty.Equal(pos.Quantity) {
			out = append(out, inventory.Discrepancy{Key: key, Quantity: pos.Quantity, Reserved: pos.Reserved, Available: pos.Available, LedgerQuantity: ledgerQty, HasLedgerHistory: ok})
		}
	}
	return out, nil
}

// Corrupt overwrites a position without a movement, for integrity-check tests.
func (s *Store) Corrupt(tenantID uuid.UUID, pos inventory.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.book(tenantID).positions[pos.Key()] = pos
}

// Tx is the in-memory inventory.TxRepository. It is only valid inside RunTx.
type Tx struct {
	store    *Store
	tenantID uuid.UUID
}

var errCheckViolation = fmt.Errorf("inventorytest: check constraint: %w", shared.ErrInvariant)

// LockPosition implements inventory.TxRepository.
func (t *Tx) LockPosition(_ context.Context, key inventory.PositionKey) (inventory.Position, error) {
	b := t.store.book(t.tenantID)
	pos, ok := b.positions[key]
	if !ok {
		pos = inventory.Position{ItemID: key.ItemID, LocationID: key.LocationID, UpdatedAt: time.Now().UTC()}
		b.positions[key] = pos
	}
	return pos, nil
}

// SavePosition implements inventory.TxRepository and enforces the table's CHECK constraints.
func (t *Tx) SavePosition(_ context.Context, pos inventory.Position) error {
	b := t.store.book(t.tenantID)
	if _, ok := b.positions[pos.Key()]; !ok {
		return inventory.ErrPositionNotFound
	}
	if pos.Quantity.IsNegative() || pos.Reserved.IsNegative() || pos.Reserved.GreaterThan(pos.Quantity) ||
		!pos.Available.Equal(pos.Quantity.Sub(pos.Reserved)) {
		return errCheckViolation
	}
	b.positions[pos.Key()] = pos
	return nil
}

// InsertMovement implements inventory.TxRepository.
func (t *Tx) InsertMovement(_ context.Context, m inventory.Movement) error {
	if err := t.store.FailInsertMovement; err != nil {
		t.store.FailInsertMovement = nil
		return err
	}
	if !m.QuantityBefore.Add(m.Delta).Equal(m.QuantityAfter) || m.Delta.IsZero() {
		return errCheckViolation
	}
	t.store.seq++
	m.Seq = t.store.seq
	b := t.store.book(t.tenantID)
	b.movements = append(b.movements, m)
	return nil
}
