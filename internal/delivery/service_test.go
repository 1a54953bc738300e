package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/inventory/inventorytest"
	"github.com/odyssey-erp/fulfillment/internal/locations"
	"github.com/odyssey-erp/fulfillment/internal/locations/locationstest"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	stock  *inventorytest.Store
	mu     sync.Mutex
	orders map[uuid.UUID]map[uuid.UUID]SalesOrder
	notes  map[uuid.UUID][]DeliveryNote
}

type mockTx struct {
	repo     *mockRepository
	tenantID uuid.UUID
	stock    inventory.TxRepository
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		stock:  inventorytest.New(),
		orders: make(map[uuid.UUID]map[uuid.UUID]SalesOrder),
		notes:  make(map[uuid.UUID][]DeliveryNote),
	}
}

func copyOrder(so SalesOrder) SalesOrder {
	so.Lines = append([]OrderLine(nil), so.Lines...)
	return so
}

func (m *mockRepository) addOrder(tenantID uuid.UUID, items []uuid.UUID, ordered ...int64) SalesOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	so := SalesOrder{ID: uuid.New(), Number: "SO-" + uuid.NewString()[:6], CustomerID: uuid.New(), Status: StatusConfirmed, Currency: "EUR", OrderDate: time.Now()}
	for i, q := range ordered {
		so.Lines = append(so.Lines, OrderLine{
			ID:                uuid.New(),
			OrderID:           so.ID,
			LineNo:            i + 1,
			ItemID:            items[i],
			QuantityOrdered:   decimal.NewFromInt(q),
			QuantityDelivered: decimal.Zero,
			UnitPrice:         decimal.NewFromInt(40),
		})
	}
	if m.orders[tenantID] == nil {
		m.orders[tenantID] = make(map[uuid.UUID]SalesOrder)
	}
	m.orders[tenantID][so.ID] = copyOrder(so)
	return so
}

func (m *mockRepository) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	return m.stock.RunTx(tenantID, func(stock inventory.TxRepository) error {
		m.mu.Lock()
		orders := make(map[uuid.UUID]SalesOrder, len(m.orders[tenantID]))
		for id, so := range m.orders[tenantID] {
			orders[id] = copyOrder(so)
		}
		notes := append([]DeliveryNote(nil), m.notes[tenantID]...)
		m.mu.Unlock()

		if err := fn(ctx, &mockTx{repo: m, tenantID: tenantID, stock: stock}); err != nil {
			m.mu.Lock()
			m.orders[tenantID] = orders
			m.notes[tenantID] = notes
			m.mu.Unlock()
			return err
		}
		return nil
	})
}

func (m *mockRepository) GetOrder(_ context.Context, tenantID, id uuid.UUID) (SalesOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	so, ok := m.orders[tenantID][id]
	if !ok {
		return SalesOrder{}, ErrOrderNotFound
	}
	return copyOrder(so), nil
}

func (m *mockRepository) ListNotes(_ context.Context, tenantID, orderID uuid.UUID) ([]DeliveryNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryNote
	for _, n := range m.notes[tenantID] {
		if n.OrderID == orderID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *mockTx) LockOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	return t.repo.GetOrder(ctx, t.tenantID, id)
}

func (t *mockTx) UpdateLineDelivered(_ context.Context, lineID uuid.UUID, delivered decimal.Decimal) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, so := range t.repo.orders[t.tenantID] {
		for i := range so.Lines {
			if so.Lines[i].ID == lineID {
				if delivered.GreaterThan(so.Lines[i].QuantityOrdered) {
					return shared.ErrInvariant
				}
				so.Lines[i].QuantityDelivered = delivered
				t.repo.orders[t.tenantID][id] = so
				return nil
			}
		}
	}
	return ErrLineNotOnOrder
}

func (t *mockTx) UpdateOrderStatus(_ context.Context, id uuid.UUID, status OrderStatus) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	so, ok := t.repo.orders[t.tenantID][id]
	if !ok {
		return ErrOrderNotFound
	}
	so.Status = status
	t.repo.orders[t.tenantID][id] = so
	return nil
}

func (t *mockTx) InsertNote(_ context.Context, n DeliveryNote) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	n.Lines = append([]DeliveryLine(nil), n.Lines...)
	t.repo.notes[t.tenantID] = append(t.repo.notes[t.tenantID], n)
	return nil
}

func (t *mockTx) Stock() inventory.TxRepository { return t.stock }

// ============================================================================
// FIXTURE
// ============================================================================

type testEnv struct {
	repo     *mockRepository
	locs     *locationstest.Repository
	svc      *Service
	tenantID uuid.UUID
	loc      uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{repo: newMockRepository(), locs: locationstest.New(), tenantID: uuid.New()}
	env.loc = env.locs.Add(env.tenantID, "WH-1", true)
	env.svc = NewService(env.repo, NewInventoryAdapter(env.repo.stock), locations.NewDirectory(env.locs), Config{})
	return env
}

func (e *testEnv) key(item uuid.UUID) inventory.PositionKey {
	return inventory.PositionKey{ItemID: item, LocationID: e.loc}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// ============================================================================
// DELIVER GOODS
// ============================================================================

func TestDeliverGoodsInsufficientStock(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 20)

	_, err := env.svc.DeliverGoods(context.Background(), DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(12)}}})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.True(t, shared.IsRetryable(err))

	var shortErr *inventory.InsufficientStockError
	require.True(t, errors.As(err, &shortErr))
	assert.True(t, shortErr.Shortfall().Equal(dec(2)))

	pos, _ := env.repo.stock.Position(env.tenantID, env.key(item))
	assert.True(t, pos.Quantity.Equal(dec(10)))
	assert.Len(t, env.repo.stock.Movements(env.tenantID), 1)

	stored, _ := env.repo.GetOrder(context.Background(), env.tenantID, so.ID)
	assert.True(t, stored.Lines[0].QuantityDelivered.IsZero())
	assert.Equal(t, StatusConfirmed, stored.Status)
}

func TestDeliverGoodsPartialAndComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(a), dec(10), decimal.Zero)
	env.repo.stock.Seed(env.tenantID, env.key(b), dec(10), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{a, b}, 4, 6)

	updated, err := env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(4)}}})
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyDelivered, updated.Status)

	updated, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[1].ID, Quantity: dec(6)}}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)

	pos, _ := env.repo.stock.Position(env.tenantID, env.key(b))
	assert.True(t, pos.Quantity.Equal(dec(4)))

	movements, err := env.repo.stock.ListMovements(ctx, env.tenantID, inventory.MovementFilter{ReferenceType: inventory.RefSalesOrder, ReferenceID: so.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	for _, mv := range movements {
		assert.Equal(t, inventory.MovementOutbound, mv.Type)
		assert.True(t, mv.Delta.IsNegative())
	}

	notes, err := env.svc.ListNotes(ctx, env.tenantID, so.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, movements[0].ID, notes[0].Lines[0].MovementID)

	_, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[1].ID, Quantity: dec(1)}}})
	assert.ErrorIs(t, err, ErrOverDelivery)
}

func TestDeliverGoodsNamesEveryShortfall(t *testing.T) {
	env := newTestEnv(t)
	a, b := uuid.New(), uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(a), dec(1), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{a, b, a}, 5, 5, 5)

	_, err := env.svc.DeliverGoods(context.Background(), DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{
		{OrderLineID: so.Lines[0].ID, Quantity: dec(1)},
		{OrderLineID: so.Lines[1].ID, Quantity: dec(2)},
		{OrderLineID: so.Lines[2].ID, Quantity: dec(1)},
	}})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Contains(t, err.Error(), a.String())
	assert.Contains(t, err.Error(), b.String())
	assert.Len(t, env.repo.stock.Movements(env.tenantID), 1)
}

func TestDeliverGoodsConsumesReservation(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), dec(6))
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 8)

	// available is 4, so 5 fails fast
	_, err := env.svc.DeliverGoods(context.Background(), DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(5)}}})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	_, err = env.svc.DeliverGoods(context.Background(), DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(4)}}})
	require.NoError(t, err)
	pos, _ := env.repo.stock.Position(env.tenantID, env.key(item))
	assert.True(t, pos.Quantity.Equal(dec(6)))
	assert.True(t, pos.Available.Equal(pos.Quantity.Sub(pos.Reserved)))
}

func TestDeliverGoodsPreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 5)
	lines := []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(1)}}

	_, err := env.svc.DeliverGoods(ctx, DeliverInput{OrderID: so.ID, Lines: lines})
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID})
	assert.ErrorIs(t, err, ErrEmptyDelivery)

	_, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(-1)}}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: uuid.New(), Quantity: dec(1)}}})
	assert.ErrorIs(t, err, ErrLineNotOnOrder)

	unknown := uuid.New()
	_, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(1), LocationID: &unknown}}})
	assert.ErrorIs(t, err, locations.ErrNotFound)

	_, err = env.svc.CancelOrder(ctx, env.tenantID, so.ID, uuid.Nil, "customer request")
	require.NoError(t, err)
	_, err = env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: lines})
	assert.ErrorIs(t, err, ErrOrderCancelled)
}

func TestDeliverGoodsIsTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	other := uuid.New()
	otherLoc := env.locs.Add(other, "WH-OTHER", true)
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 5)
	otherSO := env.repo.addOrder(other, []uuid.UUID{item}, 5)

	_, err := env.svc.DeliverGoods(context.Background(), DeliverInput{TenantID: other, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(1)}}})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	// the other tenant's own order cannot draw on this tenant's stock
	_, err = env.svc.DeliverGoods(context.Background(), DeliverInput{TenantID: other, OrderID: otherSO.ID, Lines: []DeliverLine{{OrderLineID: otherSO.Lines[0].ID, Quantity: dec(1)}}})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	_, exists := env.repo.stock.Position(other, inventory.PositionKey{ItemID: item, LocationID: otherLoc})
	assert.False(t, exists)
}

// barrierReader lets every caller read availability before any of them proceeds,
// so concurrent deliveries all pass the pre-check.
type barrierReader struct {
	inner PositionReader
	wg    *sync.WaitGroup
}

func (b barrierReader) GetPosition(ctx context.Context, tenantID uuid.UUID, key inventory.PositionKey) (inventory.Position, error) {
	pos, err := b.inner.GetPosition(ctx, tenantID, key)
	b.wg.Done()
	b.wg.Wait()
	return pos, err
}

func TestConcurrentDeliveriesNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), decimal.Zero)
	first := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 6)
	second := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 6)

	var barrier sync.WaitGroup
	barrier.Add(2)
	env.svc.stock = NewInventoryAdapter(barrierReader{inner: env.repo.stock, wg: &barrier})

	results := make([]error, 2)
	var g errgroup.Group
	for i, so := range []SalesOrder{first, second} {
		i, so := i, so
		g.Go(func() error {
			_, results[i] = env.svc.DeliverGoods(context.Background(), DeliverInput{
				TenantID: env.tenantID,
				OrderID:  so.ID,
				Lines:    []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(6)}},
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var failures int
	for _, err := range results {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
			assert.True(t, shared.IsRetryable(err))
		}
	}
	assert.Equal(t, 1, failures)

	pos, _ := env.repo.stock.Position(env.tenantID, env.key(item))
	assert.True(t, pos.Quantity.Equal(dec(4)), "final quantity %s", pos.Quantity)
	discrepancies, err := env.repo.stock.VerifyLedger(context.Background(), env.tenantID)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestCancelSalesOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 5)

	_, err := env.svc.DeliverGoods(ctx, DeliverInput{TenantID: env.tenantID, OrderID: so.ID, Lines: []DeliverLine{{OrderLineID: so.Lines[0].ID, Quantity: dec(2)}}})
	require.NoError(t, err)
	_, err = env.svc.CancelOrder(ctx, env.tenantID, so.ID, uuid.Nil, "")
	assert.ErrorIs(t, err, ErrCannotCancel)
}

func TestRecomputeStatusIsIdempotent(t *testing.T) {
	lines := []OrderLine{
		{QuantityOrdered: dec(5), QuantityDelivered: dec(5)},
		{QuantityOrdered: dec(5), QuantityDelivered: dec(1)},
	}
	first := RecomputeStatus(StatusConfirmed, lines)
	assert.Equal(t, StatusPartiallyDelivered, first)
	assert.Equal(t, first, RecomputeStatus(first, lines))

	lines[1].QuantityDelivered = dec(5)
	assert.Equal(t, StatusCompleted, RecomputeStatus(first, lines))
	assert.Equal(t, StatusCancelled, RecomputeStatus(StatusCancelled, lines))
}
