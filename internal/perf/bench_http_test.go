package perf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/inventory/inventorytest"
	"github.com/odyssey-erp/fulfillment/internal/locations"
	"github.com/odyssey-erp/fulfillment/internal/locations/locationstest"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

type inventoryFixture struct {
	router   http.Handler
	service  *inventory.Service
	tenantID uuid.UUID
	item     uuid.UUID
	from, to uuid.UUID
}

func newInventoryFixture(tb testing.TB) inventoryFixture {
	tb.Helper()
	store := inventorytest.New()
	locs := locationstest.New()
	f := inventoryFixture{tenantID: uuid.New(), item: uuid.New()}
	f.from = locs.Add(f.tenantID, "WH-1", true)
	f.to = locs.Add(f.tenantID, "WH-2", false)
	store.Seed(f.tenantID, inventory.PositionKey{ItemID: f.item, LocationID: f.from}, decimal.NewFromInt(1_000_000), decimal.Zero)

	f.service = inventory.NewService(store, nil, nil, inventory.ServiceConfig{Locations: locations.NewDirectory(locs)})
	handler := inventory.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.service)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), f.tenantID)))
		})
	})
	r.Route("/inventory", handler.MountRoutes)
	f.router = r
	return f
}

func TestPositionReadLatencyTarget(t *testing.T) {
	f := newInventoryFixture(t)
	path := fmt.Sprintf("/inventory/positions/%s/%s", f.item, f.from)

	samples := make([]time.Duration, 0, 200)
	for i := 0; i < 200; i++ {
		rr := httptest.NewRecorder()
		start := time.Now()
		f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		samples = append(samples, time.Since(start))
		if rr.Code != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
		}
	}

	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("position read latency regression: p95=%s", p95)
	}
}

func BenchmarkAdjustStock(b *testing.B) {
	f := newInventoryFixture(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := f.service.AdjustStock(ctx, inventory.AdjustInput{
			TenantID:   f.tenantID,
			ItemID:     f.item,
			LocationID: f.from,
			Delta:      decimal.NewFromInt(1),
			Reason:     "bench",
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTransferStock(b *testing.B) {
	f := newInventoryFixture(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		from, to := f.from, f.to
		if i%2 == 1 {
			from, to = to, from
		}
		_, err := f.service.TransferStock(ctx, inventory.TransferInput{
			TenantID:       f.tenantID,
			ItemID:         f.item,
			FromLocationID: from,
			ToLocationID:   to,
			Quantity:       decimal.NewFromInt(1),
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
