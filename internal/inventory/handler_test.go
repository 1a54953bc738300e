package inventory_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

func newTestRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get(tenant.HeaderTenant); raw != "" {
				req = req.WithContext(tenant.WithTenant(req.Context(), uuid.MustParse(raw)))
			}
			next.ServeHTTP(w, req)
		})
	})
	inventory.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc).MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, tenantID uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenantID != uuid.Nil {
		req.Header.Set(tenant.HeaderTenant, tenantID.String())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerTransfer(t *testing.T) {
	f := newFixture(t)
	item := uuid.New()
	f.store.Seed(f.tenantID, inventory.PositionKey{ItemID: item, LocationID: f.locA}, qty(10), decimal.Zero)
	router := newTestRouter(f)

	body := `{"item_id":"` + item.String() + `","from_location_id":"` + f.locA.String() + `","to_location_id":"` + f.locB.String() + `","quantity":"5"}`
	rec := doJSON(t, router, http.MethodPost, "/transfers", f.tenantID, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res inventory.TransferResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.To.Quantity.Equal(qty(5)))

	rec = doJSON(t, router, http.MethodPost, "/transfers", f.tenantID, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/transfers", f.tenantID, body)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.True(t, problem.Retryable)
}

func TestHandlerTransferOntoSourceIsRejected(t *testing.T) {
	f := newFixture(t)
	item := uuid.New()
	f.store.Seed(f.tenantID, inventory.PositionKey{ItemID: item, LocationID: f.locA}, qty(10), decimal.Zero)
	router := newTestRouter(f)

	body := `{"item_id":"` + item.String() + `","from_location_id":"` + f.locA.String() + `","to_location_id":"` + f.locA.String() + `","quantity":"5"}`
	rec := doJSON(t, router, http.MethodPost, "/transfers", f.tenantID, body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Contains(t, problem.Detail, inventory.ErrSameLocation.Error())
	require.Len(t, f.store.Movements(f.tenantID), 1, "only the opening balance is on the ledger")
}

func TestHandlerValidation(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	rec := doJSON(t, router, http.MethodPost, "/adjustments", f.tenantID, `{"item_id":"`+uuid.NewString()+`","location_id":"`+f.locA.String()+`","quantity":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = doJSON(t, router, http.MethodPost, "/adjustments", f.tenantID, `{"bogus":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/adjustments", uuid.Nil, `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/positions/not-a-uuid/"+f.locA.String(), f.tenantID, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPositionReads(t *testing.T) {
	f := newFixture(t)
	item := uuid.New()
	f.store.Seed(f.tenantID, inventory.PositionKey{ItemID: item, LocationID: f.locA}, qty(3), decimal.Zero)
	router := newTestRouter(f)

	rec := doJSON(t, router, http.MethodGet, "/positions/"+item.String()+"/"+f.locA.String(), f.tenantID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/positions/"+item.String()+"/"+f.locB.String(), f.tenantID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/positions/"+item.String()+"/"+f.locA.String(), uuid.New(), "")
	require.Equal(t, http.StatusNotFound, rec.Code, "positions of another tenant are invisible")

	rec = doJSON(t, router, http.MethodGet, "/movements?item_id="+item.String(), f.tenantID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Movements []inventory.Movement `json:"movements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Movements, 1)
}
