package delivery

import (
	"encoding/json"
	"fmt"
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

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
)

func (e *testEnv) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get(tenant.HeaderTenant); raw != "" {
				req = req.WithContext(tenant.WithTenant(req.Context(), uuid.MustParse(raw)))
			}
			next.ServeHTTP(w, req)
		})
	})
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), e.svc).MountRoutes(r)
	return r
}

func call(h http.Handler, method, path string, tenantID uuid.UUID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenantID != uuid.Nil {
		req.Header.Set(tenant.HeaderTenant, tenantID.String())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerDeliverAndGetOrder(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(10), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 8)
	router := env.router()

	body := fmt.Sprintf(`{"lines":[{"order_line_id":%q,"quantity":"5"}]}`, so.Lines[0].ID)
	rec := call(router, http.MethodPost, "/"+so.ID.String()+"/deliveries", env.tenantID, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order SalesOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	require.Equal(t, StatusPartiallyDelivered, order.Status)
	require.True(t, order.Lines[0].QuantityDelivered.Equal(dec(5)))

	rec = call(router, http.MethodGet, "/"+so.ID.String(), env.tenantID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Order SalesOrder     `json:"order"`
		Notes []DeliveryNote `json:"delivery_notes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Notes, 1)
	require.Equal(t, env.loc, view.Notes[0].Lines[0].LocationID)
}

func TestHandlerInsufficientStockIsRetryableConflict(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	env.repo.stock.Seed(env.tenantID, env.key(item), dec(3), decimal.Zero)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 8)

	body := fmt.Sprintf(`{"lines":[{"order_line_id":%q,"quantity":"5"}]}`, so.Lines[0].ID)
	rec := call(env.router(), http.MethodPost, "/"+so.ID.String()+"/deliveries", env.tenantID, body)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.True(t, problem.Retryable)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	item := uuid.New()
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{item}, 8)
	router := env.router()

	cases := []struct {
		name   string
		path   string
		tenant uuid.UUID
		body   string
		status int
	}{
		{"no tenant", "/" + so.ID.String() + "/deliveries", uuid.Nil, `{"lines":[]}`, http.StatusUnprocessableEntity},
		{"bad order id", "/not-a-uuid/deliveries", env.tenantID, `{}`, http.StatusBadRequest},
		{"no lines", "/" + so.ID.String() + "/deliveries", env.tenantID, `{"lines":[]}`, http.StatusBadRequest},
		{"unknown field", "/" + so.ID.String() + "/deliveries", env.tenantID, `{"lines":[],"extra":1}`, http.StatusBadRequest},
		{"other tenant", "/" + so.ID.String() + "/deliveries", uuid.New(), fmt.Sprintf(`{"lines":[{"order_line_id":%q,"quantity":"1"}]}`, so.Lines[0].ID), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(router, http.MethodPost, tc.path, tc.tenant, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlerCancelWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	so := env.repo.addOrder(env.tenantID, []uuid.UUID{uuid.New()}, 8)

	rec := call(env.router(), http.MethodPost, "/"+so.ID.String()+"/cancel", env.tenantID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var order SalesOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	require.Equal(t, StatusCancelled, order.Status)
}
