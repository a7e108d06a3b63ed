package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, gw *fakeGateway) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t, gw)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateOrder(t *testing.T) {
	r, _ := setupRouter(t, &fakeGateway{fn: succeeding()})

	w := doJSON(r, http.MethodPost, "/v1/orders/escrow", validRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Order   CreateResult `json:"order"`
		Message string       `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "SUCCESS", body.Order.SettlementStatus)
	assert.Equal(t, int64(2000), body.Order.SettlementFee)
	assert.NotEmpty(t, body.Message)
}

func TestHandler_CreateOrderQuantity(t *testing.T) {
	r, f := setupRouter(t, &fakeGateway{fn: succeeding()})

	w := doJSON(r, http.MethodPost, "/v1/orders/escrow", map[string]any{
		"customerId": buyerID, "productId": 1, "walletAddress": testWallet,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		Order CreateResult `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(100000), body.Order.TotalAmount, "absent quantity is one unit")

	w = doJSON(r, http.MethodPost, "/v1/orders/escrow", map[string]any{
		"customerId": buyerID, "productId": 1, "quantity": 0, "walletAddress": testWallet,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "quantity")
	assert.Len(t, f.gateway.Calls(), 1, "rejected order makes no settlement attempt")
}

func TestHandler_CreateOrderQueued(t *testing.T) {
	r, _ := setupRouter(t, &fakeGateway{fn: failingWith(503)})

	w := doJSON(r, http.MethodPost, "/v1/orders/escrow", validRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"settlementStatus":"QUEUED"`)
	assert.Contains(t, w.Body.String(), `"settlementCallId":"call_`)
}

func TestHandler_CreateOrderErrors(t *testing.T) {
	tests := []struct {
		name string
		gw   *fakeGateway
		req  any
		code int
	}{
		{"bad body", &fakeGateway{fn: succeeding()}, map[string]any{"productId": "x"}, http.StatusBadRequest},
		{"validation", &fakeGateway{fn: succeeding()}, func() CreateOrderRequest {
			r := validRequest()
			r.Quantity = 100
			return r
		}(), http.StatusBadRequest},
		{"unknown product", &fakeGateway{fn: succeeding()}, func() CreateOrderRequest {
			r := validRequest()
			r.ProductID = 77
			return r
		}(), http.StatusNotFound},
		{"permanent chain failure", &fakeGateway{fn: failingWith(422)}, validRequest(), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := setupRouter(t, tt.gw)
			w := doJSON(r, http.MethodPost, "/v1/orders/escrow", tt.req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestHandler_OrderLifecycle(t *testing.T) {
	r, f := setupRouter(t, &fakeGateway{fn: succeeding()})

	res, err := f.svc.CreateEscrowOrder(t.Context(), validRequest())
	require.NoError(t, err)
	id := strconv.FormatInt(res.OrderID, 10)

	w := doJSON(r, http.MethodGet, "/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"Pending"`)

	w = doJSON(r, http.MethodPost, "/v1/orders/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"RELEASED"`)

	w = doJSON(r, http.MethodPost, "/v1/orders/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/orders/9999/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/customers/10/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(r, http.MethodGet, "/v1/customers/10/escrow-events?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Events []EscrowEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, LedgerReleased, events.Events[0].Escrow.Status)

	w = doJSON(r, http.MethodGet, "/v1/customers/55/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"orders":[]`)
}
