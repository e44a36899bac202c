package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/broker/paper"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/database/databasetest"
	"order-gateway-go/internal/dispatch"
	"order-gateway-go/internal/gateway"
	"order-gateway-go/internal/keystore"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/metrics"
	"order-gateway-go/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler  http.Handler
	recorder *audit.Recorder
	keys     *keystore.Store
	account  models.Account
	apiKey   string
}

func setupTestServer(t *testing.T, rl config.RateLimit) *testServer {
	t.Helper()
	log := zap.NewNop()
	db := databasetest.New(t)

	keys := keystore.NewStore(db, "test-pepper", log)
	acct, key, err := keys.Create(context.Background(), keystore.NewAccount{Username: "trader", Email: "trader@example.com"})
	require.NoError(t, err)

	pb, err := paper.New(config.Paper{AvailableCash: "100000", UsedMargin: "25000", TotalCollateral: "100000"}, log)
	require.NoError(t, err)
	registry, err := broker.NewRegistry(paper.Name, pb)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	recorder := audit.NewRecorder(db, config.Audit{Timeout: time.Second, PayloadLimit: 4096}, alert.NewLogAlerter(log), m, log)

	l := ledger.New(db, log)
	d := dispatch.NewDispatcher(config.Dispatch{Mode: "async", Workers: 1, QueueSize: 16, Timeout: 50 * time.Millisecond}, l, registry, recorder, nil, m, log)
	svc := gateway.NewService(keys, l, d, registry, m, log)

	srv, err := NewServer(config.Server{Port: 0}, rl, Deps{
		Service:  svc,
		Auditor:  recorder,
		Metrics:  m,
		Gatherer: reg,
		Health:   func(ctx context.Context) error { return db.WithContext(ctx).Exec("SELECT 1").Error },
	}, log)
	require.NoError(t, err)

	return &testServer{handler: srv.Handler(), recorder: recorder, keys: keys, account: acct, apiKey: key}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

// send issues a raw request from remoteAddr and returns the recorded response.
func (ts *testServer) send(method, path, remoteAddr, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) auditTrail(t *testing.T) []models.AuditRecord {
	t.Helper()
	records, err := ts.recorder.List(context.Background(), audit.Filter{Limit: 100})
	require.NoError(t, err)
	return records
}

func (ts *testServer) apiRecords(t *testing.T) []models.AuditRecord {
	t.Helper()
	var out []models.AuditRecord
	for _, r := range ts.auditTrail(t) {
		if r.Method != dispatch.MethodSystem {
			out = append(out, r)
		}
	}
	return out
}

func (ts *testServer) relianceOrder() map[string]any {
	return map[string]any{
		"apikey":    ts.apiKey,
		"symbol":    "RELIANCE",
		"exchange":  "NSE",
		"action":    "BUY",
		"quantity":  10,
		"ordertype": "LIMIT",
		"price":     2500,
	}
}

func TestPlaceCancelCancelAgain(t *testing.T) {
	// Arrange
	ts := setupTestServer(t, config.RateLimit{})

	// Act
	rr, placed := ts.post(t, "/api/v1/placeorder", ts.relianceOrder())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	orderID := placed["orderid"].(string)

	cancelRR, cancelled := ts.post(t, "/api/v1/cancelorder", map[string]any{"apikey": ts.apiKey, "orderid": orderID})
	againRR, again := ts.post(t, "/api/v1/cancelorder", map[string]any{"apikey": ts.apiKey, "orderid": orderID})

	// Assert
	assert.Equal(t, "success", placed["status"])
	assert.Equal(t, "PENDING", placed["order_status"])
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))

	assert.Equal(t, http.StatusOK, cancelRR.Code)
	assert.Equal(t, "CANCELLED", cancelled["order_status"])

	assert.Equal(t, http.StatusConflict, againRR.Code)
	assert.Equal(t, "error", again["status"])
	assert.Equal(t, "CANCELLED", again["current_status"])

	records := ts.apiRecords(t)
	require.Len(t, records, 3)
	codes := []int{records[0].OutcomeCode, records[1].OutcomeCode, records[2].OutcomeCode}
	assert.Equal(t, []int{200, 200, 409}, codes)
	for _, r := range records {
		assert.Equal(t, orderID, r.OrderID)
		require.NotNil(t, r.AccountID)
		assert.Equal(t, ts.account.ID, *r.AccountID)
		assert.NotContains(t, r.RequestPayload, ts.apiKey)
	}
	assert.Equal(t, rr.Header().Get(requestIDHeader), records[0].CorrelationID)
}

func TestRelianceMarketScenario(t *testing.T) {
	// Arrange
	ts := setupTestServer(t, config.RateLimit{})
	order := ts.relianceOrder()
	order["ordertype"] = "MARKET"
	delete(order, "price")

	// Act
	rr, placed := ts.post(t, "/api/v1/placeorder", order)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	orderID := placed["orderid"].(string)
	cancelRR, cancelled := ts.post(t, "/api/v1/cancelorder", map[string]any{"apikey": ts.apiKey, "orderid": orderID})
	againRR, again := ts.post(t, "/api/v1/cancelorder", map[string]any{"apikey": ts.apiKey, "orderid": orderID})
	_, status := ts.post(t, "/api/v1/orderstatus", map[string]any{"apikey": ts.apiKey, "orderid": orderID})

	// Assert
	assert.Equal(t, "PENDING", placed["order_status"])
	assert.Equal(t, http.StatusOK, cancelRR.Code)
	assert.Equal(t, "CANCELLED", cancelled["order_status"])
	assert.Equal(t, http.StatusConflict, againRR.Code)
	assert.Equal(t, "CANCELLED", again["current_status"])

	data, ok := status["data"].(map[string]any)
	require.True(t, ok, status)
	assert.Equal(t, "MARKET", data["ordertype"])
	assert.Nil(t, data["price"])

	codes := make([]int, 0, 4)
	for _, r := range ts.apiRecords(t) {
		codes = append(codes, r.OutcomeCode)
	}
	assert.Equal(t, []int{200, 200, 409, 200}, codes)
}

func TestPlaceOrderQuantityForms(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})

	asString := ts.relianceOrder()
	asString["quantity"] = "10"
	rr, _ := ts.post(t, "/api/v1/placeorder", asString)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, _ = ts.post(t, "/api/v1/placeorder", ts.relianceOrder())
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestPlaceOrderDuplicate(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})
	body := ts.relianceOrder()
	body["nonce"] = "retry-1"

	_, first := ts.post(t, "/api/v1/placeorder", body)
	rr, second := ts.post(t, "/api/v1/placeorder", body)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["orderid"], second["orderid"])
	_, hasDup := first["duplicate"]
	assert.False(t, hasDup)
}

func TestAuthFailures(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})

	testCases := []struct {
		name string
		body any
	}{
		{"MissingKey", map[string]any{}},
		{"WrongKey", map[string]any{"apikey": "not-a-key"}},
		{"EmptyBody", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr, out := ts.post(t, "/api/v1/orderbook", tc.body)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "error", out["status"])
		})
	}

	require.NoError(t, ts.keys.Deactivate(context.Background(), ts.account.ID))
	rr, _ := ts.post(t, "/api/v1/orderbook", map[string]any{"apikey": ts.apiKey})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	records := ts.apiRecords(t)
	require.Len(t, records, 4)
	for _, r := range records {
		assert.Equal(t, http.StatusUnauthorized, r.OutcomeCode)
		assert.Nil(t, r.AccountID)
	}
}

func TestValidationErrors(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})

	body := ts.relianceOrder()
	body["action"] = "HOLD"
	delete(body, "price")
	rr, out := ts.post(t, "/api/v1/placeorder", body)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	fields, ok := out["fields"].(map[string]any)
	require.True(t, ok, rr.Body.String())
	assert.Contains(t, fields, "action")
	assert.Contains(t, fields, "price")

	rr, _ = ts.post(t, "/api/v1/placeorder", `{"apikey": "x", `)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Len(t, ts.apiRecords(t), 2)
}

func TestOrderStatusAndOrderbook(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})
	_, placed := ts.post(t, "/api/v1/placeorder", ts.relianceOrder())

	rr, out := ts.post(t, "/api/v1/orderstatus", map[string]any{"apikey": ts.apiKey, "orderid": placed["orderid"]})
	require.Equal(t, http.StatusOK, rr.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "RELIANCE", data["symbol"])
	assert.Equal(t, "PENDING", data["status"])

	rr, _ = ts.post(t, "/api/v1/orderstatus", map[string]any{"apikey": ts.apiKey, "orderid": "ORDMISSING"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, out = ts.post(t, "/api/v1/orderbook", map[string]any{"apikey": ts.apiKey})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, out["data"], 1)
}

func TestFunds(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})

	rr, out := ts.post(t, "/api/v1/funds", map[string]any{"apikey": ts.apiKey})

	require.Equal(t, http.StatusOK, rr.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "75000", data["available_margin"])
	assert.Equal(t, "100000", data["total_collateral"])
}

func TestRateLimited(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{Enabled: true, RPS: 0.001, Burst: 1})
	body := map[string]any{"apikey": ts.apiKey}

	first, _ := ts.post(t, "/api/v1/orderbook", body)
	second, out := ts.post(t, "/api/v1/orderbook", body)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "error", out["status"])

	records := ts.apiRecords(t)
	require.Len(t, records, 2)
	assert.Equal(t, http.StatusTooManyRequests, records[1].OutcomeCode)
}

func TestRateLimitedPerAddressBeforeAuth(t *testing.T) {
	// Arrange
	ts := setupTestServer(t, config.RateLimit{Enabled: true, RPS: 0.001, Burst: 2})

	// Act: every request invents a new key from the same address.
	var codes []int
	for i := 0; i < 5; i++ {
		rr := ts.send(http.MethodPost, "/api/v1/orderbook", "192.0.2.10:5000", fmt.Sprintf(`{"apikey":"bogus-%d"}`, i))
		codes = append(codes, rr.Code)
	}
	other := ts.send(http.MethodPost, "/api/v1/orderbook", "192.0.2.11:5000", `{"apikey":"bogus-x"}`)

	// Assert
	assert.Equal(t, []int{401, 401, 429, 429, 429}, codes)
	assert.Equal(t, http.StatusUnauthorized, other.Code)
	assert.Len(t, ts.apiRecords(t), 6)
}

func TestRateLimitedPerAccountAcrossAddresses(t *testing.T) {
	// Arrange
	ts := setupTestServer(t, config.RateLimit{Enabled: true, RPS: 0.001, Burst: 1})
	body := fmt.Sprintf(`{"apikey":%q}`, ts.apiKey)

	// Act
	first := ts.send(http.MethodPost, "/api/v1/orderbook", "192.0.2.20:5000", body)
	second := ts.send(http.MethodPost, "/api/v1/orderbook", "192.0.2.21:5000", body)

	// Assert
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestAuditRedactsKeyInAnySpelling(t *testing.T) {
	// Arrange
	ts := setupTestServer(t, config.RateLimit{})
	bodies := []string{
		fmt.Sprintf(`{"APIKEY":%q}`, ts.apiKey),
		fmt.Sprintf(`{"ApiKey" : %q}`, ts.apiKey),
		fmt.Sprintf(`{"api\u006bey":%q}`, ts.apiKey),
	}

	for _, body := range bodies {
		// Act
		rr := ts.send(http.MethodPost, "/api/v1/orderbook", "", body)

		// Assert
		assert.Equal(t, http.StatusOK, rr.Code, body)
	}
	records := ts.apiRecords(t)
	require.Len(t, records, len(bodies))
	for _, r := range records {
		assert.NotContains(t, r.RequestPayload, ts.apiKey)
		assert.Contains(t, r.RequestPayload, "[REDACTED]")
	}
}

func TestUnmatchedAPIRoutesAreAudited(t *testing.T) {
	// Arrange
	ts := setupTestServer(t, config.RateLimit{})

	// Act
	wrongMethod := ts.send(http.MethodGet, "/api/v1/placeorder", "", "")
	unknown := ts.send(http.MethodPost, "/api/v1/modifyorder", "", fmt.Sprintf(`{"apikey":%q}`, ts.apiKey))
	trailing := ts.send(http.MethodPost, "/api/v1/placeorder/", "", "{}")
	outside := ts.send(http.MethodGet, "/nowhere", "", "")

	// Assert
	assert.Equal(t, http.StatusMethodNotAllowed, wrongMethod.Code)
	assert.Contains(t, wrongMethod.Body.String(), `"status":"error"`)
	assert.NotEmpty(t, wrongMethod.Header().Get(requestIDHeader))
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, http.StatusNotFound, trailing.Code)
	assert.Equal(t, http.StatusNotFound, outside.Code)
	assert.Empty(t, outside.Header().Get(requestIDHeader))

	records := ts.apiRecords(t)
	require.Len(t, records, 3)
	assert.Equal(t, http.StatusMethodNotAllowed, records[0].OutcomeCode)
	assert.Equal(t, "/api/v1/placeorder", records[0].Endpoint)
	assert.Equal(t, http.MethodGet, records[0].Method)
	assert.Equal(t, http.StatusNotFound, records[1].OutcomeCode)
	assert.Equal(t, "/api/v1/modifyorder", records[1].Endpoint)
	assert.NotContains(t, records[1].RequestPayload, ts.apiKey)
	assert.Equal(t, http.StatusNotFound, records[2].OutcomeCode)
}

func TestPanicIsAuditedAsInternal(t *testing.T) {
	// Arrange: no service wired, so authentication dereferences nil.
	log := zap.NewNop()
	db := databasetest.New(t)
	recorder := audit.NewRecorder(db, config.Audit{Timeout: time.Second, PayloadLimit: 4096}, alert.NewLogAlerter(log), nil, log)
	srv, err := NewServer(config.Server{}, config.RateLimit{}, Deps{Auditor: recorder}, log)
	require.NoError(t, err)

	// Act
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orderbook", bytes.NewBufferString(`{"apikey":"k"}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	// Assert
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "Internal server error")
	records, err := recorder.List(context.Background(), audit.Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusInternalServerError, records[0].OutcomeCode)
	assert.Contains(t, records[0].ResponsePayload, "Internal server error")
}

func TestPingHealthMetrics(t *testing.T) {
	ts := setupTestServer(t, config.RateLimit{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set(requestIDHeader, "req-123")
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pong")
	assert.Equal(t, "req-123", rr.Header().Get(requestIDHeader))

	records := ts.apiRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "req-123", records[0].CorrelationID)
	assert.Equal(t, "/api/v1/ping", records[0].Endpoint)

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "order_gateway_http_requests_total")

	// Neither operational endpoint is audited.
	assert.Len(t, ts.apiRecords(t), 1)
}
