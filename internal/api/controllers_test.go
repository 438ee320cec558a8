package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"safety-core/internal/events"
	"safety-core/internal/gateway"
	"safety-core/internal/monitor"
	"safety-core/internal/protect"
	"safety-core/internal/safety"
	"safety-core/pkg/db"
)

type testEnv struct {
	ts    *httptest.Server
	feed  *gateway.MockFeed
	state *safety.StateStore
}

func newTestAPIServer(t *testing.T) (*testEnv, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	feed := gateway.NewMockFeed(bus, []string{"BTCUSDT", "ETHUSDT"}, 50000)
	gw := gateway.NewPaperGateway(feed, 0)

	state := safety.NewStateStore(database, bus)
	validator := safety.NewValidator(state, safety.DefaultLimits(), feed)
	orders := protect.NewManager(database, bus, gw, validator, metrics)
	validator.SetStopLookup(orders)
	pm := protect.NewPriceMonitor(orders, feed, metrics)

	server := NewServer(
		bus,
		database,
		state,
		validator,
		orders,
		pm,
		metrics,
		SystemMeta{
			Paper:       true,
			Symbols:     []string{"BTCUSDT", "ETHUSDT"},
			UseMockFeed: true,
			Version:     "test",
		},
		"test-secret",
	)

	httpServer := httptest.NewServer(server.Router)

	cleanup := func() {
		pm.Stop()
		httpServer.Close()
		_ = database.Close()
	}
	return &testEnv{ts: httpServer, feed: feed, state: state}, cleanup
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL, email string) string {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", "", map[string]string{
		"username": "tester",
		"email":    email,
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/v1/orders", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got status=%d resp=%+v", status, resp)
	}
}

func TestValidateTradeAdjustsQuantity(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	token := registerAndLogin(t, client, env.ts.URL, "trader@example.com")
	env.feed.SetPrice("BTCUSDT", 50000)

	var resp safety.ValidationResult
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/trades/validate", token, map[string]any{
		"symbol":          "BTCUSDT",
		"side":            "buy",
		"quantity":        0.05,
		"price":           50000,
		"account_balance": 10000,
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("validate status=%d", status)
	}
	if !resp.Approved {
		t.Fatalf("expected approval, got %v", resp.RejectionReasons)
	}
	if resp.AdjustedQuantity < 0.0199 || resp.AdjustedQuantity > 0.0201 {
		t.Fatalf("AdjustedQuantity=%v, expected 0.02", resp.AdjustedQuantity)
	}
}

func TestCreateOrderValidationAndDuplicates(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	token := registerAndLogin(t, client, env.ts.URL, "trader@example.com")

	var errResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/orders/stop-loss", token, map[string]any{
		"symbol": "BTCUSDT",
		"side":   "buy",
	}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", status)
	}

	payload := map[string]any{
		"position_id": "pos-1",
		"symbol":      "BTCUSDT",
		"side":        "buy",
		"quantity":    0.1,
		"entry_price": 50000,
		"pct":         0.02,
	}
	var createResp struct {
		OrderID string        `json:"order_id"`
		Order   protect.Order `json:"order"`
	}
	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/orders/stop-loss", token, payload, &createResp)
	if status != http.StatusCreated || createResp.OrderID == "" {
		t.Fatalf("create stop loss status=%d resp=%+v", status, createResp)
	}
	if createResp.Order.TriggerPrice < 48999.9 || createResp.Order.TriggerPrice > 49000.1 {
		t.Fatalf("TriggerPrice=%v, expected 49000", createResp.Order.TriggerPrice)
	}

	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/orders/stop-loss", token, payload, &errResp)
	if status != http.StatusConflict || errResp.Code != "DUPLICATE_ORDER" {
		t.Fatalf("expected 409 DUPLICATE_ORDER, got status=%d resp=%+v", status, errResp)
	}
}

func TestCancelOrderLifecycle(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	token := registerAndLogin(t, client, env.ts.URL, "trader@example.com")

	var createResp struct {
		OrderID string `json:"order_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/orders/take-profit", token, map[string]any{
		"position_id": "pos-1",
		"symbol":      "ETHUSDT",
		"side":        "buy",
		"quantity":    1,
		"entry_price": 3000,
	}, &createResp)
	if status != http.StatusCreated {
		t.Fatalf("create take profit status=%d", status)
	}

	var listResp struct {
		Orders []protect.Order `json:"orders"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/v1/orders", token, nil, &listResp)
	if status != http.StatusOK || len(listResp.Orders) != 1 {
		t.Fatalf("list orders status=%d orders=%v", status, listResp.Orders)
	}

	var cancelResp struct {
		Canceled bool `json:"canceled"`
	}
	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/v1/orders/"+createResp.OrderID, token, nil, &cancelResp)
	if status != http.StatusOK || !cancelResp.Canceled {
		t.Fatalf("cancel status=%d resp=%+v", status, cancelResp)
	}
	// second cancel is a no-op
	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/v1/orders/"+createResp.OrderID, token, nil, &cancelResp)
	if status != http.StatusOK || cancelResp.Canceled {
		t.Fatalf("second cancel status=%d resp=%+v", status, cancelResp)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodDelete, env.ts.URL+"/api/v1/orders/missing", token, nil, &errResp)
	if status != http.StatusNotFound || errResp.Code != "ORDER_NOT_FOUND" {
		t.Fatalf("expected 404 ORDER_NOT_FOUND, got status=%d resp=%+v", status, errResp)
	}
}

func TestCheckTriggersExecutesStop(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	token := registerAndLogin(t, client, env.ts.URL, "trader@example.com")

	var createResp struct {
		OrderID string `json:"order_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/orders/stop-loss", token, map[string]any{
		"position_id": "pos-1",
		"symbol":      "BTCUSDT",
		"side":        "buy",
		"quantity":    0.1,
		"entry_price": 50000,
		"pct":         0.02,
	}, &createResp)
	if status != http.StatusCreated {
		t.Fatalf("create stop loss status=%d", status)
	}

	env.feed.SetPrice("BTCUSDT", 48900)

	var trigResp struct {
		Triggered []string `json:"triggered"`
	}
	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/orders/check-triggers", token, nil, &trigResp)
	if status != http.StatusOK {
		t.Fatalf("check-triggers status=%d", status)
	}
	if len(trigResp.Triggered) != 1 || trigResp.Triggered[0] != createResp.OrderID {
		t.Fatalf("triggered=%v, expected [%s]", trigResp.Triggered, createResp.OrderID)
	}

	// execution is dispatched asynchronously; the order leaves the active set
	deadline := time.Now().Add(2 * time.Second)
	for {
		var listResp struct {
			Orders []protect.Order `json:"orders"`
		}
		doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/v1/orders", token, nil, &listResp)
		if len(listResp.Orders) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order still active: %+v", listResp.Orders)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// the fill was journaled
	var tradesResp struct {
		Trades []db.Trade `json:"trades"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/v1/trades", token, nil, &tradesResp)
	if status != http.StatusOK || len(tradesResp.Trades) != 1 {
		t.Fatalf("trades status=%d trades=%v", status, tradesResp.Trades)
	}
	if tradesResp.Trades[0].OrderID != createResp.OrderID {
		t.Fatalf("trade OrderID=%s, expected %s", tradesResp.Trades[0].OrderID, createResp.OrderID)
	}
}

func TestKillSwitchResetRequiresAdmin(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	// first registered user is the admin, second is not
	adminToken := registerAndLogin(t, client, env.ts.URL, "admin@example.com")
	userToken := registerAndLogin(t, client, env.ts.URL, "user@example.com")

	if err := env.state.ActivateKillSwitch(context.Background(), "test halt"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/safety/reset", userToken, map[string]any{
		"admin_override": true,
	}, &errResp)
	if status != http.StatusForbidden || errResp.Code != "ADMIN_REQUIRED" {
		t.Fatalf("expected 403 ADMIN_REQUIRED, got status=%d resp=%+v", status, errResp)
	}

	// admin token without the explicit override flag: no-op
	var resetResp struct {
		Cleared bool `json:"cleared"`
	}
	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/safety/reset", adminToken, map[string]any{
		"admin_override": false,
	}, &resetResp)
	if status != http.StatusOK || resetResp.Cleared {
		t.Fatalf("override=false must not clear, status=%d resp=%+v", status, resetResp)
	}

	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/safety/reset", adminToken, map[string]any{
		"admin_override": true,
	}, &resetResp)
	if status != http.StatusOK || !resetResp.Cleared {
		t.Fatalf("reset status=%d resp=%+v", status, resetResp)
	}
	if env.state.Snapshot().KillSwitchActive {
		t.Fatal("kill switch still active after reset")
	}
}

func TestUpdateLimits(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	adminToken := registerAndLogin(t, client, env.ts.URL, "admin@example.com")

	var resp struct {
		Updated []string      `json:"updated"`
		Limits  safety.Limits `json:"limits"`
	}
	status := doJSONRequest(t, client, http.MethodPut, env.ts.URL+"/api/v1/safety/limits", adminToken, map[string]any{
		"max_position_size_pct": 0.2,
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("update limits status=%d", status)
	}
	if len(resp.Updated) != 1 || resp.Updated[0] != "max_position_size_pct" {
		t.Fatalf("updated=%v", resp.Updated)
	}
	if resp.Limits.MaxPositionSizePct != 0.2 {
		t.Fatalf("MaxPositionSizePct=%v", resp.Limits.MaxPositionSizePct)
	}
}

func TestMonitorStartStopEndpoints(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := env.ts.Client()
	token := registerAndLogin(t, client, env.ts.URL, "trader@example.com")

	var status protect.MonitorStatus
	if code := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/v1/monitor/status", "", nil, &status); code != http.StatusOK {
		t.Fatalf("monitor status code=%d", code)
	}
	if status.Running {
		t.Fatal("monitor should start stopped")
	}

	if code := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/monitor/start", token, map[string]any{"interval_seconds": 1}, &status); code != http.StatusOK {
		t.Fatalf("monitor start code=%d", code)
	}
	if !status.Running || status.IntervalSeconds != 1 {
		t.Fatalf("status=%+v, expected running at 1s", status)
	}

	if code := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/v1/monitor/stop", token, nil, &status); code != http.StatusOK {
		t.Fatalf("monitor stop code=%d", code)
	}
	if status.Running {
		t.Fatalf("status=%+v, expected stopped", status)
	}
}
