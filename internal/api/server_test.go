package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"risk-core/internal/action"
	"risk-core/internal/coordinator"
	"risk-core/internal/directory"
	"risk-core/internal/domain"
	"risk-core/internal/feed"
	"risk-core/internal/metrics"
	"risk-core/internal/notify"
	"risk-core/internal/store"
	"risk-core/internal/venue/common"
	"risk-core/pkg/crypto"
	"risk-core/pkg/db"
)

type stubAdapter struct{ balance float64 }

func (a *stubAdapter) GetBalance(ctx context.Context, creds common.Credentials) (common.Balance, error) {
	return common.Balance{Total: a.balance}, nil
}
func (a *stubAdapter) GetOpenPositions(ctx context.Context, creds common.Credentials) ([]common.Position, error) {
	return nil, nil
}
func (a *stubAdapter) PlaceOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (a *stubAdapter) CancelAllOrders(ctx context.Context, creds common.Credentials, symbol string) (common.CancelResult, error) {
	return common.CancelResult{}, nil
}
func (a *stubAdapter) CloseAllPositions(ctx context.Context, creds common.Credentials) (common.ClosedPositions, error) {
	return common.ClosedPositions{}, nil
}
func (a *stubAdapter) StreamAccount(ctx context.Context, creds common.Credentials, sink common.StreamSink) (common.Subscription, bool) {
	return nil, false
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	st := store.New(database)
	bus, err := notify.New(database, nil, notify.DefaultConfig(), "")
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}

	key := make([]byte, 32)
	os.Setenv("MASTER_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))
	t.Cleanup(func() { os.Unsetenv("MASTER_ENCRYPTION_KEY") })
	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}

	dir := directory.New(database, km)
	resolver := action.NewCredentialResolver(dir, km)
	adapter := &stubAdapter{balance: 10000}
	venues := func(domain.Venue) (common.Adapter, bool) { return adapter, true }

	mux := feed.New(feed.Config{PollInterval: 5 * time.Millisecond, StaleThreshold: time.Second, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: 10 * time.Millisecond})
	executor := action.NewExecutor(action.NewSlotRegistry(), resolver, st, bus, action.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, venues)
	coord := coordinator.New(st, bus, mux, executor, resolver, venues, coordinator.Config{QueueDepth: 8, StopGracePeriod: 100 * time.Millisecond, PreferStream: false})

	return NewServer(st, bus, coord, dir, metrics.New(), "test-operator-token")
}

func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestServer_HealthRequiresNoAuth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestServer_ProtectedRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/monitoring/status/client-1", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestServer_StartMonitoringThenStatus(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"clientId":       "client-1",
		"apiKey":         "key",
		"apiSecret":      "secret",
		"initialBalance": 10000,
		"dailyRisk":      map[string]any{"type": "absolute", "value": 200},
		"maxRisk":        map[string]any{"type": "percentage", "value": 10},
		"venue":          "FUTURES",
	}
	w := doRequest(s, http.MethodPost, "/monitoring/start", "test-operator-token", body)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d body=%s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/monitoring/status/client-1", "test-operator-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "NORMAL" {
		t.Fatalf("status field = %v, want NORMAL", resp["status"])
	}

	w = doRequest(s, http.MethodGet, "/trade/can-trade/client-1", "test-operator-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("can-trade status = %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["canTrade"] != true {
		t.Fatalf("canTrade = %v, want true", resp["canTrade"])
	}

	w = doRequest(s, http.MethodPost, "/monitoring/stop/client-1", "test-operator-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestServer_CanTradeUnmonitoredClientReportsNotMonitored(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/trade/can-trade/nobody", "test-operator-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["canTrade"] != false || resp["reason"] != "NOT_MONITORED" {
		t.Fatalf("resp = %+v, want canTrade=false reason=NOT_MONITORED", resp)
	}
}

func TestServer_UpdateRiskLimitsForUnregisteredClientFails(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"dailyRisk": map[string]any{"type": "absolute", "value": 100},
		"maxRisk":   map[string]any{"type": "percentage", "value": 5},
	}
	w := doRequest(s, http.MethodPut, "/risk/limits/ghost", "test-operator-token", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
