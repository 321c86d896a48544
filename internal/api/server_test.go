package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"botcore/internal/bots"
	"botcore/internal/events"
	"botcore/internal/gateway"
	"botcore/internal/jobs"
	"botcore/internal/monitor"
	"botcore/internal/orders"
	"botcore/internal/portfolio"
	"botcore/internal/strategy"
	"botcore/pkg/config"
	"botcore/pkg/crypto"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

type stubGateway struct {
	common.Gateway
}

func (stubGateway) Ping(ctx context.Context) error { return nil }

func (stubGateway) GetAccount(ctx context.Context) (common.AccountSnapshot, error) {
	return common.AccountSnapshot{}, nil
}

func (stubGateway) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *gin.Engine, *db.Database) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	keys, err := crypto.NewKeyManager(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	pool := gateway.NewManager(database, keys, func(conn db.Connection, apiKey, apiSecret string) (common.Gateway, error) {
		return stubGateway{}, nil
	}, gateway.DefaultConfig())
	connections := gateway.NewConnectionService(database, keys, pool)

	bus := events.NewBus()
	orderSvc := orders.NewService(database, bus, pool)
	registry := strategy.NewRegistry()
	manager := bots.NewManager(database, bus, pool, registry, orderSvc)
	t.Cleanup(manager.StopAll)

	cfg := &config.Config{Port: "0", CORSOrigins: []string{"*"}}
	auth := NewAuth(database, "test-secret", 30*time.Minute, 24*time.Hour)
	hub := NewHub(bus)
	srv := NewServer(cfg, database, auth, connections, orderSvc, manager, jobs.NewQueue(), monitor.NewCollector(), portfolio.NewTracker(database, bus), hub)
	return srv, srv.Router(), database
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func registerUser(t *testing.T, r *gin.Engine, email string) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": email, "password": "s3cret-pass",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Tokens TokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	return resp.Tokens.AccessToken
}

func TestHealth(t *testing.T) {
	_, r, _ := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestAuthFlowOverHTTP(t *testing.T) {
	_, r, _ := newTestServer(t)
	token := registerUser(t, r, "flow@example.com")

	w := doJSON(t, r, http.MethodGet, "/api/bots", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authed list bots = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/api/bots", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/bots", "garbage-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", w.Code)
	}
}

func TestConnectionLifecycleOverHTTP(t *testing.T) {
	_, r, _ := newTestServer(t)
	token := registerUser(t, r, "conn@example.com")

	w := doJSON(t, r, http.MethodPost, "/api/exchanges/connections", token, gin.H{
		"exchange_code": "BINANCE", "name": "main",
		"api_key": "live-key-1234", "api_secret": "live-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create connection = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID           string `json:"id"`
		MaskedAPIKey string `json:"masked_api_key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Contains(w.Body.String(), "live-secret") {
		t.Fatal("plaintext secret leaked into the response")
	}
	if !strings.HasSuffix(created.MaskedAPIKey, "1234") || !strings.HasPrefix(created.MaskedAPIKey, "****") {
		t.Errorf("masked key = %q", created.MaskedAPIKey)
	}

	w = doJSON(t, r, http.MethodGet, "/api/exchanges/connections", token, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), created.ID) {
		t.Fatalf("list = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodDelete, "/api/exchanges/connections/"+created.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", w.Code, w.Body.String())
	}
}

func TestConnectionOwnershipEnforced(t *testing.T) {
	_, r, _ := newTestServer(t)
	owner := registerUser(t, r, "owner@example.com")
	intruder := registerUser(t, r, "intruder@example.com")

	w := doJSON(t, r, http.MethodPost, "/api/exchanges/connections", owner, gin.H{
		"exchange_code": "BINANCE", "name": "main",
		"api_key": "live-key-1234", "api_secret": "live-secret",
	})
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, http.MethodGet, "/api/exchanges/connections/"+created.ID, intruder, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-user get = %d, want 404", w.Code)
	}
}

func TestBotCRUDAndStartGateOverHTTP(t *testing.T) {
	_, r, database := newTestServer(t)
	token := registerUser(t, r, "bots@example.com")
	ctx := context.Background()

	// The bot needs a connection and a strategy to reference.
	w := doJSON(t, r, http.MethodPost, "/api/exchanges/connections", token, gin.H{
		"exchange_code": "BINANCE", "name": "main",
		"api_key": "live-key-1234", "api_secret": "live-secret",
	})
	var conn struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &conn); err != nil {
		t.Fatalf("decode connection: %v", err)
	}
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "seed-idle", UserID: "system", Name: "idle", StrategyType: "idle", Params: "{}", IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/api/bots", token, gin.H{
		"strategy_id": "seed-idle", "connection_id": conn.ID,
		"name": "scalper", "symbol": "BTCUSDT", "base_qty": 0.01,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create bot = %d: %s", w.Code, w.Body.String())
	}
	var bot struct {
		ID     string `json:"ID"`
		Status string `json:"Status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bot); err != nil {
		t.Fatalf("decode bot: %v", err)
	}
	if bot.Status != bots.StatusPaused {
		t.Errorf("new bot status = %s, want PAUSED", bot.Status)
	}

	// Start gate surfaces as a conflict when the stored status is RUNNING.
	if err := database.MarkBotRunning(ctx, bot.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	w = doJSON(t, r, http.MethodPost, "/api/bots/"+bot.ID+"/start", token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("start RUNNING bot = %d, want 409: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "cannot start from RUNNING") {
		t.Errorf("body = %s", w.Body.String())
	}

	if err := database.MarkBotPaused(ctx, bot.ID); err != nil {
		t.Fatalf("mark paused: %v", err)
	}
	w = doJSON(t, r, http.MethodDelete, "/api/bots/"+bot.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete bot = %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateBotUnknownReferences(t *testing.T) {
	_, r, _ := newTestServer(t)
	token := registerUser(t, r, "refs@example.com")

	w := doJSON(t, r, http.MethodPost, "/api/bots", token, gin.H{
		"strategy_id": "nope", "connection_id": "nope",
		"name": "ghost", "symbol": "BTCUSDT",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("create bot with bad refs = %d, want 404: %s", w.Code, w.Body.String())
	}
}

func TestPortfolioOverHTTP(t *testing.T) {
	_, r, _ := newTestServer(t)
	token := registerUser(t, r, "pf@example.com")

	w := doJSON(t, r, http.MethodGet, "/api/portfolio", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Balances  map[string]json.RawMessage `json:"balances"`
		Positions []json.RawMessage          `json:"positions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Positions) != 0 {
		t.Errorf("fresh user has positions: %s", w.Body.String())
	}

	if w := doJSON(t, r, http.MethodGet, "/api/portfolio", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated portfolio = %d, want 401", w.Code)
	}
}

func TestOrderValidationOverHTTP(t *testing.T) {
	_, r, _ := newTestServer(t)
	token := registerUser(t, r, "orders@example.com")

	w := doJSON(t, r, http.MethodPost, "/api/orders", token, gin.H{
		"connection_id": "c1", "symbol": "BTCUSDT",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid order = %d, want 400: %s", w.Code, w.Body.String())
	}
}
