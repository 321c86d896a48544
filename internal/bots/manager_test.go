package bots

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"botcore/internal/events"
	"botcore/internal/orders"
	"botcore/internal/strategy"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

type fakeGateway struct {
	common.Gateway
	tickerErr atomic.Value // error
	ticks     atomic.Int64
}

func (f *fakeGateway) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	f.ticks.Add(1)
	if err, _ := f.tickerErr.Load().(error); err != nil {
		return common.Ticker{}, err
	}
	return common.Ticker{Symbol: symbol, Price: 50000, Time: time.Now().UnixMilli()}, nil
}

func (f *fakeGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	return nil, nil
}

func (f *fakeGateway) Close() error { return nil }

type fakePool struct{ gw *fakeGateway }

func (p *fakePool) Get(ctx context.Context, userID, connectionID string) (common.Gateway, error) {
	return p.gw, nil
}

// idleStrategy does nothing per tick.
type idleStrategy struct{}

func (idleStrategy) Name() string                 { return "idle" }
func (idleStrategy) Description() string          { return "no-op" }
func (idleStrategy) RequiredTimeframes() []string { return nil }

func (idleStrategy) OnTick(ctx context.Context, d strategy.MarketData) error { return nil }

func newTestManager(t *testing.T) (*Manager, *db.Database, *fakeGateway) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	gw := &fakeGateway{}
	pool := &fakePool{gw: gw}
	bus := events.NewBus()
	registry := strategy.NewRegistry()
	registry.Register("idle", func(tk strategy.Toolkit) (strategy.Strategy, error) {
		return idleStrategy{}, nil
	})
	orderSvc := orders.NewService(database, bus, pool)
	return NewManager(database, bus, pool, registry, orderSvc), database, gw
}

func seedBot(t *testing.T, database *db.Database, status string) {
	t.Helper()
	ctx := context.Background()
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "s1", UserID: "u1", Name: "idle", StrategyType: "idle",
		Params: "{}", IsActive: true,
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	if err := database.CreateBot(ctx, db.Bot{
		ID: "b1", UserID: "u1", StrategyID: "s1", ConnectionID: "c1",
		Name: "scalper", Symbol: "BTCUSDT", BaseQty: 0.01,
		CheckIntervalSec: 1, Status: status, RiskLevel: "low",
	}); err != nil {
		t.Fatalf("seed bot: %v", err)
	}
}

func TestStartThenStop(t *testing.T) {
	m, database, _ := newTestManager(t)
	seedBot(t, database, StatusPaused)
	ctx := context.Background()

	if err := m.Start(ctx, "u1", "b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.IsRunning("b1") {
		t.Fatal("IsRunning = false after Start")
	}

	bot, _ := database.GetBot(ctx, "b1", "u1")
	if bot.Status != StatusRunning || !bot.StartedAt.Valid || bot.LastError != "" {
		t.Errorf("after start: status=%s started=%v lastErr=%q", bot.Status, bot.StartedAt.Valid, bot.LastError)
	}

	if err := m.Stop(ctx, "u1", "b1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning("b1") {
		t.Fatal("IsRunning = true after Stop")
	}
	bot, _ = database.GetBot(ctx, "b1", "u1")
	if bot.Status != StatusPaused || !bot.StoppedAt.Valid {
		t.Errorf("after stop: status=%s stopped=%v", bot.Status, bot.StoppedAt.Valid)
	}
}

type fakeEnsurer struct {
	calls []string // "userID/connectionID"
}

func (f *fakeEnsurer) Ensure(ctx context.Context, userID, connectionID string) error {
	f.calls = append(f.calls, userID+"/"+connectionID)
	return nil
}

func TestStartEnsuresUserStream(t *testing.T) {
	m, database, _ := newTestManager(t)
	seedBot(t, database, StatusPaused)
	ensurer := &fakeEnsurer{}
	m.SetStreams(ensurer)

	if err := m.Start(context.Background(), "u1", "b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.StopAll()

	if len(ensurer.calls) != 1 || ensurer.calls[0] != "u1/c1" {
		t.Errorf("ensure calls = %v, want [u1/c1]", ensurer.calls)
	}
}

func TestStartGateRejectsRunning(t *testing.T) {
	m, database, _ := newTestManager(t)
	seedBot(t, database, StatusRunning)
	ctx := context.Background()

	err := m.Start(ctx, "u1", "b1")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot start from RUNNING") {
		t.Errorf("message = %q", err.Error())
	}
	if m.IsRunning("b1") {
		t.Error("engine created despite gate")
	}
	bot, _ := database.GetBot(ctx, "b1", "u1")
	if bot.Status != StatusRunning {
		t.Errorf("status mutated to %s", bot.Status)
	}
}

func TestStartFromErrorAllowed(t *testing.T) {
	m, database, _ := newTestManager(t)
	seedBot(t, database, StatusError)

	if err := m.Start(context.Background(), "u1", "b1"); err != nil {
		t.Fatalf("Start from ERROR: %v", err)
	}
	defer m.StopAll()
	if !m.IsRunning("b1") {
		t.Error("not running after start from ERROR")
	}
}

func TestStopNotRunning(t *testing.T) {
	m, database, _ := newTestManager(t)
	seedBot(t, database, StatusPaused)

	err := m.Stop(context.Background(), "u1", "b1")
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartUnknownStrategyMarksError(t *testing.T) {
	m, database, _ := newTestManager(t)
	ctx := context.Background()
	if err := database.CreateStrategy(ctx, db.Strategy{
		ID: "s1", UserID: "u1", Name: "ghost", StrategyType: "ghost", Params: "{}",
	}); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	if err := database.CreateBot(ctx, db.Bot{
		ID: "b1", UserID: "u1", StrategyID: "s1", ConnectionID: "c1",
		Name: "ghost", Symbol: "BTCUSDT", Status: StatusPaused, RiskLevel: "low",
	}); err != nil {
		t.Fatalf("seed bot: %v", err)
	}

	if err := m.Start(ctx, "u1", "b1"); err == nil {
		t.Fatal("start with unknown strategy type succeeded")
	}
	bot, _ := database.GetBot(ctx, "b1", "u1")
	if bot.Status != StatusError || bot.LastError == "" {
		t.Errorf("bot = status=%s lastErr=%q, want ERROR with message", bot.Status, bot.LastError)
	}
	if m.IsRunning("b1") {
		t.Error("engine registered despite failure")
	}
}

func TestRestartReplacesEngine(t *testing.T) {
	m, database, _ := newTestManager(t)
	seedBot(t, database, StatusPaused)
	ctx := context.Background()

	if err := m.Start(ctx, "u1", "b1"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Stop(ctx, "u1", "b1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Start(ctx, "u1", "b1"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer m.StopAll()

	ids := m.RunningIDs()
	if len(ids) != 1 || ids[0] != "b1" {
		t.Errorf("RunningIDs = %v, want [b1]", ids)
	}
}

func TestEngineFatalOnAuthError(t *testing.T) {
	m, database, gw := newTestManager(t)
	seedBot(t, database, StatusPaused)
	ctx := context.Background()

	if err := m.Start(ctx, "u1", "b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	gw.tickerErr.Store(error(common.NewGatewayError(common.ClassAuth, "ticker", "invalid api key", nil)))

	deadline := time.After(5 * time.Second)
	for m.IsRunning("b1") {
		select {
		case <-deadline:
			t.Fatal("engine did not self-stop on auth error")
		case <-time.After(20 * time.Millisecond):
		}
	}

	bot, _ := database.GetBot(ctx, "b1", "u1")
	if bot.Status != StatusError || !strings.Contains(bot.LastError, "invalid api key") {
		t.Errorf("bot = status=%s lastErr=%q", bot.Status, bot.LastError)
	}
}

func TestEngineSurvivesTransientErrors(t *testing.T) {
	m, database, gw := newTestManager(t)
	seedBot(t, database, StatusPaused)
	ctx := context.Background()

	gw.tickerErr.Store(error(common.NewGatewayError(common.ClassConnectivity, "ticker", "timeout", nil)))
	if err := m.Start(ctx, "u1", "b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.StopAll()

	// First tick fails transiently; the engine must keep running.
	time.Sleep(100 * time.Millisecond)
	if !m.IsRunning("b1") {
		t.Fatal("engine stopped on a single transient error")
	}
	bot, _ := database.GetBot(ctx, "b1", "u1")
	if bot.Status != StatusRunning {
		t.Errorf("status = %s, want RUNNING", bot.Status)
	}
	if !strings.Contains(bot.LastError, "timeout") {
		t.Errorf("last_error = %q, want transient message recorded", bot.LastError)
	}
}
