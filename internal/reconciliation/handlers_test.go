package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"botcore/internal/bots"
	"botcore/internal/events"
	"botcore/internal/jobs"
	"botcore/internal/orders"
	"botcore/internal/risk"
	"botcore/internal/trades"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

// fakeGateway serves scripted order states and klines.
type fakeGateway struct {
	common.Gateway
	orderStates map[string]common.OrderState // exchange order id -> state
	klines      []common.Candle
	klineCalls  int
}

func (f *fakeGateway) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	return f.orderStates[exchangeOrderID], nil
}

func (f *fakeGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	f.klineCalls++
	if limit < len(f.klines) {
		return f.klines[len(f.klines)-limit:], nil
	}
	return f.klines, nil
}

type fakePool struct{ gw *fakeGateway }

func (p *fakePool) Get(ctx context.Context, userID, connectionID string) (common.Gateway, error) {
	return p.gw, nil
}

// staticEngines reports a fixed running set.
type staticEngines map[string]bool

func (s staticEngines) IsRunning(botID string) bool { return s[botID] }

func newTestHandlers(t *testing.T, engines staticEngines, symbols []string) (*Handlers, *db.Database, *fakeGateway) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	gw := &fakeGateway{orderStates: make(map[string]common.OrderState)}
	pool := &fakePool{gw: gw}
	bus := events.NewBus()
	orderSvc := orders.NewService(database, bus, pool)
	recorder := trades.NewRecorder(database, bus)
	orderSvc.SetRecorder(recorder)
	h := NewHandlers(database, orderSvc, recorder, pool, engines, risk.NewMonitor(database, bus), gw, symbols)
	return h, database, gw
}

func noArgsJob(t *testing.T, name string) *jobs.Job {
	t.Helper()
	j, err := jobs.NewJob(name, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return j
}

func TestReconcileOrdersAppliesDrift(t *testing.T) {
	h, database, gw := newTestHandlers(t, staticEngines{}, nil)
	ctx := context.Background()

	if err := database.CreateOrder(ctx, db.Order{
		ID: "o1", UserID: "u1", ConnectionID: "c1", Symbol: "BTCUSDT",
		Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 50000,
		Status: orders.StatusNew, ExchangeOrderID: "X1",
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	gw.orderStates["X1"] = common.OrderState{
		ExchangeOrderID: "X1", Symbol: "BTCUSDT",
		Status: common.StatusCancelled,
	}

	res, err := h.ReconcileOrders(ctx, noArgsJob(t, JobReconcileOrders))
	if err != nil {
		t.Fatalf("ReconcileOrders: %v", err)
	}
	counts := res.(map[string]int)
	if counts["reconciled"] != 1 || counts["failed"] != 0 {
		t.Errorf("counts = %v", counts)
	}

	stored, _ := database.GetOrder(ctx, "o1", "u1")
	if stored.Status != orders.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", stored.Status)
	}
}

func TestReconcileOrdersSkipsUnsubmitted(t *testing.T) {
	h, database, _ := newTestHandlers(t, staticEngines{}, nil)
	ctx := context.Background()

	if err := database.CreateOrder(ctx, db.Order{
		ID: "o1", UserID: "u1", ConnectionID: "c1", Symbol: "BTCUSDT",
		Side: "BUY", Type: "LIMIT", Quantity: 1, Price: 50000,
		Status: orders.StatusPending,
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	res, err := h.ReconcileOrders(ctx, noArgsJob(t, JobReconcileOrders))
	if err != nil {
		t.Fatalf("ReconcileOrders: %v", err)
	}
	counts := res.(map[string]int)
	if counts["skipped"] != 1 || counts["reconciled"] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestReconcileBotsDemotesOrphans(t *testing.T) {
	h, database, _ := newTestHandlers(t, staticEngines{"alive": true}, nil)
	ctx := context.Background()

	seed := func(id string) {
		if err := database.CreateBot(ctx, db.Bot{
			ID: id, UserID: "u1", StrategyID: "s1", ConnectionID: "c1",
			Name: id, Symbol: "BTCUSDT", Status: bots.StatusRunning, RiskLevel: "low",
		}); err != nil {
			t.Fatalf("seed bot %s: %v", id, err)
		}
	}
	seed("alive")
	seed("orphan")

	res, err := h.ReconcileBots(ctx, noArgsJob(t, JobReconcileBots))
	if err != nil {
		t.Fatalf("ReconcileBots: %v", err)
	}
	if counts := res.(map[string]int); counts["demoted"] != 1 {
		t.Errorf("counts = %v", counts)
	}

	orphan, _ := database.GetBot(ctx, "orphan", "u1")
	if orphan.Status != bots.StatusPaused {
		t.Errorf("orphan status = %s, want PAUSED", orphan.Status)
	}
	alive, _ := database.GetBot(ctx, "alive", "u1")
	if alive.Status != bots.StatusRunning {
		t.Errorf("alive status = %s, want RUNNING untouched", alive.Status)
	}
}

func TestRefreshBotStatsSingleBot(t *testing.T) {
	h, database, _ := newTestHandlers(t, staticEngines{}, nil)
	ctx := context.Background()

	if err := database.CreateBot(ctx, db.Bot{
		ID: "b1", UserID: "u1", StrategyID: "s1", ConnectionID: "c1",
		Name: "b1", Symbol: "BTCUSDT", Status: bots.StatusPaused, RiskLevel: "low",
	}); err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	tx, err := database.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i, pnl := range []float64{50, -20, 30} {
		id := fmt.Sprintf("t%d", i)
		if err := db.InsertTradeTx(ctx, tx, db.Trade{
			ID: id, OrderID: "o1", BotID: "b1", UserID: "u1",
			Symbol: "BTCUSDT", Side: "SELL", Qty: 1, Price: 50000,
			RealizedPnL: pnl, ExchangeTradeID: "ex-" + id,
			ExecutedAt: time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed trade: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	j, err := jobs.NewJob(JobRefreshBotStats, RefreshStatsArgs{BotID: "b1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.RefreshBotStats(ctx, j); err != nil {
		t.Fatalf("RefreshBotStats: %v", err)
	}

	bot, _ := database.GetBot(ctx, "b1", "u1")
	if bot.TotalTrades != 3 || bot.WinningTrades != 2 || bot.LosingTrades != 1 || bot.TotalPnL != 60 {
		t.Errorf("stats = %d/%d/%d pnl %v", bot.TotalTrades, bot.WinningTrades, bot.LosingTrades, bot.TotalPnL)
	}
}

func TestRefreshBotStatsAllBots(t *testing.T) {
	h, database, _ := newTestHandlers(t, staticEngines{}, nil)
	ctx := context.Background()

	seed := func(botID string, status string, pnls []float64) {
		if err := database.CreateBot(ctx, db.Bot{
			ID: botID, UserID: "u1", StrategyID: "s1", ConnectionID: "c1",
			Name: botID, Symbol: "BTCUSDT", Status: status, RiskLevel: "low",
		}); err != nil {
			t.Fatalf("seed bot %s: %v", botID, err)
		}
		tx, err := database.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		for i, pnl := range pnls {
			id := fmt.Sprintf("%s-t%d", botID, i)
			if err := db.InsertTradeTx(ctx, tx, db.Trade{
				ID: id, OrderID: "o1", BotID: botID, UserID: "u1",
				Symbol: "BTCUSDT", Side: "SELL", Qty: 1, Price: 50000,
				RealizedPnL: pnl, ExchangeTradeID: "ex-" + id,
				ExecutedAt: time.Now().Add(time.Duration(i) * time.Second),
			}); err != nil {
				t.Fatalf("seed trade: %v", err)
			}
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	seed("b1", bots.StatusPaused, []float64{100, -40})
	seed("b2", bots.StatusRunning, []float64{25})

	res, err := h.RefreshBotStats(ctx, noArgsJob(t, JobRefreshBotStats))
	if err != nil {
		t.Fatalf("RefreshBotStats: %v", err)
	}
	if counts := res.(map[string]int); counts["refreshed"] != 2 {
		t.Errorf("counts = %v", counts)
	}

	b1, _ := database.GetBot(ctx, "b1", "u1")
	if b1.TotalTrades != 2 || b1.TotalPnL != 60 {
		t.Errorf("b1 stats = %d trades pnl %v", b1.TotalTrades, b1.TotalPnL)
	}
	b2, _ := database.GetBot(ctx, "b2", "u1")
	if b2.TotalTrades != 1 || b2.TotalPnL != 25 {
		t.Errorf("b2 stats = %d trades pnl %v", b2.TotalTrades, b2.TotalPnL)
	}
}

func TestCheckRiskLimitsRaisesAlert(t *testing.T) {
	h, database, _ := newTestHandlers(t, staticEngines{}, nil)
	ctx := context.Background()

	if err := database.CreateRiskLimit(ctx, db.RiskLimit{
		ID: "rl1", UserID: "u1", LimitType: "daily_loss", LimitValue: 500,
		WarningThreshold: 80, CriticalThreshold: 95, Enabled: true,
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	tx, err := database.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i, pnl := range []float64{-300, -180} {
		id := fmt.Sprintf("t%d", i)
		if err := db.InsertTradeTx(ctx, tx, db.Trade{
			ID: id, OrderID: "o1", BotID: "b1", UserID: "u1",
			Symbol: "BTCUSDT", Side: "SELL", Qty: 1, Price: 50000,
			RealizedPnL: pnl, ExchangeTradeID: "ex-" + id,
			ExecutedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed trade: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err := h.CheckRiskLimits(ctx, noArgsJob(t, JobCheckRiskLimits))
	if err != nil {
		t.Fatalf("CheckRiskLimits: %v", err)
	}
	counts := res.(map[string]int)
	if counts["users"] != 1 || counts["alerts"] != 1 {
		t.Errorf("counts = %v", counts)
	}

	alerts, err := database.ListRiskAlerts(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != risk.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", alerts[0].Severity)
	}
	if alerts[0].CurrentValue != 480 {
		t.Errorf("current = %v, want 480", alerts[0].CurrentValue)
	}
}

func TestFetchMissingCandlesBackfills(t *testing.T) {
	h, database, gw := newTestHandlers(t, staticEngines{}, []string{"BTCUSDT"})
	ctx := context.Background()

	base := time.Now().Add(-10 * time.Minute).Truncate(time.Minute)
	if err := database.InsertMarketPrice(ctx, "BTCUSDT", 50000, base); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	for i := 1; i <= 3; i++ {
		gw.klines = append(gw.klines, common.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Close:    50000 + float64(i),
		})
	}

	res, err := h.FetchMissingCandles(ctx, noArgsJob(t, JobFetchMissingCandles))
	if err != nil {
		t.Fatalf("FetchMissingCandles: %v", err)
	}
	if counts := res.(map[string]int); counts["inserted"] != 3 {
		t.Errorf("counts = %v", counts)
	}
	if gw.klineCalls != 1 {
		t.Errorf("kline calls = %d", gw.klineCalls)
	}

	price, _ := database.LatestMarketPrice(ctx, "BTCUSDT")
	if price != 50003 {
		t.Errorf("latest price = %v, want 50003", price)
	}
}

func TestFetchMissingCandlesNoGapNoFetch(t *testing.T) {
	h, database, gw := newTestHandlers(t, staticEngines{}, []string{"BTCUSDT"})
	ctx := context.Background()

	if err := database.InsertMarketPrice(ctx, "BTCUSDT", 50000, time.Now()); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	if _, err := h.FetchMissingCandles(ctx, noArgsJob(t, JobFetchMissingCandles)); err != nil {
		t.Fatalf("FetchMissingCandles: %v", err)
	}
	if gw.klineCalls != 0 {
		t.Errorf("kline calls = %d, want 0 for a fresh series", gw.klineCalls)
	}
}
