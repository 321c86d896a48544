// Package reconciliation holds the periodic job handlers that re-align local
// state with the exchange and with trade history: order drift, orphaned
// RUNNING bots, stats rebuilds and kline backfill.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"time"

	"botcore/internal/bots"
	"botcore/internal/jobs"
	"botcore/internal/orders"
	"botcore/internal/risk"
	"botcore/internal/trades"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

// Job names, matching what the scheduler enqueues.
const (
	JobReconcileOrders     = "reconcile_orders"
	JobReconcileBots       = "reconcile_bots"
	JobRefreshBotStats     = "refresh_bot_stats"
	JobFetchMissingCandles = "fetch_missing_candles"
	JobCheckRiskLimits     = "check_risk_limits"
)

// backfillInterval is the kline resolution used for gap filling.
const backfillInterval = time.Minute

// maxBackfillCandles bounds one backfill request.
const maxBackfillCandles = 500

// EngineSet reports which bots have a live engine in this process.
type EngineSet interface {
	IsRunning(botID string) bool
}

// Handlers bundles the dependencies the reconciliation jobs need. MarketGW is
// a credential-less gateway used for public kline data.
type Handlers struct {
	store    *db.Database
	orders   *orders.Service
	recorder *trades.Recorder
	pool     orders.GatewayPool
	engines  EngineSet
	risk     *risk.Monitor
	marketGW common.Gateway
	symbols  []string
}

func NewHandlers(store *db.Database, orderSvc *orders.Service, recorder *trades.Recorder,
	pool orders.GatewayPool, engines EngineSet, riskMon *risk.Monitor,
	marketGW common.Gateway, symbols []string) *Handlers {
	return &Handlers{
		store:    store,
		orders:   orderSvc,
		recorder: recorder,
		pool:     pool,
		engines:  engines,
		risk:     riskMon,
		marketGW: marketGW,
		symbols:  symbols,
	}
}

// Register binds every reconciliation handler onto the worker pool.
func (h *Handlers) Register(p *jobs.Pool) {
	p.Register(JobReconcileOrders, h.ReconcileOrders)
	p.Register(JobReconcileBots, h.ReconcileBots)
	p.Register(JobRefreshBotStats, h.RefreshBotStats)
	p.Register(JobFetchMissingCandles, h.FetchMissingCandles)
	p.Register(JobCheckRiskLimits, h.CheckRiskLimits)
}

// ReconcileOrders asks the exchange for the authoritative state of every
// locally-active order and applies the drift. Per-order failures are counted,
// not fatal: one unreachable connection must not block the rest.
func (h *Handlers) ReconcileOrders(ctx context.Context, _ *jobs.Job) (any, error) {
	active, err := h.store.ListActiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}

	reconciled, failed, skipped := 0, 0, 0
	for i := range active {
		o := &active[i]
		if o.ExchangeOrderID == "" {
			// Never reached the exchange; nothing to compare against.
			skipped++
			continue
		}
		gw, err := h.pool.Get(ctx, o.UserID, o.ConnectionID)
		if err != nil {
			log.Printf("reconcile: order %s: gateway: %v", o.ID, err)
			failed++
			continue
		}
		st, err := gw.GetOrder(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil {
			log.Printf("reconcile: order %s: fetch: %v", o.ID, err)
			failed++
			continue
		}
		if err := h.orders.ApplyExchangeState(ctx, o, st); err != nil {
			log.Printf("reconcile: order %s: apply: %v", o.ID, err)
			failed++
			continue
		}
		reconciled++
	}
	log.Printf("reconcile: orders done: %d reconciled, %d failed, %d skipped", reconciled, failed, skipped)
	return map[string]int{"reconciled": reconciled, "failed": failed, "skipped": skipped}, nil
}

// ReconcileBots demotes bots stored as RUNNING that have no live engine in
// this process, typically after a crash or restart. They re-enter PAUSED;
// the operator decides on resuming.
func (h *Handlers) ReconcileBots(ctx context.Context, _ *jobs.Job) (any, error) {
	running, err := h.store.ListBotsByStatus(ctx, bots.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running bots: %w", err)
	}

	demoted := 0
	for _, bot := range running {
		if h.engines.IsRunning(bot.ID) {
			continue
		}
		if err := h.store.MarkBotPaused(ctx, bot.ID); err != nil {
			log.Printf("reconcile: demote bot %s: %v", bot.ID, err)
			continue
		}
		log.Printf("reconcile: bot %s marked RUNNING with no engine, demoted to PAUSED", bot.ID)
		demoted++
	}
	return map[string]int{"demoted": demoted}, nil
}

// RefreshStatsArgs selects which bot to rebuild; empty means every bot.
type RefreshStatsArgs struct {
	BotID  string `json:"bot_id"`
	UserID string `json:"user_id"`
}

// RefreshBotStats rebuilds bot aggregates from trade history, the repair
// path after reconciliation back-fills trades.
func (h *Handlers) RefreshBotStats(ctx context.Context, j *jobs.Job) (any, error) {
	var args RefreshStatsArgs
	if err := j.UnmarshalArgs(&args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	if args.BotID != "" {
		if _, err := h.recorder.RecomputeBotStats(ctx, args.BotID, args.UserID); err != nil {
			return nil, err
		}
		return map[string]int{"refreshed": 1}, nil
	}

	refreshed := 0
	for _, status := range []string{bots.StatusRunning, bots.StatusPaused, bots.StatusError} {
		list, err := h.store.ListBotsByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s bots: %w", status, err)
		}
		for _, bot := range list {
			if _, err := h.recorder.RecomputeBotStats(ctx, bot.ID, bot.UserID); err != nil {
				log.Printf("reconcile: refresh stats for bot %s: %v", bot.ID, err)
				continue
			}
			refreshed++
		}
	}
	return map[string]int{"refreshed": refreshed}, nil
}

// CheckRiskLimits evaluates every user's enabled limits against a fresh
// metrics snapshot: realized pnl since UTC midnight plus each open position.
// Per-user failures are counted, not fatal.
func (h *Handlers) CheckRiskLimits(ctx context.Context, _ *jobs.Job) (any, error) {
	if h.risk == nil {
		return nil, fmt.Errorf("no risk monitor configured")
	}
	users, err := h.store.ListRiskLimitUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list risk limit users: %w", err)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	checked, alerts, failed := 0, 0, 0
	for _, uid := range users {
		dailyPnL, err := h.store.SumRealizedPnLSince(ctx, uid, dayStart)
		if err != nil {
			log.Printf("risk: user %s daily pnl: %v", uid, err)
			failed++
			continue
		}
		raised, err := h.risk.Check(ctx, uid, risk.Metrics{DailyPnL: dailyPnL})
		if err != nil {
			log.Printf("risk: user %s check: %v", uid, err)
			failed++
			continue
		}
		alerts += len(raised)

		positions, err := h.store.ListOpenPositions(ctx, uid)
		if err != nil {
			log.Printf("risk: user %s positions: %v", uid, err)
			failed++
			continue
		}
		for _, pos := range positions {
			raised, err := h.risk.Check(ctx, uid, risk.Metrics{
				DailyPnL:         dailyPnL,
				UnrealizedPnL:    pos.UnrealizedPnL,
				Leverage:         float64(pos.Leverage),
				Symbol:           pos.Symbol,
				PositionNotional: pos.Qty * pos.MarkPrice,
			})
			if err != nil {
				log.Printf("risk: user %s position %s: %v", uid, pos.ID, err)
				failed++
				continue
			}
			alerts += len(raised)
		}
		checked++
	}
	return map[string]int{"users": checked, "alerts": alerts, "failed": failed}, nil
}

// FetchMissingCandles fills gaps in the market_prices series from public
// kline data, one minute resolution, bounded per symbol per run.
func (h *Handlers) FetchMissingCandles(ctx context.Context, _ *jobs.Job) (any, error) {
	if h.marketGW == nil {
		return nil, fmt.Errorf("no market data gateway configured")
	}

	inserted := 0
	now := time.Now()
	for _, symbol := range h.symbols {
		last, err := h.store.LatestMarketPriceTime(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("latest sample for %s: %w", symbol, err)
		}
		var missing int
		if last.IsZero() {
			missing = maxBackfillCandles
		} else {
			missing = int(now.Sub(last) / backfillInterval)
		}
		if missing <= 0 {
			continue
		}
		if missing > maxBackfillCandles {
			missing = maxBackfillCandles
		}

		candles, err := h.marketGW.GetKlines(ctx, symbol, "1m", missing)
		if err != nil {
			log.Printf("reconcile: backfill %s: %v", symbol, err)
			continue
		}
		for _, c := range candles {
			ts := time.UnixMilli(c.OpenTime)
			if !last.IsZero() && !ts.After(last) {
				continue
			}
			if err := h.store.InsertMarketPrice(ctx, symbol, c.Close, ts); err != nil {
				return nil, fmt.Errorf("insert candle for %s: %w", symbol, err)
			}
			inserted++
		}
	}
	log.Printf("reconcile: backfill inserted %d candle(s)", inserted)
	return map[string]int{"inserted": inserted}, nil
}
