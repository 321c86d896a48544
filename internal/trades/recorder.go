package trades

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"botcore/internal/events"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

// Recorder commits fills and the derived bot statistics in one transaction.
// The exchange trade id is the idempotency key: re-delivered fills are
// detected inside the transaction and dropped before any row changes.
type Recorder struct {
	db  *db.Database
	bus *events.Bus
}

func NewRecorder(database *db.Database, bus *events.Bus) *Recorder {
	return &Recorder{db: database, bus: bus}
}

// RecordFill converts one gateway fill into a trade row for the given order.
// Satisfies the order service's recorder hook.
func (r *Recorder) RecordFill(ctx context.Context, o *db.Order, f common.Fill) error {
	executed := time.Now().UTC()
	if f.TradeTime > 0 {
		executed = time.UnixMilli(f.TradeTime).UTC()
	}
	return r.Record(ctx, db.Trade{
		ID:              uuid.NewString(),
		OrderID:         o.ID,
		BotID:           o.BotID,
		UserID:          o.UserID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Price:           f.Price,
		Qty:             f.Qty,
		Commission:      f.Commission,
		CommissionAsset: f.CommissionAsset,
		RealizedPnL:     f.RealizedPnL,
		ExchangeTradeID: f.TradeID,
		ExecutedAt:      executed,
	})
}

// Record inserts the trade and, when it belongs to a bot, folds it into the
// bot's stored stats aggregate before committing. Duplicate exchange trade
// ids are a silent no-op.
func (r *Recorder) Record(ctx context.Context, t db.Trade) error {
	if t.UserID == "" {
		return db.ErrUserIDRequired
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}

	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback()

	if t.ExchangeTradeID != "" {
		exists, err := db.TradeExistsTx(ctx, tx, t.ExchangeTradeID)
		if err != nil {
			return fmt.Errorf("check trade %s: %w", t.ExchangeTradeID, err)
		}
		if exists {
			log.Printf("trades: skipping duplicate exchange trade %s", t.ExchangeTradeID)
			return nil
		}
	}

	if err := db.InsertTradeTx(ctx, tx, t); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	var stats db.BotStats
	if t.BotID != "" {
		stats, err = db.GetBotStatsTx(ctx, tx, t.BotID)
		if err != nil {
			return fmt.Errorf("load bot %s stats: %w", t.BotID, err)
		}
		ApplyTrade(&stats, t.RealizedPnL)
		if err := db.UpdateBotStatsTx(ctx, tx, t.BotID, stats); err != nil {
			return fmt.Errorf("update bot %s stats: %w", t.BotID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trade tx: %w", err)
	}

	r.bus.Publish(events.EventTradeCommitted, events.TradeCommittedPayload{
		UserID:  t.UserID,
		BotID:   t.BotID,
		TradeID: t.ID,
		Symbol:  t.Symbol,
		Side:    t.Side,
		Price:   t.Price,
		Qty:     t.Qty,
		PnL:     t.RealizedPnL,
	})
	if t.BotID != "" {
		r.bus.Publish(events.EventBotStatsUpdate, events.BotStatsPayload{
			UserID:            t.UserID,
			BotID:             t.BotID,
			TotalTrades:       stats.TotalTrades,
			WinningTrades:     stats.WinningTrades,
			LosingTrades:      stats.LosingTrades,
			TotalPnL:          stats.TotalPnL,
			CurrentWinStreak:  stats.CurrentWinStreak,
			CurrentLossStreak: stats.CurrentLossStreak,
			MaxWinStreak:      stats.MaxWinStreak,
			MaxLossStreak:     stats.MaxLossStreak,
		})
	}
	return nil
}

// RecomputeBotStats rebuilds one bot's aggregate from history. Used by the
// repair job after reconciliation back-fills trades.
func (r *Recorder) RecomputeBotStats(ctx context.Context, botID, userID string) (db.BotStats, error) {
	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return db.BotStats{}, fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	history, err := db.ListBotTradesTx(ctx, tx, botID)
	if err != nil {
		return db.BotStats{}, fmt.Errorf("load bot %s trades: %w", botID, err)
	}
	stats := ComputeStats(history)
	if err := db.UpdateBotStatsTx(ctx, tx, botID, stats); err != nil {
		return db.BotStats{}, fmt.Errorf("update bot %s stats: %w", botID, err)
	}
	if err := tx.Commit(); err != nil {
		return db.BotStats{}, fmt.Errorf("commit stats tx: %w", err)
	}

	r.bus.Publish(events.EventBotStatsUpdate, events.BotStatsPayload{
		UserID:            userID,
		BotID:             botID,
		TotalTrades:       stats.TotalTrades,
		WinningTrades:     stats.WinningTrades,
		LosingTrades:      stats.LosingTrades,
		TotalPnL:          stats.TotalPnL,
		CurrentWinStreak:  stats.CurrentWinStreak,
		CurrentLossStreak: stats.CurrentLossStreak,
		MaxWinStreak:      stats.MaxWinStreak,
		MaxLossStreak:     stats.MaxLossStreak,
	})
	return stats, nil
}
