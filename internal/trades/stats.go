// Package trades records fills and projects cumulative bot statistics.
package trades

import "botcore/pkg/db"

// ApplyTrade folds one closed trade into the stored aggregate. A trade with
// pnl <= 0 counts as losing.
func ApplyTrade(s *db.BotStats, pnl float64) {
	s.TotalTrades++
	s.TotalPnL += pnl
	if pnl > 0 {
		s.WinningTrades++
		s.CurrentWinStreak++
		s.CurrentLossStreak = 0
		if s.CurrentWinStreak > s.MaxWinStreak {
			s.MaxWinStreak = s.CurrentWinStreak
		}
	} else {
		s.LosingTrades++
		s.CurrentLossStreak++
		s.CurrentWinStreak = 0
		if s.CurrentLossStreak > s.MaxLossStreak {
			s.MaxLossStreak = s.CurrentLossStreak
		}
	}
}

// ComputeStats rebuilds the aggregate from a bot's full trade history in
// execution order. Used by the repair job after reconciliation back-fills
// trades.
func ComputeStats(trades []db.Trade) db.BotStats {
	var s db.BotStats
	for _, t := range trades {
		ApplyTrade(&s, t.RealizedPnL)
	}
	return s
}
