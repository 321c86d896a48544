package strategy

import (
	"context"
	"fmt"
)

// Scalping reacts to short-horizon momentum: a drop of at least
// entry_threshold_pct from the rolling reference buys, and an open scalp is
// exited at profit_target_pct above or stop_pct below the entry. The
// strategy carries its own position flag so it never stacks entries.
type Scalping struct {
	tk        Toolkit
	entryPct  float64
	profitPct float64
	stopPct   float64
	qty       float64
	lookback  int

	window     []float64
	inPosition bool
	entryPrice float64
}

func NewScalping(tk Toolkit) (Strategy, error) {
	entry := floatParam(tk.Params, "entry_threshold_pct", 0.3)
	profit := floatParam(tk.Params, "profit_target_pct", 0.2)
	stop := floatParam(tk.Params, "stop_pct", 0.4)
	if entry <= 0 || profit <= 0 || stop <= 0 {
		return nil, fmt.Errorf("scalping: thresholds must be positive (entry=%.2f profit=%.2f stop=%.2f)", entry, profit, stop)
	}
	lookback := intParam(tk.Params, "lookback", 20)
	if lookback < 2 {
		return nil, fmt.Errorf("scalping: lookback %d too short", lookback)
	}
	return &Scalping{
		tk:        tk,
		entryPct:  entry,
		profitPct: profit,
		stopPct:   stop,
		qty:       floatParam(tk.Params, "quantity", 0.001),
		lookback:  lookback,
		window:    make([]float64, 0, lookback),
	}, nil
}

func (s *Scalping) Name() string { return "scalping" }

func (s *Scalping) Description() string {
	return fmt.Sprintf("dip scalper: enter -%.2f%%, target +%.2f%%, stop -%.2f%%",
		s.entryPct, s.profitPct, s.stopPct)
}

func (s *Scalping) RequiredTimeframes() []string { return nil }

func (s *Scalping) OnTick(ctx context.Context, data MarketData) error {
	price := data.Price()
	if price <= 0 {
		return nil
	}

	if s.inPosition {
		return s.manageExit(ctx, price)
	}

	s.window = append(s.window, price)
	if len(s.window) > s.lookback {
		s.window = s.window[1:]
	}
	if len(s.window) < s.lookback {
		return nil
	}

	high := s.window[0]
	for _, p := range s.window {
		if p > high {
			high = p
		}
	}
	dropPct := (high - price) / high * 100
	if dropPct < s.entryPct {
		return nil
	}

	err := s.tk.OnOrder(ctx, OrderIntent{
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: s.qty,
		Note:     fmt.Sprintf("scalp entry: %.2f%% below window high %.2f", dropPct, high),
	})
	if err != nil {
		return err
	}
	s.inPosition = true
	s.entryPrice = price
	return nil
}

func (s *Scalping) manageExit(ctx context.Context, price float64) error {
	changePct := (price - s.entryPrice) / s.entryPrice * 100

	var note string
	switch {
	case changePct >= s.profitPct:
		note = fmt.Sprintf("scalp target hit: +%.2f%%", changePct)
	case changePct <= -s.stopPct:
		note = fmt.Sprintf("scalp stop hit: %.2f%%", changePct)
	default:
		return nil
	}

	err := s.tk.OnOrder(ctx, OrderIntent{
		Side:     "SELL",
		Type:     "MARKET",
		Quantity: s.qty,
		Note:     note,
	})
	if err != nil {
		return err
	}
	s.inPosition = false
	s.entryPrice = 0
	s.window = s.window[:0]
	return nil
}
