package strategy

import (
	"context"
	"fmt"
	"math"
)

// RSI trades the relative strength index: BUY when oversold, SELL when
// overbought, one order per regime change.
type RSI struct {
	tk         Toolkit
	period     int
	oversold   float64
	overbought float64
	qty        float64

	prices     []float64
	rsi        float64
	prevSignal string
}

func NewRSI(tk Toolkit) (Strategy, error) {
	period := intParam(tk.Params, "period", 14)
	if period < 2 {
		return nil, fmt.Errorf("rsi: period %d too short", period)
	}
	oversold := floatParam(tk.Params, "oversold", 30)
	overbought := floatParam(tk.Params, "overbought", 70)
	if oversold >= overbought {
		return nil, fmt.Errorf("rsi: oversold %.1f must be below overbought %.1f", oversold, overbought)
	}
	return &RSI{
		tk:         tk,
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		qty:        floatParam(tk.Params, "quantity", 0.001),
		prices:     make([]float64, 0, period+1),
		prevSignal: "HOLD",
	}, nil
}

func (s *RSI) Name() string { return "rsi" }

func (s *RSI) Description() string {
	return fmt.Sprintf("RSI %d mean reversion (%.0f/%.0f)", s.period, s.oversold, s.overbought)
}

func (s *RSI) RequiredTimeframes() []string { return []string{"1m", "5m"} }

func (s *RSI) OnTick(ctx context.Context, data MarketData) error {
	price := data.Price()
	if price <= 0 {
		return nil
	}

	s.prices = append(s.prices, price)
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period+1 {
		return nil
	}

	s.rsi = computeRSI(s.prices, s.period)

	var side, note string
	switch {
	case s.rsi < s.oversold:
		side = "BUY"
		note = fmt.Sprintf("RSI oversold: %.2f < %.2f", s.rsi, s.oversold)
	case s.rsi > s.overbought:
		side = "SELL"
		note = fmt.Sprintf("RSI overbought: %.2f > %.2f", s.rsi, s.overbought)
	default:
		s.prevSignal = "HOLD"
		return nil
	}
	if side == s.prevSignal {
		return nil
	}
	s.prevSignal = side

	return s.tk.OnOrder(ctx, OrderIntent{
		Side:     side,
		Type:     "MARKET",
		Quantity: s.qty,
		Note:     note,
	})
}

func computeRSI(prices []float64, period int) float64 {
	var avgGain, avgLoss float64
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += math.Abs(change)
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
