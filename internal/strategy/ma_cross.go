package strategy

import (
	"context"
	"fmt"
)

// MACross trades simple moving average crossovers: BUY on the golden cross
// (fast above slow), SELL on the death cross. Repeat signals in the same
// direction are suppressed.
type MACross struct {
	tk         Toolkit
	fastPeriod int
	slowPeriod int
	qty        float64

	prices     []float64
	fastMA     float64
	slowMA     float64
	prevSignal string
}

func NewMACross(tk Toolkit) (Strategy, error) {
	fast := intParam(tk.Params, "fast_period", 10)
	slow := intParam(tk.Params, "slow_period", 30)
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("ma_cross: need 0 < fast_period (%d) < slow_period (%d)", fast, slow)
	}
	return &MACross{
		tk:         tk,
		fastPeriod: fast,
		slowPeriod: slow,
		qty:        floatParam(tk.Params, "quantity", 0.001),
		prices:     make([]float64, 0, slow),
		prevSignal: "HOLD",
	}, nil
}

func (s *MACross) Name() string { return "ma_cross" }

func (s *MACross) Description() string {
	return fmt.Sprintf("SMA crossover %d/%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACross) RequiredTimeframes() []string { return []string{"1m"} }

func (s *MACross) OnTick(ctx context.Context, data MarketData) error {
	price := data.Price()
	if price <= 0 {
		return nil
	}

	s.prices = append(s.prices, price)
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.slowPeriod {
		return nil
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = sma(s.prices, s.fastPeriod)
	s.slowMA = sma(s.prices, s.slowPeriod)
	if oldFast == 0 || oldSlow == 0 {
		return nil
	}

	var side, note string
	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		side = "BUY"
		note = fmt.Sprintf("golden cross: MA%d %.2f > MA%d %.2f", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		side = "SELL"
		note = fmt.Sprintf("death cross: MA%d %.2f < MA%d %.2f", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)
	default:
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

func sma(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}
