// Package strategy defines the plug-in contract bots execute, a named
// registry of implementations, and the built-in strategies.
package strategy

import (
	"context"
	"fmt"

	"botcore/pkg/exchanges/common"
)

// MarketData is one tick's snapshot: a ticker, recent candles, or both.
type MarketData struct {
	Ticker  *common.Ticker
	Candles []common.Candle
}

// Price returns the most recent price in the snapshot, 0 if empty.
func (m MarketData) Price() float64 {
	if m.Ticker != nil {
		return m.Ticker.Price
	}
	if n := len(m.Candles); n > 0 {
		return m.Candles[n-1].Close
	}
	return 0
}

// OrderIntent is what a strategy asks the engine to execute.
type OrderIntent struct {
	Side       string  // BUY or SELL
	Type       string  // MARKET or LIMIT
	Quantity   float64
	Price      float64 // LIMIT only
	StopLoss   float64
	TakeProfit float64
	Note       string
}

// Signal is the synchronous backtest decision for one candle.
type Signal struct {
	Type       string // BUY, SELL, CLOSE, HOLD
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	Metadata   map[string]any
}

// Toolkit is injected into a strategy at construction. OnOrder routes the
// intent through the order pipeline; the gateway is read-only market access.
type Toolkit struct {
	Gateway common.Gateway
	OnOrder func(ctx context.Context, intent OrderIntent) error
	Symbol  string
	Params  map[string]any
}

// Strategy is the contract every implementation satisfies. Instances are not
// safe for concurrent use; each engine owns its instance exclusively.
type Strategy interface {
	Name() string
	Description() string
	RequiredTimeframes() []string
	OnTick(ctx context.Context, data MarketData) error
}

// Backtestable is the optional synchronous interface for candle replay.
type Backtestable interface {
	CalculateSignal(candle common.Candle, index int, hasPosition bool) Signal
}

// Param helpers: settings arrive as map[string]any merged from strategy
// defaults, bot config and bot strategy_settings, so numbers may be float64
// or int depending on the JSON/YAML source.

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	return int(floatParam(params, key, float64(def)))
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// MergeParams layers override maps over a base; later maps win.
func MergeParams(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func validateSide(side string) error {
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("invalid side %q", side)
	}
	return nil
}
