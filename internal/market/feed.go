// Package market polls public ticker data and republishes it: once onto the
// bus for live fan-out, once into the market_prices time series.
package market

import (
	"context"
	"log"
	"sync"
	"time"

	"botcore/internal/events"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

// persistEvery thins database writes; the bus still sees every sample.
const persistEvery = 30 * time.Second

// Feed polls tickers for a fixed symbol set.
type Feed struct {
	gw      common.Gateway
	store   *db.Database
	bus     *events.Bus
	symbols []string
	poll    time.Duration

	mu          sync.RWMutex
	latest      map[string]float64
	lastPersist map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewFeed(gw common.Gateway, store *db.Database, bus *events.Bus, symbols []string, poll time.Duration) *Feed {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Feed{
		gw:          gw,
		store:       store,
		bus:         bus,
		symbols:     symbols,
		poll:        poll,
		latest:      make(map[string]float64),
		lastPersist: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (f *Feed) Start(ctx context.Context) {
	go func() {
		defer close(f.doneCh)
		ticker := time.NewTicker(f.poll)
		defer ticker.Stop()
		log.Printf("market: polling %d symbol(s) every %s", len(f.symbols), f.poll)
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.pollOnce(ctx)
			}
		}
	}()
}

func (f *Feed) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

func (f *Feed) pollOnce(ctx context.Context) {
	for _, symbol := range f.symbols {
		tick, err := f.gw.GetTicker(ctx, symbol)
		if err != nil {
			log.Printf("market: ticker %s: %v", symbol, err)
			continue
		}
		f.record(ctx, symbol, tick)
	}
}

func (f *Feed) record(ctx context.Context, symbol string, tick common.Ticker) {
	now := time.Now()

	f.mu.Lock()
	f.latest[symbol] = tick.Price
	persist := now.Sub(f.lastPersist[symbol]) >= persistEvery
	if persist {
		f.lastPersist[symbol] = now
	}
	f.mu.Unlock()

	f.bus.Publish(events.EventPriceTick, events.PriceTick{
		Symbol: symbol,
		Price:  tick.Price,
		Time:   tick.Time,
	})
	if persist {
		if err := f.store.InsertMarketPrice(ctx, symbol, tick.Price, now); err != nil {
			log.Printf("market: persist %s: %v", symbol, err)
		}
	}
}

// Latest returns the last seen price for a symbol, 0 when none arrived yet.
func (f *Feed) Latest(symbol string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest[symbol]
}

// Symbols returns the configured symbol set.
func (f *Feed) Symbols() []string {
	return f.symbols
}
