package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"botcore/internal/events"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

type fakeGateway struct {
	common.Gateway
	prices map[string]float64
	err    error
}

func (f *fakeGateway) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if f.err != nil {
		return common.Ticker{}, f.err
	}
	return common.Ticker{Symbol: symbol, Price: f.prices[symbol], Time: time.Now().UnixMilli()}, nil
}

func newTestFeed(t *testing.T, symbols []string) (*Feed, *fakeGateway, *db.Database, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	gw := &fakeGateway{prices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}}
	bus := events.NewBus()
	return NewFeed(gw, database, bus, symbols, time.Second), gw, database, bus
}

func TestPollPublishesAndPersists(t *testing.T) {
	f, _, database, bus := newTestFeed(t, []string{"BTCUSDT", "ETHUSDT"})
	ch, unsub := bus.Subscribe(events.EventPriceTick, 4)
	defer unsub()
	ctx := context.Background()

	f.pollOnce(ctx)

	for _, want := range []events.PriceTick{
		{Symbol: "BTCUSDT", Price: 50000},
		{Symbol: "ETHUSDT", Price: 3000},
	} {
		select {
		case got := <-ch:
			tick := got.(events.PriceTick)
			if tick.Symbol != want.Symbol || tick.Price != want.Price {
				t.Errorf("tick = %+v, want %s @ %v", tick, want.Symbol, want.Price)
			}
		default:
			t.Fatalf("no tick published for %s", want.Symbol)
		}
	}

	if price, _ := database.LatestMarketPrice(ctx, "BTCUSDT"); price != 50000 {
		t.Errorf("persisted price = %v", price)
	}
	if f.Latest("ETHUSDT") != 3000 {
		t.Errorf("Latest = %v", f.Latest("ETHUSDT"))
	}
}

func TestPersistenceThinned(t *testing.T) {
	f, gw, database, _ := newTestFeed(t, []string{"BTCUSDT"})
	ctx := context.Background()

	f.pollOnce(ctx)
	gw.prices["BTCUSDT"] = 50100
	f.pollOnce(ctx) // inside the persist window: bus only

	if price, _ := database.LatestMarketPrice(ctx, "BTCUSDT"); price != 50000 {
		t.Errorf("persisted price = %v, want first sample only", price)
	}
	if f.Latest("BTCUSDT") != 50100 {
		t.Errorf("Latest = %v, want the in-memory cache updated", f.Latest("BTCUSDT"))
	}
}

func TestTickerErrorSkipsSymbol(t *testing.T) {
	f, gw, database, _ := newTestFeed(t, []string{"BTCUSDT"})
	gw.err = errors.New("exchange down")

	f.pollOnce(context.Background())
	if price, _ := database.LatestMarketPrice(context.Background(), "BTCUSDT"); price != 0 {
		t.Errorf("persisted %v despite ticker failure", price)
	}
	if f.Latest("BTCUSDT") != 0 {
		t.Errorf("cached %v despite ticker failure", f.Latest("BTCUSDT"))
	}
}
