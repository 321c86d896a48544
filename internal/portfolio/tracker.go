package portfolio

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"botcore/internal/events"
	"botcore/pkg/db"
)

// defaultQuoteAsset is the margin currency for tracked positions.
const defaultQuoteAsset = "USDT"

// TradeSink receives settled closes for trade history. Implemented by the
// trade recorder.
type TradeSink interface {
	Record(ctx context.Context, t db.Trade) error
}

// Tracker drives per-user portfolio aggregates off the market feed: every
// price tick marks open positions, and resulting closes and liquidations are
// published on the bus and settled into trade history.
type Tracker struct {
	store *db.Database
	bus   *events.Bus
	quote string

	mu         sync.Mutex
	portfolios map[string]*Portfolio
	sink       TradeSink

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewTracker(store *db.Database, bus *events.Bus) *Tracker {
	return &Tracker{
		store:      store,
		bus:        bus,
		quote:      defaultQuoteAsset,
		portfolios: make(map[string]*Portfolio),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetRecorder wires the trade sink after construction (the recorder is built
// later in assembly).
func (t *Tracker) SetRecorder(sink TradeSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Get returns the user's portfolio, restoring open positions from storage on
// first access.
func (t *Tracker) Get(ctx context.Context, userID string) (*Portfolio, error) {
	t.mu.Lock()
	if p, ok := t.portfolios[userID]; ok {
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	p := New(userID, t.store)
	if err := p.Restore(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.portfolios[userID]; ok {
		return existing, nil
	}
	t.portfolios[userID] = p
	return p, nil
}

// Start subscribes to the price feed and marks portfolios until stopped.
func (t *Tracker) Start(ctx context.Context) {
	tickCh, unsub := t.bus.Subscribe(events.EventPriceTick, 1024)
	go func() {
		defer close(t.doneCh)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case p := <-tickCh:
				if tick, ok := p.(events.PriceTick); ok {
					t.markAll(ctx, tick)
				}
			}
		}
	}()
}

// Stop ends the marking loop.
func (t *Tracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Tracker) markAll(ctx context.Context, tick events.PriceTick) {
	t.mu.Lock()
	snapshot := make(map[string]*Portfolio, len(t.portfolios))
	for userID, p := range t.portfolios {
		snapshot[userID] = p
	}
	t.mu.Unlock()

	for userID, p := range snapshot {
		evs, err := p.MarkPrice(ctx, tick.Symbol, t.quote, tick.Price)
		if err != nil {
			log.Printf("portfolio: mark %s for %s: %v", tick.Symbol, userID, err)
			continue
		}
		t.flush(ctx, userID, append(p.DrainEvents(), evs...))
	}
}

// Flush publishes pending events for a user's portfolio, used after direct
// open/close calls outside the tick loop.
func (t *Tracker) Flush(ctx context.Context, userID string, p *Portfolio) {
	t.flush(ctx, userID, p.DrainEvents())
}

func (t *Tracker) flush(ctx context.Context, userID string, evs []Event) {
	for _, ev := range evs {
		t.publish(userID, ev)
		if ev.Type == "PositionClosed" || ev.Type == "Liquidation" {
			t.settle(ctx, ev)
		}
	}
}

// settle records a close as a trade so bot stats and history include
// portfolio-level exits.
func (t *Tracker) settle(ctx context.Context, ev Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil || ev.Position.BotID == "" {
		return
	}

	pos := ev.Position
	side := "SELL"
	if pos.Side == SideShort {
		side = "BUY"
	}
	executed := time.Now().UTC()
	if pos.ClosedAt.Valid {
		executed = pos.ClosedAt.Time
	}
	trade := db.Trade{
		ID:              uuid.NewString(),
		BotID:           pos.BotID,
		UserID:          pos.UserID,
		Symbol:          pos.Symbol,
		Side:            side,
		Price:           pos.MarkPrice,
		Qty:             pos.Qty,
		RealizedPnL:     ev.PnL,
		ExchangeTradeID: "pos-" + pos.ID,
		ExecutedAt:      executed,
	}
	if err := sink.Record(ctx, trade); err != nil {
		log.Printf("portfolio: settle position %s: %v", pos.ID, err)
	}
}

func (t *Tracker) publish(userID string, ev Event) {
	if t.bus == nil {
		return
	}
	pos := ev.Position
	t.bus.Publish(events.EventPositionUpdate, events.PositionUpdatePayload{
		UserID:           userID,
		EventType:        ev.Type,
		PositionID:       pos.ID,
		BotID:            pos.BotID,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		Status:           pos.Status,
		EntryPrice:       pos.EntryPrice,
		MarkPrice:        pos.MarkPrice,
		Qty:              pos.Qty,
		Leverage:         pos.Leverage,
		RealizedPnL:      pos.RealizedPnL,
		UnrealizedPnL:    pos.UnrealizedPnL,
		LiquidationPrice: pos.LiquidationPrice,
	})
}
