// Package portfolio is the per-user balance and position aggregate. It
// enforces the margin invariant: locked funds always cover the margin of
// every open position, and opening/closing moves margin between free and
// locked atomically under the aggregate's lock.
package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"botcore/pkg/db"
)

var (
	ErrInsufficientBalance = errors.New("insufficient free balance")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionClosed      = errors.New("position is not open")
	ErrInvalidLeverage     = errors.New("leverage must be between 1 and 125")
)

const (
	SideLong  = "LONG"
	SideShort = "SHORT"

	StatusOpen       = "OPEN"
	StatusClosed     = "CLOSED"
	StatusLiquidated = "LIQUIDATED"
)

// Balance is one asset's split between spendable and margin-locked funds.
type Balance struct {
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Event is a domain event raised by the aggregate. Collected per mutation
// and drained by the caller after persistence.
type Event struct {
	Type     string // PositionOpened, PositionClosed, Liquidation
	Position db.Position
	PnL      float64
}

// Portfolio holds one user's balances and open positions.
type Portfolio struct {
	mu        sync.Mutex
	userID    string
	balances  map[string]*Balance    // asset -> balance
	positions map[string]db.Position // position id -> position
	events    []Event

	store *db.Database
}

func New(userID string, store *db.Database) *Portfolio {
	return &Portfolio{
		userID:    userID,
		balances:  make(map[string]*Balance),
		positions: make(map[string]db.Position),
		store:     store,
	}
}

// Restore loads open positions from storage into the aggregate.
func (p *Portfolio) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	open, err := p.store.ListOpenPositions(ctx, p.userID)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range open {
		p.positions[pos.ID] = pos
	}
	return nil
}

// Deposit credits free balance for an asset.
func (p *Portfolio) Deposit(asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance(asset).Free += amount
}

// Balances returns a copy of all asset balances.
func (p *Portfolio) Balances() map[string]Balance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Balance, len(p.balances))
	for asset, b := range p.balances {
		out[asset] = *b
	}
	return out
}

// OpenRequest describes a position to open. Margin is taken from the quote
// asset's free balance.
type OpenRequest struct {
	BotID      string
	Symbol     string
	QuoteAsset string
	Side       string
	EntryPrice float64
	Qty        float64
	Leverage   int
	MarginMode string
	StopLoss   float64
	TakeProfit float64
}

// Open verifies margin, locks it, and creates the position. No state changes
// on failure.
func (p *Portfolio) Open(ctx context.Context, req OpenRequest) (db.Position, error) {
	if req.Leverage < 1 || req.Leverage > 125 {
		return db.Position{}, ErrInvalidLeverage
	}
	if req.Qty <= 0 || req.EntryPrice <= 0 {
		return db.Position{}, fmt.Errorf("invalid qty=%v entry=%v", req.Qty, req.EntryPrice)
	}

	margin := marginRequired(req.EntryPrice, req.Qty, req.Leverage)

	p.mu.Lock()
	defer p.mu.Unlock()

	bal := p.balance(req.QuoteAsset)
	if bal.Free < margin {
		return db.Position{}, fmt.Errorf("%w: need %.8f %s, have %.8f",
			ErrInsufficientBalance, margin, req.QuoteAsset, bal.Free)
	}

	pos := db.Position{
		ID:               uuid.NewString(),
		UserID:           p.userID,
		BotID:            req.BotID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       req.EntryPrice,
		Qty:              req.Qty,
		Leverage:         req.Leverage,
		MarginMode:       req.MarginMode,
		MarkPrice:        req.EntryPrice,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		LiquidationPrice: liquidationPrice(req.Side, req.EntryPrice, req.Leverage),
		Status:           StatusOpen,
		OpenedAt:         time.Now().UTC(),
	}
	if p.store != nil {
		if err := p.store.UpsertPosition(ctx, pos); err != nil {
			return db.Position{}, fmt.Errorf("persist position: %w", err)
		}
	}

	bal.Free -= margin
	bal.Locked += margin
	p.positions[pos.ID] = pos
	p.events = append(p.events, Event{Type: "PositionOpened", Position: pos})
	return pos, nil
}

// Close realizes P&L at the close price, unlocks margin and applies the
// result to free balance.
func (p *Portfolio) Close(ctx context.Context, positionID, quoteAsset string, closePrice float64) (db.Position, error) {
	pos, ev, err := p.closeAt(ctx, positionID, quoteAsset, closePrice, StatusClosed, "PositionClosed")
	if err != nil {
		return db.Position{}, err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return pos, nil
}

// closeAt settles the position and returns its event without recording it.
// Each caller decides on exactly one delivery path, so a close is never
// reported twice.
func (p *Portfolio) closeAt(ctx context.Context, positionID, quoteAsset string, closePrice float64, status, eventType string) (db.Position, Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[positionID]
	if !ok {
		return db.Position{}, Event{}, ErrPositionNotFound
	}
	if pos.Status != StatusOpen {
		return db.Position{}, Event{}, ErrPositionClosed
	}

	pnl := realizedPnL(pos.Side, pos.EntryPrice, closePrice, pos.Qty)
	margin := marginRequired(pos.EntryPrice, pos.Qty, pos.Leverage)

	pos.Status = status
	pos.MarkPrice = closePrice
	pos.RealizedPnL = pnl
	pos.UnrealizedPnL = 0
	pos.ClosedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if p.store != nil {
		if err := p.store.UpsertPosition(ctx, pos); err != nil {
			return db.Position{}, Event{}, fmt.Errorf("persist close: %w", err)
		}
	}

	bal := p.balance(quoteAsset)
	bal.Locked -= margin
	bal.Free += margin + pnl
	delete(p.positions, positionID)
	return pos, Event{Type: eventType, Position: pos, PnL: pnl}, nil
}

// MarkPrice recomputes unrealized P&L for every open position on the symbol.
// A position whose liquidation price is crossed is closed at that price with
// a Liquidation event.
func (p *Portfolio) MarkPrice(ctx context.Context, symbol, quoteAsset string, price float64) ([]Event, error) {
	p.mu.Lock()
	var liquidate []string
	for id, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		pos.MarkPrice = price
		pos.UnrealizedPnL = realizedPnL(pos.Side, pos.EntryPrice, price, pos.Qty)
		p.positions[id] = pos
		if liquidationCrossed(pos.Side, pos.LiquidationPrice, price) {
			liquidate = append(liquidate, id)
		}
	}
	p.mu.Unlock()

	var events []Event
	for _, id := range liquidate {
		liqPrice := p.Position(id).LiquidationPrice
		_, ev, err := p.closeAt(ctx, id, quoteAsset, liqPrice, StatusLiquidated, "Liquidation")
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// ShouldStopLoss reports whether the mark price has reached the position's
// stop-loss. Read-only; executing the close is the caller's duty.
func (p *Portfolio) ShouldStopLoss(positionID string, price float64) bool {
	pos := p.Position(positionID)
	if pos.ID == "" || pos.StopLoss <= 0 {
		return false
	}
	if pos.Side == SideLong {
		return price <= pos.StopLoss
	}
	return price >= pos.StopLoss
}

// ShouldTakeProfit reports whether the mark price has reached the position's
// take-profit.
func (p *Portfolio) ShouldTakeProfit(positionID string, price float64) bool {
	pos := p.Position(positionID)
	if pos.ID == "" || pos.TakeProfit <= 0 {
		return false
	}
	if pos.Side == SideLong {
		return price >= pos.TakeProfit
	}
	return price <= pos.TakeProfit
}

// Position returns a copy of one open position, zero value if absent.
func (p *Portfolio) Position(id string) db.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[id]
}

// OpenPositions returns copies of all open positions.
func (p *Portfolio) OpenPositions() []db.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]db.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

// DrainEvents returns and clears uncommitted domain events.
func (p *Portfolio) DrainEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

func (p *Portfolio) balance(asset string) *Balance {
	b, ok := p.balances[asset]
	if !ok {
		b = &Balance{}
		p.balances[asset] = b
	}
	return b
}
