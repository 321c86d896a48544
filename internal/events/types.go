package events

import "time"

// Event enumerates high-level topics inside the orchestration core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order_update"
	EventTradeCommitted Event = "trade_committed"
	EventBotStatsUpdate Event = "bot_stats_update"
	EventBotStatus      Event = "bot_status"
	EventRiskAlert      Event = "risk_alert"
	EventPositionUpdate Event = "position_update"
)

// PriceTick is one market price sample.
type PriceTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"` // ms
}

// OrderUpdatePayload mirrors an order's current state for fan-out. UserID
// scopes delivery to the owning user's sessions.
type OrderUpdatePayload struct {
	UserID          string  `json:"-"`
	OrderID         string  `json:"order_id"`
	BotID           string  `json:"bot_id,omitempty"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	ExecutedQty     float64 `json:"executed_qty"`
	AvgPrice        float64 `json:"avg_price"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// TradeCommittedPayload is published after a trade transaction commits.
type TradeCommittedPayload struct {
	UserID  string  `json:"-"`
	BotID   string  `json:"bot_id"`
	TradeID string  `json:"trade_id"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	PnL     float64 `json:"pnl"`
}

// BotStatsPayload carries the recomputed cumulative stats of one bot.
type BotStatsPayload struct {
	UserID            string  `json:"-"`
	BotID             string  `json:"bot_id"`
	TotalTrades       int     `json:"total_trades"`
	WinningTrades     int     `json:"winning_trades"`
	LosingTrades      int     `json:"losing_trades"`
	TotalPnL          float64 `json:"total_pnl"`
	CurrentWinStreak  int     `json:"current_win_streak"`
	CurrentLossStreak int     `json:"current_loss_streak"`
	MaxWinStreak      int     `json:"max_win_streak"`
	MaxLossStreak     int     `json:"max_loss_streak"`
}

// BotStatusPayload announces a bot lifecycle transition.
type BotStatusPayload struct {
	UserID    string `json:"-"`
	BotID     string `json:"bot_id"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// PositionUpdatePayload announces a position lifecycle event: open, mark
// price move, stop trigger, close or liquidation.
type PositionUpdatePayload struct {
	UserID           string  `json:"-"`
	EventType        string  `json:"event_type"`
	PositionID       string  `json:"position_id"`
	BotID            string  `json:"bot_id,omitempty"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Status           string  `json:"status"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	Qty              float64 `json:"qty"`
	Leverage         int     `json:"leverage"`
	RealizedPnL      float64 `json:"realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
}

// RiskAlertPayload carries one alert from the risk monitor.
type RiskAlertPayload struct {
	UserID       string    `json:"-"`
	AlertID      string    `json:"alert_id"`
	LimitType    string    `json:"limit_type"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	CurrentValue float64   `json:"current_value"`
	LimitValue   float64   `json:"limit_value"`
	ViolationPct float64   `json:"violation_percentage"`
	Symbol       string    `json:"symbol,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
