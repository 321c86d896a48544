package db

import (
	"database/sql"
	"time"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	Timezone     string
	Preferences  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Connection represents a user's exchange connection. Credential columns hold
// encrypted blobs; plaintext never touches this package.
type Connection struct {
	ID                     string
	UserID                 string
	ExchangeCode           string
	Name                   string
	APIKeyEncrypted        string
	APISecretEncrypted     string
	TestnetKeyEncrypted    string
	TestnetSecretEncrypted string
	KeyVersion             int
	CanSpot                bool
	CanFutures             bool
	CanMargin              bool
	ReadOnly               bool
	CanWithdraw            bool
	IsTestnet              bool
	Status                 string
	LastUsedAt             sql.NullTime
	IsActive               bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Strategy represents a configured strategy row. Params is an opaque JSON
// object interpreted by the strategy implementation.
type Strategy struct {
	ID           string
	UserID       string
	Name         string
	StrategyType string
	Params       string
	SourceCode   string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Bot is a persistent bot configuration plus its cumulative stats.
type Bot struct {
	ID               string
	UserID           string
	StrategyID       string
	ConnectionID     string
	Name             string
	Symbol           string
	BaseQty          float64
	QuoteQty         float64
	TakeProfitPct    float64
	StopLossPct      float64
	CheckIntervalSec int
	StrategySettings string
	Status           string
	RiskLevel        string

	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	TotalPnL          float64
	CurrentWinStreak  int
	CurrentLossStreak int
	MaxWinStreak      int
	MaxLossStreak     int

	LastError string
	StartedAt sql.NullTime
	StoppedAt sql.NullTime
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is a stored order row including its execution aggregate.
type Order struct {
	ID              string
	UserID          string
	BotID           string
	ConnectionID    string
	Symbol          string
	Side            string
	Type            string
	Quantity        float64
	Price           float64
	StopPrice       float64
	CallbackRate    float64
	PositionSide    string
	TimeInForce     string
	ReduceOnly      bool
	ClosePosition   bool
	WorkingType     string
	Leverage        int
	MarginMode      string
	ExchangeOrderID string
	ClientOrderID   string
	ReplacesOrderID string

	ExecutedQty     float64
	ExecutedQuote   float64
	AvgPrice        float64
	Commission      float64
	CommissionAsset string

	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	SubmittedAt  sql.NullTime
	FilledAt     sql.NullTime
	CancelledAt  sql.NullTime
}

// Trade is an immutable record of a single fill.
type Trade struct {
	ID              string
	OrderID         string
	BotID           string
	UserID          string
	Symbol          string
	Side            string
	Price           float64
	Qty             float64
	Commission      float64
	CommissionAsset string
	RealizedPnL     float64
	ExchangeTradeID string
	ExecutedAt      time.Time
}

// Position tracks one open or closed futures position.
type Position struct {
	ID               string
	UserID           string
	BotID            string
	Symbol           string
	Side             string
	EntryPrice       float64
	Qty              float64
	Leverage         int
	MarginMode       string
	MarkPrice        float64
	StopLoss         float64
	TakeProfit       float64
	LiquidationPrice float64
	RealizedPnL      float64
	UnrealizedPnL    float64
	Status           string
	OpenedAt         time.Time
	ClosedAt         sql.NullTime
}

// RiskLimit is one user-configured limit; empty Symbol means global scope.
type RiskLimit struct {
	ID                string
	UserID            string
	LimitType         string
	LimitValue        float64
	Symbol            string
	WarningThreshold  float64
	CriticalThreshold float64
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RiskAlert is a persisted alert emitted by the risk monitor.
type RiskAlert struct {
	ID           string
	UserID       string
	LimitID      string
	LimitType    string
	Severity     string
	Message      string
	CurrentValue float64
	LimitValue   float64
	ViolationPct float64
	Symbol       string
	CreatedAt    time.Time
}

// BotStats is the recomputed aggregate written back to a bot row.
type BotStats struct {
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	TotalPnL          float64
	CurrentWinStreak  int
	CurrentLossStreak int
	MaxWinStreak      int
	MaxLossStreak     int
}
