package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes supported futures order types.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStopMarket   OrderType = "STOP_MARKET"
	OrderTypeStopLimit    OrderType = "STOP"
	OrderTypeTakeProfit   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for LIMIT
	StopPrice     float64 // required for STOP/TAKE_PROFIT orders
	TimeInForce   TimeInForce
	ClientID      string // idempotency key on exchanges that honour it
	ReduceOnly    bool
	ClosePosition bool
	PositionSide  string // BOTH/LONG/SHORT
	Leverage      int

	WorkingType  string  // MARK_PRICE or CONTRACT_PRICE
	CallbackRate float64 // for TRAILING_STOP (percentage)
}

// OrderResult returns the exchange ack, including any inline fill.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     float64
	CumQuote        float64
	AvgPrice        float64
}

// OrderState is the exchange's authoritative view of one order, used by
// reconciliation.
type OrderState struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Qty             float64
	Price           float64
	ExecutedQty     float64
	CumQuote        float64
	AvgPrice        float64
	UpdateTime      int64 // ms
}

// Fill represents a single trade fill reported by the exchange.
type Fill struct {
	ExchangeOrderID string
	TradeID         string
	Symbol          string
	Side            Side
	Qty             float64
	Price           float64
	Commission      float64
	CommissionAsset string
	RealizedPnL     float64
	TradeTime       int64 // ms
}

// Ticker is a point-in-time price for a symbol.
type Ticker struct {
	Symbol string
	Price  float64
	Time   int64 // ms
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime int64 // ms
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// AssetBalance is one asset's balance inside an account snapshot.
type AssetBalance struct {
	Asset         string
	WalletBalance float64
	Available     float64
	UnrealizedPnL float64
}

// AccountSnapshot is the normalized account view.
type AccountSnapshot struct {
	CanTrade bool
	Balances []AssetBalance
}
