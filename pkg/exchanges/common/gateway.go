package common

import "context"

// Gateway abstracts a trading venue. One adapter exists per exchange kind;
// signing and wire details stay inside the adapter.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderState, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	GetAccount(ctx context.Context) (AccountSnapshot, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	Ping(ctx context.Context) error
	Close() error
}
