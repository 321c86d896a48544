package gateway

import (
	"fmt"

	"botcore/pkg/db"
	"botcore/pkg/exchanges/binance/futures"
	"botcore/pkg/exchanges/common"
)

// DefaultFactory builds a gateway for the connection's exchange. The testnet
// flag on the connection selects the endpoint environment.
func DefaultFactory(conn db.Connection, apiKey, apiSecret string) (common.Gateway, error) {
	switch conn.ExchangeCode {
	case "BINANCE":
		return futures.NewClient(futures.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   conn.IsTestnet,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", conn.ExchangeCode)
	}
}
