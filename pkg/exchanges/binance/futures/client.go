// Package futures is the Binance USDT-M futures adapter.
package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"botcore/pkg/exchanges/common"
)

const (
	mainnetBase = "https://fapi.binance.com"
	testnetBase = "https://testnet.binancefuture.com"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // override for tests
}

// Client handles Binance USDT-M futures and satisfies common.Gateway.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	dataClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client. The testnet flag selects the
// base URL; credentials must match the selected environment.
func NewClient(cfg Config) *Client {
	base := mainnetBase
	if cfg.Testnet {
		base = testnetBase
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dataClient: &http.Client{Timeout: 30 * time.Second},
	}
	c.timeSync = common.NewTimeSync(func() (int64, error) {
		return c.GetServerTime()
	})
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute)
	return c
}

// StartTimeSync begins periodic clock synchronization against the exchange.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// now returns the signed-request timestamp, using the synced clock when known.
func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) signedParams() url.Values {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

// SubmitOrder places an order. The caller's ClientID is forwarded as
// newClientOrderId so retries of the same local order are idempotent upstream.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, common.NewGatewayError(common.ClassAuth, "submit order", "API key/secret required", nil)
	}
	params := c.signedParams()
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	if !req.ClosePosition {
		params.Set("quantity", formatFloat(req.Qty))
	}

	if req.Type == common.OrderTypeLimit || req.Type == common.OrderTypeStopLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.Type == common.OrderTypeStopMarket ||
		req.Type == common.OrderTypeStopLimit ||
		req.Type == common.OrderTypeTakeProfit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
	}
	if req.Type == common.OrderTypeTrailingStop {
		params.Set("callbackRate", formatFloat(req.CallbackRate))
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
		CumQuote:        parseFloat(resp.CumQuote),
		AvgPrice:        parseFloat(resp.AvgPrice),
	}, nil
}

// CancelOrder cancels an order by symbol and exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := c.signedParams()
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// GetOrder returns the exchange's view of one order.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderState{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderState{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toState(), nil
}

// ListOpenOrders returns open orders; symbol optional.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	params := c.signedParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var resp []orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OrderState, 0, len(resp))
	for _, r := range resp {
		out = append(out, r.toState())
	}
	return out, nil
}

// GetAccount returns the normalized futures account snapshot.
func (c *Client) GetAccount(ctx context.Context) (common.AccountSnapshot, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", c.signedParams())
	if err != nil {
		return common.AccountSnapshot{}, err
	}
	var info struct {
		CanTrade bool `json:"canTrade"`
		Assets   []struct {
			Asset            string `json:"asset"`
			WalletBalance    string `json:"walletBalance"`
			AvailableBalance string `json:"availableBalance"`
			UnrealizedProfit string `json:"unrealizedProfit"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return common.AccountSnapshot{}, fmt.Errorf("decode account: %w", err)
	}
	snap := common.AccountSnapshot{CanTrade: info.CanTrade}
	for _, a := range info.Assets {
		snap.Balances = append(snap.Balances, common.AssetBalance{
			Asset:         a.Asset,
			WalletBalance: parseFloat(a.WalletBalance),
			Available:     parseFloat(a.AvailableBalance),
			UnrealizedPnL: parseFloat(a.UnrealizedProfit),
		})
	}
	return snap, nil
}

// GetTicker returns the latest price for a symbol. Unsigned endpoint.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	endpoint := c.baseURL + "/fapi/v1/ticker/price?symbol=" + url.QueryEscape(symbol)
	body, err := c.doPublic(ctx, endpoint)
	if err != nil {
		return common.Ticker{}, err
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	return common.Ticker{Symbol: resp.Symbol, Price: parseFloat(resp.Price), Time: resp.Time}, nil
}

// GetKlines returns recent OHLCV bars, oldest first. Unsigned endpoint.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	endpoint := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&limit=%d",
		c.baseURL, url.QueryEscape(symbol), url.QueryEscape(interval), limit)
	body, err := c.doPublic(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]common.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		candles = append(candles, common.Candle{
			OpenTime: int64(openTime),
			Open:     parseFloat(fmt.Sprint(k[1])),
			High:     parseFloat(fmt.Sprint(k[2])),
			Low:      parseFloat(fmt.Sprint(k[3])),
			Close:    parseFloat(fmt.Sprint(k[4])),
			Volume:   parseFloat(fmt.Sprint(k[5])),
		})
	}
	return candles, nil
}

// Ping checks REST reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, c.baseURL+"/fapi/v1/ping")
	return err
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime() (int64, error) {
	body, err := c.doPublic(context.Background(), c.baseURL+"/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// Close releases idle keep-alive connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	c.dataClient.CloseIdleConnections()
	return nil
}

// RateLimitUsage exposes the current weight usage for diagnostics.
func (c *Client) RateLimitUsage() (used, limit int, pct float64) {
	return c.rateLimiter.Usage()
}

// doSigned signs the parameter string and sends the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewGatewayError(common.ClassAuth, method+" "+path, "API key/secret required", nil)
	}
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewGatewayError(common.ClassConnectivity, method+" "+path, "request failed", err)
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classifyResponse(method+" "+path, res.StatusCode, body)
	}
	return body, nil
}

func (c *Client) doPublic(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.dataClient.Do(req)
	if err != nil {
		return nil, common.NewGatewayError(common.ClassConnectivity, "GET "+endpoint, "request failed", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classifyResponse("GET "+endpoint, res.StatusCode, body)
	}
	return body, nil
}

// classifyResponse maps an error response onto a GatewayError, refining the
// HTTP-status class with well-known Binance error codes.
func classifyResponse(op string, status int, body []byte) error {
	class := common.ClassifyStatus(status)

	var be struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &be) == nil {
		switch be.Code {
		case -2014, -2015, -1022: // bad API key, invalid key/ip/permissions, bad signature
			class = common.ClassAuth
		case -2013: // order does not exist
			class = common.ClassNotFound
		case -1003: // too many requests
			class = common.ClassRateLimit
		}
		if be.Msg != "" {
			return common.NewGatewayError(class, op, fmt.Sprintf("status %d code %d: %s", status, be.Code, be.Msg), nil)
		}
	}
	return common.NewGatewayError(class, op, fmt.Sprintf("status %d: %s", status, string(body)), nil)
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResp) toState() common.OrderState {
	return common.OrderState{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Status:          mapStatus(r.Status),
		Qty:             parseFloat(r.OrigQty),
		Price:           parseFloat(r.Price),
		ExecutedQty:     parseFloat(r.ExecutedQty),
		CumQuote:        parseFloat(r.CumQuote),
		AvgPrice:        parseFloat(r.AvgPrice),
		UpdateTime:      r.UpdateTime,
	}
}
