package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"botcore/pkg/exchanges/common"
)

const (
	mainnetWS = "wss://fstream.binance.com/ws/"
	testnetWS = "wss://stream.binancefuture.com/ws/"
)

// OrderUpdate is one ORDER_TRADE_UPDATE event from the user data stream,
// normalized for the reconciliation and trade-recording paths.
type OrderUpdate struct {
	State common.OrderState
	Fill  *common.Fill // set when the event carries an execution
}

// UserStream maintains the futures user-data websocket: it owns the listen
// key, keeps it alive, and redials with backoff on disconnect.
type UserStream struct {
	client  *Client
	wsBase  string
	onEvent func(OrderUpdate)
}

// NewUserStream wires a stream to an existing REST client. onEvent runs on the
// stream's read goroutine and must not block.
func NewUserStream(client *Client, onEvent func(OrderUpdate)) *UserStream {
	base := mainnetWS
	if client.cfg.Testnet {
		base = testnetWS
	}
	return &UserStream{client: client, wsBase: base, onEvent: onEvent}
}

// Run connects and processes events until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectOnce(ctx); err != nil {
			d := b.Duration()
			log.Printf("user stream: disconnected: %v (reconnect in %s)", err, d)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
	}
}

func (s *UserStream) connectOnce(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBase+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Listen keys expire after 60 minutes without a keepalive.
	keepCtx, cancelKeep := context.WithCancel(ctx)
	defer cancelKeep()
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(keepCtx, listenKey); err != nil {
					log.Printf("user stream: keepalive failed: %v", err)
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

func (s *UserStream) handleMessage(msg []byte) {
	var envelope struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return
	}
	if envelope.Event != "ORDER_TRADE_UPDATE" {
		return
	}

	var ev struct {
		Order struct {
			Symbol          string `json:"s"`
			ClientOrderID   string `json:"c"`
			Side            string `json:"S"`
			Status          string `json:"X"`
			OrderID         int64  `json:"i"`
			OrigQty         string `json:"q"`
			Price           string `json:"p"`
			AvgPrice        string `json:"ap"`
			ExecType        string `json:"x"`
			LastFilledQty   string `json:"l"`
			LastFilledPrice string `json:"L"`
			CumFilledQty    string `json:"z"`
			Commission      string `json:"n"`
			CommissionAsset string `json:"N"`
			TradeID         int64  `json:"t"`
			RealizedPnL     string `json:"rp"`
			TradeTime       int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return
	}
	o := ev.Order

	update := OrderUpdate{
		State: common.OrderState{
			ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
			ClientID:        o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Status:          mapStatus(o.Status),
			Qty:             parseFloat(o.OrigQty),
			Price:           parseFloat(o.Price),
			ExecutedQty:     parseFloat(o.CumFilledQty),
			AvgPrice:        parseFloat(o.AvgPrice),
			UpdateTime:      o.TradeTime,
		},
	}
	if o.ExecType == "TRADE" && parseFloat(o.LastFilledQty) > 0 {
		update.Fill = &common.Fill{
			ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
			TradeID:         fmt.Sprintf("%d", o.TradeID),
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Qty:             parseFloat(o.LastFilledQty),
			Price:           parseFloat(o.LastFilledPrice),
			Commission:      parseFloat(o.Commission),
			CommissionAsset: o.CommissionAsset,
			RealizedPnL:     parseFloat(o.RealizedPnL),
			TradeTime:       o.TradeTime,
		}
	}
	if s.onEvent != nil {
		s.onEvent(update)
	}
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey?listenKey="+listenKey)
	return err
}

// doKeyed sends a request authenticated by API key header only (no signature).
func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, common.NewGatewayError(common.ClassAuth, method+" "+path, "API key required", nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewGatewayError(common.ClassConnectivity, method+" "+path, "request failed", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classifyResponse(method+" "+path, res.StatusCode, body)
	}
	return body, nil
}
