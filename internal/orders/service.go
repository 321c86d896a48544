package orders

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"botcore/internal/events"
	"botcore/pkg/apperr"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

// GatewayPool resolves a per-connection exchange gateway.
type GatewayPool interface {
	Get(ctx context.Context, userID, connectionID string) (common.Gateway, error)
}

// FillRecorder persists trade fills and recomputes bot stats. Implemented by
// the trades package; the indirection keeps orders free of a trades import.
type FillRecorder interface {
	RecordFill(ctx context.Context, o *db.Order, f common.Fill) error
}

// CreateRequest is the input for placing an order.
type CreateRequest struct {
	BotID         string  `json:"bot_id"`
	ConnectionID  string  `json:"connection_id" binding:"required"`
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	Type          string  `json:"type" binding:"required"`
	Quantity      float64 `json:"quantity" binding:"required"`
	Price         float64 `json:"price"`
	StopPrice     float64 `json:"stop_price"`
	CallbackRate  float64 `json:"callback_rate"`
	PositionSide  string  `json:"position_side"`
	TimeInForce   string  `json:"time_in_force"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClosePosition bool    `json:"close_position"`
	WorkingType   string  `json:"working_type"`
	Leverage      int     `json:"leverage"`
	MarginMode    string  `json:"margin_mode"`
}

// Service is the order use-case layer: it persists aggregates, routes them to
// the exchange, and publishes updates on the bus.
type Service struct {
	DB       *db.Database
	Bus      *events.Bus
	Pool     GatewayPool
	Recorder FillRecorder
}

func NewService(database *db.Database, bus *events.Bus, pool GatewayPool) *Service {
	return &Service{DB: database, Bus: bus, Pool: pool}
}

// SetRecorder wires the trade recorder after construction (breaks the
// orders <-> trades cycle at assembly time).
func (s *Service) SetRecorder(r FillRecorder) { s.Recorder = r }

// checkTradePermission refuses to place orders through a connection whose key
// cannot trade: read-only keys and keys with no trade scope at all.
func (s *Service) checkTradePermission(ctx context.Context, userID, connectionID string) error {
	conn, err := s.DB.GetConnection(ctx, connectionID, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "load connection", err)
	}
	if conn == nil {
		return apperr.Newf(apperr.KindNotFound, "connection %s not found", connectionID)
	}
	if conn.ReadOnly {
		return apperr.New(apperr.KindValidation, "connection is read-only and cannot place orders")
	}
	if !conn.CanFutures && !conn.CanSpot && !conn.CanMargin {
		return apperr.New(apperr.KindValidation, "connection has no trade permission")
	}
	return nil
}

// Create validates, persists, and submits a new order. The local id doubles
// as the upstream client order id so retries stay idempotent.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*db.Order, error) {
	if err := s.checkTradePermission(ctx, userID, req.ConnectionID); err != nil {
		return nil, err
	}
	leverage := req.Leverage
	if leverage == 0 {
		leverage = 1
	}
	o := &db.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		BotID:         req.BotID,
		ConnectionID:  req.ConnectionID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		CallbackRate:  req.CallbackRate,
		PositionSide:  defaultStr(req.PositionSide, "BOTH"),
		TimeInForce:   defaultStr(req.TimeInForce, "GTC"),
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		WorkingType:   defaultStr(req.WorkingType, "CONTRACT_PRICE"),
		Leverage:      leverage,
		MarginMode:    defaultStr(req.MarginMode, "CROSSED"),
		Status:        StatusPending,
	}
	o.ClientOrderID = o.ID

	if err := Validate(o); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid order", err)
	}
	if err := s.DB.CreateOrder(ctx, *o); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store order", err)
	}

	if err := s.submit(ctx, o); err != nil {
		return o, err
	}
	return o, nil
}

// submit sends a PENDING order to the exchange and applies the ack.
func (s *Service) submit(ctx context.Context, o *db.Order) error {
	gw, err := s.Pool.Get(ctx, o.UserID, o.ConnectionID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "resolve gateway", err)
	}

	res, err := gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol:        o.Symbol,
		Side:          common.Side(o.Side),
		Type:          common.OrderType(o.Type),
		Qty:           o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		TimeInForce:   common.TimeInForce(o.TimeInForce),
		ClientID:      o.ClientOrderID,
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		PositionSide:  o.PositionSide,
		Leverage:      o.Leverage,
		WorkingType:   o.WorkingType,
		CallbackRate:  o.CallbackRate,
	})
	if err != nil {
		return s.submitFailed(ctx, o, err)
	}

	if err := Submit(o, res.ExchangeOrderID, res.ClientID); err != nil {
		return apperr.Wrap(apperr.KindInvariant, "apply ack", err)
	}

	// Market orders may confirm fills inline with the ack.
	if res.ExecutedQty > 0 && res.AvgPrice > 0 {
		if err := ApplyFill(o, res.ExecutedQty, res.AvgPrice, 0, ""); err != nil {
			log.Printf("orders: inline fill for %s: %v", o.ID, err)
		} else if s.Recorder != nil {
			fill := common.Fill{
				ExchangeOrderID: res.ExchangeOrderID,
				TradeID:         "ack-" + res.ExchangeOrderID,
				Symbol:          o.Symbol,
				Side:            common.Side(o.Side),
				Qty:             res.ExecutedQty,
				Price:           res.AvgPrice,
			}
			if err := s.Recorder.RecordFill(ctx, o, fill); err != nil {
				log.Printf("orders: record inline fill for %s: %v", o.ID, err)
			}
		}
	}

	if err := s.DB.SaveOrderState(ctx, *o); err != nil {
		return apperr.Wrap(apperr.KindInternal, "save order", err)
	}
	s.publishUpdate(o)
	return nil
}

// submitFailed classifies a gateway error: caller bugs reject the order,
// transient failures leave it PENDING for reconciliation.
func (s *Service) submitFailed(ctx context.Context, o *db.Order, err error) error {
	switch common.ClassOf(err) {
	case common.ClassBadRequest, common.ClassAuth:
		if rejErr := Reject(o, err.Error()); rejErr == nil {
			if saveErr := s.DB.SaveOrderState(ctx, *o); saveErr != nil {
				log.Printf("orders: save rejected order %s: %v", o.ID, saveErr)
			}
			s.publishUpdate(o)
		}
		return apperr.Wrap(apperr.KindRejected, "exchange rejected order", err)
	case common.ClassRateLimit:
		return apperr.Wrap(apperr.KindRateLimit, "exchange rate limited", err)
	default:
		log.Printf("orders: submit %s failed transiently: %v", o.ID, err)
		return apperr.Wrap(apperr.KindConnectivity, "submit order", err)
	}
}

// Get returns a user's order.
func (s *Service) Get(ctx context.Context, userID, id string) (*db.Order, error) {
	o, err := s.DB.GetOrder(ctx, id, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load order", err)
	}
	if o == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", id)
	}
	return o, nil
}

// List returns a filtered page of a user's orders.
func (s *Service) List(ctx context.Context, userID string, f db.OrderFilter) ([]db.Order, error) {
	res, err := s.DB.ListOrders(ctx, userID, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list orders", err)
	}
	return res, nil
}

// Cancel cancels an active order on the exchange and locally.
func (s *Service) Cancel(ctx context.Context, userID, id, reason string) (*db.Order, error) {
	o, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !IsActive(o) {
		return nil, apperr.Wrap(apperr.KindValidation,
			fmt.Sprintf("cannot cancel order in status %s", o.Status), ErrInvalidTransition)
	}

	if o.ExchangeOrderID != "" {
		gw, err := s.Pool.Get(ctx, o.UserID, o.ConnectionID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNotFound, "resolve gateway", err)
		}
		if err := gw.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID); err != nil {
			// Unknown upstream means it is already gone; anything else aborts.
			if common.ClassOf(err) != common.ClassNotFound {
				return nil, apperr.Wrap(apperr.KindConnectivity, "cancel on exchange", err)
			}
		}
	}

	if reason == "" {
		reason = "Cancelled by user"
	}
	if err := Cancel(o, reason); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "cancel order", err)
	}
	if err := s.DB.SaveOrderState(ctx, *o); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "save order", err)
	}
	s.publishUpdate(o)
	return o, nil
}

// Modify implements cancel-and-replace: the upstream exchange has no native
// modify. The original is cancelled with a replacement marker; if the
// replacement submit fails it is rejected with the original id surfaced, so
// the user is never left with both active.
func (s *Service) Modify(ctx context.Context, userID, id string, newQty, newPrice float64) (*db.Order, error) {
	orig, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkTradePermission(ctx, userID, orig.ConnectionID); err != nil {
		return nil, err
	}
	if orig.Status != StatusNew && orig.Status != StatusPartial {
		return nil, apperr.Wrap(apperr.KindValidation,
			fmt.Sprintf("cannot modify order in status %s", orig.Status), ErrInvalidTransition)
	}

	gw, err := s.Pool.Get(ctx, orig.UserID, orig.ConnectionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "resolve gateway", err)
	}
	if err := gw.CancelOrder(ctx, orig.Symbol, orig.ExchangeOrderID); err != nil {
		if common.ClassOf(err) != common.ClassNotFound {
			return nil, apperr.Wrap(apperr.KindConnectivity, "cancel original order", err)
		}
	}
	if err := Cancel(orig, "Replaced by modified order"); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "cancel original order", err)
	}
	if err := s.DB.SaveOrderState(ctx, *orig); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "save original order", err)
	}
	s.publishUpdate(orig)

	replacement := *orig
	replacement.ID = uuid.NewString()
	replacement.ClientOrderID = replacement.ID
	replacement.ReplacesOrderID = orig.ID
	replacement.ExchangeOrderID = ""
	replacement.Quantity = newQty
	replacement.Price = newPrice
	replacement.Status = StatusPending
	replacement.ErrorMessage = ""
	replacement.ExecutedQty = 0
	replacement.ExecutedQuote = 0
	replacement.AvgPrice = 0
	replacement.Commission = 0
	replacement.SubmittedAt.Valid = false
	replacement.FilledAt.Valid = false
	replacement.CancelledAt.Valid = false

	if err := Validate(&replacement); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid replacement order", err)
	}
	if err := s.DB.CreateOrder(ctx, replacement); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store replacement order", err)
	}

	if err := s.submit(ctx, &replacement); err != nil {
		if replacement.Status == StatusPending {
			if rejErr := Reject(&replacement, fmt.Sprintf("replacement of %s failed: %v", orig.ID, err)); rejErr == nil {
				if saveErr := s.DB.SaveOrderState(ctx, replacement); saveErr != nil {
					log.Printf("orders: save rejected replacement %s: %v", replacement.ID, saveErr)
				}
				s.publishUpdate(&replacement)
			}
		}
		return &replacement, err
	}
	return &replacement, nil
}

// ApplyExchangeState reapplies the exchange's authoritative view onto a local
// order, used by reconciliation and the user data stream. Promoted fills are
// recorded through the fill recorder with a deterministic trade id so replays
// stay idempotent.
func (s *Service) ApplyExchangeState(ctx context.Context, o *db.Order, st common.OrderState) error {
	if !IsActive(o) {
		return nil
	}

	changed := false
	switch st.Status {
	case common.StatusFilled, common.StatusPartial:
		delta := st.ExecutedQty - o.ExecutedQty
		if delta > 0 {
			price := st.AvgPrice
			if price <= 0 && st.ExecutedQty > 0 {
				price = st.CumQuote / st.ExecutedQty
			}
			if err := ApplyFill(o, delta, price, 0, ""); err != nil {
				return fmt.Errorf("apply drift fill: %w", err)
			}
			changed = true
			if s.Recorder != nil {
				fill := common.Fill{
					ExchangeOrderID: st.ExchangeOrderID,
					TradeID:         fmt.Sprintf("recon-%s-%d", st.ExchangeOrderID, int64(st.ExecutedQty*1e8)),
					Symbol:          o.Symbol,
					Side:            common.Side(o.Side),
					Qty:             delta,
					Price:           price,
				}
				if err := s.Recorder.RecordFill(ctx, o, fill); err != nil {
					log.Printf("orders: record reconciled fill for %s: %v", o.ID, err)
				}
			}
		}
	case common.StatusCancelled:
		if err := Cancel(o, "Cancelled on exchange"); err == nil {
			changed = true
		}
	case common.StatusExpired:
		if err := Expire(o); err == nil {
			changed = true
		}
	case common.StatusRejected:
		if err := Reject(o, "Rejected by exchange"); err == nil {
			changed = true
		}
	}

	if !changed {
		return nil
	}
	if err := s.DB.SaveOrderState(ctx, *o); err != nil {
		return fmt.Errorf("save reconciled order: %w", err)
	}
	s.publishUpdate(o)
	return nil
}

func (s *Service) publishUpdate(o *db.Order) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(events.EventOrderUpdate, events.OrderUpdatePayload{
		UserID:          o.UserID,
		OrderID:         o.ID,
		BotID:           o.BotID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Status:          o.Status,
		Quantity:        o.Quantity,
		Price:           o.Price,
		ExecutedQty:     o.ExecutedQty,
		AvgPrice:        o.AvgPrice,
		ExchangeOrderID: o.ExchangeOrderID,
		ErrorMessage:    o.ErrorMessage,
	})
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
