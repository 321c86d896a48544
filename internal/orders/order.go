// Package orders owns the order aggregate: construction rules, the
// submit/fill/cancel/reject state machine, and the use cases that route
// orders to an exchange gateway.
package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"botcore/pkg/db"
)

// Order status values. PENDING is local-only; NEW means acknowledged by the
// exchange. FILLED, CANCELLED, REJECTED and EXPIRED are terminal.
const (
	StatusPending   = "PENDING"
	StatusNew       = "NEW"
	StatusPartial   = "PARTIALLY_FILLED"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
	StatusExpired   = "EXPIRED"
)

const (
	MinLeverage = 1
	MaxLeverage = 125
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidLeverage   = fmt.Errorf("leverage must be between %d and %d", MinLeverage, MaxLeverage)
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrPriceRequired     = errors.New("limit orders require a positive price")
	ErrStopPriceRequired = errors.New("stop orders require a positive stop price")
	ErrOverfill          = errors.New("fill exceeds order quantity")
)

// IsTerminal reports whether a status is absorbing.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the order is still live locally or on the exchange.
func IsActive(o *db.Order) bool {
	switch o.Status {
	case StatusPending, StatusNew, StatusPartial:
		return true
	}
	return false
}

// Validate enforces construction rules before an order is persisted.
func Validate(o *db.Order) error {
	if o.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if o.Leverage < MinLeverage || o.Leverage > MaxLeverage {
		return ErrInvalidLeverage
	}
	switch o.Type {
	case "LIMIT", "STOP_LIMIT":
		if o.Price <= 0 {
			return ErrPriceRequired
		}
	}
	switch o.Type {
	case "STOP_MARKET", "STOP_LIMIT", "TAKE_PROFIT":
		if o.StopPrice <= 0 {
			return ErrStopPriceRequired
		}
	}
	switch o.Side {
	case "BUY", "SELL":
	default:
		return fmt.Errorf("invalid side %q", o.Side)
	}
	return nil
}

// Submit records the exchange acknowledgement: PENDING -> NEW.
func Submit(o *db.Order, exchangeOrderID, clientOrderID string) error {
	if o.Status != StatusPending {
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = StatusNew
	o.ExchangeOrderID = exchangeOrderID
	if clientOrderID != "" {
		o.ClientOrderID = clientOrderID
	}
	o.SubmittedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	return nil
}

// ApplyFill aggregates one execution into the order. The average price is
// quote-volume weighted; a cumulative fill >= quantity closes the order.
func ApplyFill(o *db.Order, qty, price, commission float64, commissionAsset string) error {
	if o.Status != StatusNew && o.Status != StatusPartial {
		return fmt.Errorf("%w: fill from %s", ErrInvalidTransition, o.Status)
	}
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("invalid fill qty=%v price=%v", qty, price)
	}
	const eps = 1e-9
	if o.ExecutedQty+qty > o.Quantity+eps {
		return ErrOverfill
	}

	o.ExecutedQty += qty
	o.ExecutedQuote += qty * price
	o.AvgPrice = o.ExecutedQuote / o.ExecutedQty
	o.Commission += commission
	if commissionAsset != "" {
		o.CommissionAsset = commissionAsset
	}

	if o.ExecutedQty >= o.Quantity-eps {
		o.Status = StatusFilled
		o.FilledAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	} else {
		o.Status = StatusPartial
	}
	return nil
}

// Cancel closes an order that has not fully filled.
func Cancel(o *db.Order, reason string) error {
	switch o.Status {
	case StatusPending, StatusNew, StatusPartial:
	default:
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = StatusCancelled
	o.ErrorMessage = reason
	o.CancelledAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	return nil
}

// Reject marks an order the exchange refused.
func Reject(o *db.Order, reason string) error {
	switch o.Status {
	case StatusPending, StatusNew:
	default:
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = StatusRejected
	o.ErrorMessage = reason
	return nil
}

// Expire marks an order the exchange timed out.
func Expire(o *db.Order) error {
	switch o.Status {
	case StatusPending, StatusNew, StatusPartial:
	default:
		return fmt.Errorf("%w: expire from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = StatusExpired
	return nil
}
