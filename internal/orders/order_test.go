package orders

import (
	"errors"
	"math"
	"testing"

	"botcore/pkg/db"
)

func limitOrder() *db.Order {
	return &db.Order{
		ID: "o1", UserID: "u1", ConnectionID: "c1",
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT",
		Quantity: 2.0, Price: 50000, Leverage: 1,
		Status: StatusPending,
	}
}

func TestValidateLeverageBounds(t *testing.T) {
	tests := []struct {
		leverage int
		ok       bool
	}{
		{0, false},
		{1, true},
		{125, true},
		{126, false},
	}
	for _, tt := range tests {
		o := limitOrder()
		o.Leverage = tt.leverage
		err := Validate(o)
		if tt.ok && err != nil {
			t.Errorf("leverage %d: unexpected error %v", tt.leverage, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidLeverage) {
			t.Errorf("leverage %d: expected ErrInvalidLeverage, got %v", tt.leverage, err)
		}
	}
}

func TestValidateRequiresPrices(t *testing.T) {
	o := limitOrder()
	o.Price = 0
	if err := Validate(o); !errors.Is(err, ErrPriceRequired) {
		t.Errorf("expected ErrPriceRequired, got %v", err)
	}

	o = limitOrder()
	o.Type = "STOP_MARKET"
	o.Price = 0
	if err := Validate(o); !errors.Is(err, ErrStopPriceRequired) {
		t.Errorf("expected ErrStopPriceRequired, got %v", err)
	}

	o = limitOrder()
	o.Quantity = 0
	if err := Validate(o); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestSubmitTransition(t *testing.T) {
	o := limitOrder()
	if err := Submit(o, "X1", "client-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.Status != StatusNew || o.ExchangeOrderID != "X1" || !o.SubmittedAt.Valid {
		t.Errorf("unexpected state after submit: %+v", o)
	}

	// Second submit must fail.
	if err := Submit(o, "X2", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFillArithmetic(t *testing.T) {
	o := limitOrder()
	Submit(o, "X1", "")

	if err := ApplyFill(o, 0.5, 50000, 0.1, "USDT"); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status != StatusPartial {
		t.Errorf("status = %s, want PARTIALLY_FILLED", o.Status)
	}
	if o.ExecutedQty != 0.5 || o.ExecutedQuote != 25000 || o.AvgPrice != 50000 {
		t.Errorf("after first fill: %+v", o)
	}

	if err := ApplyFill(o, 1.5, 49000, 0.2, "USDT"); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if o.Status != StatusFilled || !o.FilledAt.Valid {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
	wantAvg := (0.5*50000 + 1.5*49000) / 2.0
	if math.Abs(o.AvgPrice-wantAvg) > 1e-9 {
		t.Errorf("avg price = %f, want %f", o.AvgPrice, wantAvg)
	}
	if math.Abs(o.Commission-0.3) > 1e-9 || o.CommissionAsset != "USDT" {
		t.Errorf("commission = %f %s", o.Commission, o.CommissionAsset)
	}
}

func TestOverfillRejected(t *testing.T) {
	o := limitOrder()
	Submit(o, "X1", "")
	if err := ApplyFill(o, 2.5, 50000, 0, ""); !errors.Is(err, ErrOverfill) {
		t.Errorf("expected ErrOverfill, got %v", err)
	}
	if o.ExecutedQty != 0 {
		t.Errorf("rejected fill mutated the order: %+v", o)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, terminal := range []string{StatusFilled, StatusCancelled, StatusRejected, StatusExpired} {
		o := limitOrder()
		o.Status = terminal

		if err := ApplyFill(o, 1, 50000, 0, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s: fill should fail, got %v", terminal, err)
		}
		if err := Cancel(o, "x"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s: cancel should fail, got %v", terminal, err)
		}
		if err := Submit(o, "X", ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s: submit should fail, got %v", terminal, err)
		}
		if o.Status != terminal {
			t.Errorf("terminal status mutated: %s -> %s", terminal, o.Status)
		}
	}
}

func TestCancelRecordsReason(t *testing.T) {
	o := limitOrder()
	Submit(o, "X1", "")
	if err := Cancel(o, "Replaced by modified order"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if o.Status != StatusCancelled || o.ErrorMessage != "Replaced by modified order" || !o.CancelledAt.Valid {
		t.Errorf("unexpected state: %+v", o)
	}
}

func TestRejectOnlyFromPendingOrNew(t *testing.T) {
	o := limitOrder()
	Submit(o, "X1", "")
	ApplyFill(o, 0.5, 50000, 0, "")
	if err := Reject(o, "late reject"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from PARTIALLY_FILLED, got %v", err)
	}
}

func TestIsActiveMatchesStatus(t *testing.T) {
	active := []string{StatusPending, StatusNew, StatusPartial}
	inactive := []string{StatusFilled, StatusCancelled, StatusRejected, StatusExpired}
	for _, st := range active {
		if !IsActive(&db.Order{Status: st}) {
			t.Errorf("%s should be active", st)
		}
		if IsTerminal(st) {
			t.Errorf("%s should not be terminal", st)
		}
	}
	for _, st := range inactive {
		if IsActive(&db.Order{Status: st}) {
			t.Errorf("%s should not be active", st)
		}
		if !IsTerminal(st) {
			t.Errorf("%s should be terminal", st)
		}
	}
}
