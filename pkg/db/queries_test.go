package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestExchangeSeed(t *testing.T) {
	database := newTestDB(t)

	var n int
	if err := database.DB.QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&n); err != nil {
		t.Fatalf("count exchanges: %v", err)
	}
	if n < 3 {
		t.Errorf("expected at least 3 seeded exchanges, got %d", n)
	}

	// Re-applying migrations must not duplicate the seed.
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	var n2 int
	database.DB.QueryRow(`SELECT COUNT(*) FROM exchanges`).Scan(&n2)
	if n2 != n {
		t.Errorf("seed duplicated: %d -> %d", n, n2)
	}
}

func TestUserScopedQueriesRequireUserID(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	t.Run("ListOrders requires userID", func(t *testing.T) {
		if _, err := database.ListOrders(ctx, "", OrderFilter{}); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("ListConnectionsByUser requires userID", func(t *testing.T) {
		if _, err := database.ListConnectionsByUser(ctx, ""); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("ListBotsByUser requires userID", func(t *testing.T) {
		if _, err := database.ListBotsByUser(ctx, ""); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
	t.Run("ListTradesByUser requires userID", func(t *testing.T) {
		if _, err := database.ListTradesByUser(ctx, "", 100); err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestOrderQueriesDataIsolation(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	userA := "user-a-123"
	userB := "user-b-456"

	orderA := Order{
		ID: "order-a-1", UserID: userA, ConnectionID: "conn-a",
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT",
		Quantity: 0.1, Price: 50000, Status: "NEW",
	}
	orderB := Order{
		ID: "order-b-1", UserID: userB, ConnectionID: "conn-b",
		Symbol: "ETHUSDT", Side: "SELL", Type: "LIMIT",
		Quantity: 1.0, Price: 3000, Status: "NEW",
	}

	if err := database.CreateOrder(ctx, orderA); err != nil {
		t.Fatalf("Failed to create order A: %v", err)
	}
	if err := database.CreateOrder(ctx, orderB); err != nil {
		t.Fatalf("Failed to create order B: %v", err)
	}

	t.Run("User A sees only their orders", func(t *testing.T) {
		orders, err := database.ListOrders(ctx, userA, OrderFilter{})
		if err != nil {
			t.Fatalf("Failed to get orders: %v", err)
		}
		if len(orders) != 1 || orders[0].ID != "order-a-1" {
			t.Errorf("expected [order-a-1], got %+v", orders)
		}
	})

	t.Run("Cross-user get returns nil", func(t *testing.T) {
		o, err := database.GetOrder(ctx, "order-a-1", userB)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if o != nil {
			t.Errorf("expected nil, got %+v", o)
		}
	})

	t.Run("Status filter", func(t *testing.T) {
		orders, err := database.ListOrders(ctx, userA, OrderFilter{Status: "FILLED"})
		if err != nil {
			t.Fatalf("Failed to get orders: %v", err)
		}
		if len(orders) != 0 {
			t.Errorf("expected 0 orders, got %d", len(orders))
		}
	})
}

func TestSaveOrderStatePersistsExecution(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	o := Order{
		ID: "order-1", UserID: "u1", ConnectionID: "c1",
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT",
		Quantity: 2, Price: 50000, Status: "PENDING",
	}
	if err := database.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	o.Status = "PARTIALLY_FILLED"
	o.ExchangeOrderID = "X1"
	o.ExecutedQty = 0.5
	o.ExecutedQuote = 25000
	o.AvgPrice = 50000
	o.SubmittedAt.Time = time.Now()
	o.SubmittedAt.Valid = true
	if err := database.SaveOrderState(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := database.GetOrder(ctx, "order-1", "u1")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "PARTIALLY_FILLED" || got.ExecutedQty != 0.5 || got.ExchangeOrderID != "X1" {
		t.Errorf("unexpected state: %+v", got)
	}
	if !got.SubmittedAt.Valid {
		t.Error("submitted_at not persisted")
	}
}

func TestTradeUniqueExchangeTradeID(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	insert := func() error {
		tx, err := database.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		if err := InsertTradeTx(ctx, tx, Trade{
			ID: "t-" + time.Now().Format("150405.000000000"), OrderID: "o1", BotID: "b1", UserID: "u1",
			Symbol: "BTCUSDT", Side: "BUY", Price: 50000, Qty: 0.1,
			ExchangeTradeID: "ex-1", ExecutedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); err == nil {
		t.Fatal("expected unique violation on second insert with same exchange_trade_id")
	}

	tx, _ := database.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	exists, err := TradeExistsTx(ctx, tx, "ex-1")
	if err != nil {
		t.Fatalf("TradeExistsTx: %v", err)
	}
	if !exists {
		t.Error("expected trade to exist")
	}
}
