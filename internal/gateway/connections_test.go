package gateway

import (
	"context"
	"strings"
	"testing"

	"botcore/pkg/apperr"
	"botcore/pkg/db"
)

func newConnService(t *testing.T) (*ConnectionService, *db.Database) {
	t.Helper()
	m, database, keys, _ := newTestManager(t)
	return NewConnectionService(database, keys, m), database
}

func TestCreateConnectionMasksKey(t *testing.T) {
	svc, _ := newConnService(t)
	ctx := context.Background()

	info, err := svc.Create(ctx, "u1", CreateConnectionRequest{
		ExchangeCode: "BINANCE", Name: "main",
		APIKey: "AKIAQWERTY1234", APISecret: "secret",
		CanFutures: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.MaskedAPIKey != "****1234" {
		t.Errorf("masked key = %q, want ****1234", info.MaskedAPIKey)
	}
	if info.Status != ConnStatusUnverified {
		t.Errorf("status = %q, want UNVERIFIED", info.Status)
	}

	// Read model must never carry the full key.
	if strings.Contains(info.MaskedAPIKey, "AKIAQWERTY") {
		t.Error("masked key leaks plaintext")
	}
}

func TestCreateConnectionFlagsWithdrawKeys(t *testing.T) {
	svc, database := newConnService(t)
	ctx := context.Background()

	info, err := svc.Create(ctx, "u1", CreateConnectionRequest{
		ExchangeCode: "BINANCE", Name: "hot",
		APIKey: "key-12345", APISecret: "secret",
		CanFutures: true, CanWithdraw: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !info.CanWithdraw || !info.Unsafe {
		t.Errorf("info = can_withdraw=%v unsafe=%v, want both true", info.CanWithdraw, info.Unsafe)
	}

	stored, err := database.GetConnection(ctx, info.ID, "u1")
	if err != nil || stored == nil {
		t.Fatalf("load: %v %v", stored, err)
	}
	if !stored.CanWithdraw {
		t.Error("can_withdraw not persisted")
	}

	safe, err := svc.Create(ctx, "u1", CreateConnectionRequest{
		ExchangeCode: "BINANCE", Name: "cold",
		APIKey: "key-67890", APISecret: "secret",
		CanFutures: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if safe.CanWithdraw || safe.Unsafe {
		t.Errorf("trade-only key flagged unsafe: %+v", safe)
	}
}

func TestCreateConnectionRequiresMatchingKeys(t *testing.T) {
	svc, _ := newConnService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u1", CreateConnectionRequest{
		ExchangeCode: "BINANCE", Name: "empty",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("no keys: kind = %s, want VALIDATION", apperr.KindOf(err))
	}

	_, err = svc.Create(ctx, "u1", CreateConnectionRequest{
		ExchangeCode: "BINANCE", Name: "mismatch",
		APIKey: "k", APISecret: "s", IsTestnet: true,
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("testnet without testnet keys: kind = %s, want VALIDATION", apperr.KindOf(err))
	}
}

func TestDeleteConnectionRefusedWhileBotsReference(t *testing.T) {
	svc, database := newConnService(t)
	ctx := context.Background()

	info, err := svc.Create(ctx, "u1", CreateConnectionRequest{
		ExchangeCode: "BINANCE", Name: "busy",
		APIKey: "key-12345", APISecret: "secret",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := database.CreateBot(ctx, db.Bot{
		ID: "b1", UserID: "u1", StrategyID: "s1", ConnectionID: info.ID,
		Name: "grid", Symbol: "BTCUSDT", Status: "PAUSED", RiskLevel: "low",
	}); err != nil {
		t.Fatalf("seed bot: %v", err)
	}

	if err := svc.Delete(ctx, "u1", info.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("delete with bot attached: kind = %s, want CONFLICT", apperr.KindOf(err))
	}

	// Remove the bot and deletion proceeds; the connection disappears from reads.
	if err := database.DeleteBot(ctx, "b1", "u1"); err != nil {
		t.Fatalf("delete bot: %v", err)
	}
	if err := svc.Delete(ctx, "u1", info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, "u1", info.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("deleted connection still readable: %v", err)
	}
}
