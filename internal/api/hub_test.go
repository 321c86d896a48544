package api

import (
	"context"
	"testing"
	"time"

	"botcore/internal/events"
)

func startTestHub(t *testing.T) (*Hub, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	hub := NewHub(bus)
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)
	return hub, bus
}

func recv(t *testing.T, s *session, timeout time.Duration) (outMessage, bool) {
	t.Helper()
	select {
	case msg := <-s.send:
		return msg, true
	case <-time.After(timeout):
		return outMessage{}, false
	}
}

func TestOrderUpdateRoutedToOwner(t *testing.T) {
	hub, bus := startTestHub(t)

	owner := newSession("u1")
	owner.subscribe([]string{chanOrderUpdate})
	other := newSession("u2")
	other.subscribe([]string{chanOrderUpdate})
	unsubscribed := newSession("u1")
	hub.register(owner)
	hub.register(other)
	hub.register(unsubscribed)

	bus.Publish(events.EventOrderUpdate, events.OrderUpdatePayload{
		UserID: "u1", OrderID: "o1", Symbol: "BTCUSDT", Status: "FILLED",
	})

	msg, ok := recv(t, owner, time.Second)
	if !ok {
		t.Fatal("owner session received nothing")
	}
	if msg.Type != chanOrderUpdate {
		t.Errorf("type = %s", msg.Type)
	}
	if _, ok := recv(t, other, 50*time.Millisecond); ok {
		t.Error("other user's session received the event")
	}
	if _, ok := recv(t, unsubscribed, 50*time.Millisecond); ok {
		t.Error("unsubscribed session received the event")
	}
}

func TestTickerRoutedBySymbol(t *testing.T) {
	hub, bus := startTestHub(t)

	btc := newSession("u1")
	btc.subscribeSymbols([]string{"BTCUSDT"})
	eth := newSession("u2")
	eth.subscribeSymbols([]string{"ETHUSDT"})
	hub.register(btc)
	hub.register(eth)

	bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "BTCUSDT", Price: 50000})

	if msg, ok := recv(t, btc, time.Second); !ok || msg.Type != chanTicker {
		t.Fatalf("btc session: ok=%v msg=%+v", ok, msg)
	}
	if _, ok := recv(t, eth, 50*time.Millisecond); ok {
		t.Error("eth session received a BTCUSDT tick")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, bus := startTestHub(t)

	s := newSession("u1")
	s.subscribe([]string{chanRiskAlert})
	hub.register(s)

	bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{UserID: "u1", AlertID: "a1"})
	if _, ok := recv(t, s, time.Second); !ok {
		t.Fatal("subscribed session received nothing")
	}

	s.unsubscribe([]string{chanRiskAlert})
	bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{UserID: "u1", AlertID: "a2"})
	if _, ok := recv(t, s, 50*time.Millisecond); ok {
		t.Error("unsubscribed session still receiving")
	}
}

func TestFullSessionQueueDropsAndCounts(t *testing.T) {
	hub := NewHub(events.NewBus())

	s := newSession("u1")
	s.subscribe([]string{chanOrderUpdate})
	hub.register(s)

	for i := 0; i < sessionQueueCap+5; i++ {
		hub.pushToUser("u1", chanOrderUpdate, events.OrderUpdatePayload{UserID: "u1"})
	}
	if got := hub.Dropped(); got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
	if len(s.send) != sessionQueueCap {
		t.Errorf("queued = %d, want %d", len(s.send), sessionQueueCap)
	}
}

func TestPositionUpdateRoutedToOwner(t *testing.T) {
	hub, bus := startTestHub(t)

	s := newSession("u1")
	s.subscribe([]string{chanPosition})
	hub.register(s)

	bus.Publish(events.EventPositionUpdate, events.PositionUpdatePayload{
		UserID: "u1", EventType: "PositionClosed", PositionID: "p1", Symbol: "BTCUSDT",
	})
	msg, ok := recv(t, s, time.Second)
	if !ok || msg.Type != chanPosition {
		t.Fatalf("position update: ok=%v msg=%+v", ok, msg)
	}
}

func TestOfferAfterStopDoesNotPanic(t *testing.T) {
	hub := NewHub(events.NewBus())
	hub.Start(context.Background())

	s := newSession("u1")
	s.subscribe([]string{chanOrderUpdate})
	hub.register(s)
	hub.Stop()

	// A reader goroutine may still be enqueueing frames while the hub shuts
	// the session down. Offering to a closed session must be a quiet no-op.
	hub.offer(s, pong())
	hub.pushToUser("u1", chanOrderUpdate, events.OrderUpdatePayload{UserID: "u1"})
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := newSession("u1")
	s.close()
	s.close()
	if _, open := <-s.send; open {
		t.Error("send channel left open after close")
	}
}

func TestSessionCountAndUnregister(t *testing.T) {
	hub := NewHub(events.NewBus())
	s := newSession("u1")
	hub.register(s)
	if hub.SessionCount() != 1 {
		t.Fatalf("count = %d", hub.SessionCount())
	}
	hub.unregister(s)
	if hub.SessionCount() != 0 {
		t.Fatalf("count after unregister = %d", hub.SessionCount())
	}
	if _, open := <-s.send; open {
		t.Error("send channel left open after unregister")
	}
}

func TestPongCarriesTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	msg := pong()
	if msg.Type != "pong" || msg.Time < before {
		t.Errorf("pong = %+v", msg)
	}
}
