package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"botcore/internal/events"
)

// sessionQueueCap bounds a session's outbound queue. A full queue drops the
// event for that session only; producers never block.
const sessionQueueCap = 64

// Client-visible channel names.
const (
	chanOrderUpdate = "order_update"
	chanBotStats    = "bot_stats_update"
	chanBotStatus   = "bot_status"
	chanTrade       = "trade"
	chanRiskAlert   = "risk_alert"
	chanPosition    = "position_update"
	chanTicker      = "ticker"
)

// outMessage is one frame pushed to a client.
type outMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	Time int64  `json:"time,omitempty"` // ms, set on pong
}

// session is one connected websocket client.
type session struct {
	id     string
	userID string
	send   chan outMessage

	mu       sync.Mutex
	closed   bool
	channels map[string]bool
	symbols  map[string]bool
}

func newSession(userID string) *session {
	return &session{
		id:       uuid.NewString(),
		userID:   userID,
		send:     make(chan outMessage, sessionQueueCap),
		channels: make(map[string]bool),
		symbols:  make(map[string]bool),
	}
}

// close shuts the send queue exactly once. The reader goroutine may still be
// offering frames, so the closed flag and the channel close share the mutex
// with offer.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *session) subscribe(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = true
	}
}

func (s *session) unsubscribe(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
}

func (s *session) subscribeSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.symbols[sym] = true
	}
}

func (s *session) unsubscribeSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.symbols, sym)
	}
}

func (s *session) wantsChannel(ch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[ch]
}

func (s *session) wantsSymbol(sym string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbols[sym]
}

// Hub fans bus events out to connected sessions.
type Hub struct {
	bus *events.Bus

	mu       sync.RWMutex
	sessions map[*session]struct{}

	dropped atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:      bus,
		sessions: make(map[*session]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to the bus topics and dispatches until stopped.
func (h *Hub) Start(ctx context.Context) {
	orderCh, unsubOrders := h.bus.Subscribe(events.EventOrderUpdate, 256)
	statsCh, unsubStats := h.bus.Subscribe(events.EventBotStatsUpdate, 256)
	statusCh, unsubStatus := h.bus.Subscribe(events.EventBotStatus, 256)
	tradeCh, unsubTrades := h.bus.Subscribe(events.EventTradeCommitted, 256)
	riskCh, unsubRisk := h.bus.Subscribe(events.EventRiskAlert, 256)
	posCh, unsubPos := h.bus.Subscribe(events.EventPositionUpdate, 256)
	tickCh, unsubTicks := h.bus.Subscribe(events.EventPriceTick, 1024)

	go func() {
		defer close(h.doneCh)
		defer func() {
			unsubOrders()
			unsubStats()
			unsubStatus()
			unsubTrades()
			unsubRisk()
			unsubPos()
			unsubTicks()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case p := <-orderCh:
				if v, ok := p.(events.OrderUpdatePayload); ok {
					h.pushToUser(v.UserID, chanOrderUpdate, v)
				}
			case p := <-statsCh:
				if v, ok := p.(events.BotStatsPayload); ok {
					h.pushToUser(v.UserID, chanBotStats, v)
				}
			case p := <-statusCh:
				if v, ok := p.(events.BotStatusPayload); ok {
					h.pushToUser(v.UserID, chanBotStatus, v)
				}
			case p := <-tradeCh:
				if v, ok := p.(events.TradeCommittedPayload); ok {
					h.pushToUser(v.UserID, chanTrade, v)
				}
			case p := <-riskCh:
				if v, ok := p.(events.RiskAlertPayload); ok {
					h.pushToUser(v.UserID, chanRiskAlert, v)
				}
			case p := <-posCh:
				if v, ok := p.(events.PositionUpdatePayload); ok {
					h.pushToUser(v.UserID, chanPosition, v)
				}
			case p := <-tickCh:
				if v, ok := p.(events.PriceTick); ok {
					h.pushTicker(v)
				}
			}
		}
	}()
}

// Stop ends dispatch and closes every session queue.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.close()
		delete(h.sessions, s)
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		s.close()
	}
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dropped reports how many events were discarded on full session queues.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// pushToUser delivers to every session of the user subscribed to the channel.
func (h *Hub) pushToUser(userID, channel string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.userID != userID || !s.wantsChannel(channel) {
			continue
		}
		h.offer(s, outMessage{Type: channel, Data: data})
	}
}

// pushTicker delivers a price tick to every session watching the symbol.
func (h *Hub) pushTicker(tick events.PriceTick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if !s.wantsSymbol(tick.Symbol) {
			continue
		}
		h.offer(s, outMessage{Type: chanTicker, Data: tick})
	}
}

func (h *Hub) offer(s *session, msg outMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- msg:
	default:
		h.dropped.Add(1)
	}
}

// pong answers a client ping with the server timestamp.
func pong() outMessage {
	return outMessage{Type: "pong", Time: time.Now().UnixMilli()}
}
