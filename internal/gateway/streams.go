package gateway

import (
	"context"
	"log"
	"sync"

	"botcore/pkg/db"
	"botcore/pkg/exchanges/binance/futures"
	"botcore/pkg/exchanges/common"
)

// OrderStateApplier folds an authoritative exchange state onto a local order.
// Implemented by the order service.
type OrderStateApplier interface {
	ApplyExchangeState(ctx context.Context, o *db.Order, st common.OrderState) error
}

// GatewayResolver resolves the cached gateway for a connection.
type GatewayResolver interface {
	Get(ctx context.Context, userID, connectionID string) (common.Gateway, error)
}

// StreamService runs one user-data stream per active connection and feeds
// order events into the order service, so fills and cancels land without
// waiting for the reconciliation sweep.
type StreamService struct {
	pool   GatewayResolver
	store  *db.Database
	orders OrderStateApplier

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // connection id -> stream cancel
}

func NewStreamService(pool GatewayResolver, store *db.Database, orders OrderStateApplier) *StreamService {
	return &StreamService{
		pool:    pool,
		store:   store,
		orders:  orders,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Ensure starts a user stream for the connection unless one is already
// running. Gateways without a user-data stream are skipped.
func (s *StreamService) Ensure(ctx context.Context, userID, connectionID string) error {
	s.mu.Lock()
	if _, running := s.cancels[connectionID]; running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	gw, err := s.pool.Get(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	fc, ok := gw.(*futures.Client)
	if !ok {
		log.Printf("ws: connection %s has no user data stream, skipping", connectionID)
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if _, running := s.cancels[connectionID]; running {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancels[connectionID] = cancel
	s.mu.Unlock()

	stream := futures.NewUserStream(fc, func(u futures.OrderUpdate) {
		s.apply(streamCtx, u)
	})
	go func() {
		log.Printf("ws: user stream started for connection %s", connectionID)
		stream.Run(streamCtx)
		s.mu.Lock()
		delete(s.cancels, connectionID)
		s.mu.Unlock()
		log.Printf("ws: user stream stopped for connection %s", connectionID)
	}()
	return nil
}

// apply routes one stream event onto the local order. The client order id
// carries the local order id, so lookup is direct.
func (s *StreamService) apply(ctx context.Context, u futures.OrderUpdate) {
	if u.State.ClientID == "" {
		return
	}
	o, err := s.store.GetOrderByID(ctx, u.State.ClientID)
	if err != nil {
		log.Printf("ws: load order %s: %v", u.State.ClientID, err)
		return
	}
	if o == nil {
		// Placed outside this system; reconciliation owns those.
		return
	}
	if err := s.orders.ApplyExchangeState(ctx, o, u.State); err != nil {
		log.Printf("ws: apply update to order %s: %v", o.ID, err)
	}
}

// Remove stops the stream of one connection, if running.
func (s *StreamService) Remove(connectionID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[connectionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every running stream.
func (s *StreamService) Stop() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
