// Package gateway maintains the pool of authenticated exchange clients, one
// per connection, with LRU eviction, idle cleanup and a failure circuit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"botcore/pkg/crypto"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/common"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// Factory builds a Gateway for a connection using its decrypted credentials.
type Factory func(conn db.Connection, apiKey, apiSecret string) (common.Gateway, error)

type cachedGateway struct {
	gateway      common.Gateway
	connectionID string
	userID       string
	exchangeCode string
	createdAt    time.Time
	lastUsed     time.Time
	healthyAt    time.Time
	failures     int
}

// Config tunes the pool.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager caches gateways keyed by connection id. Credentials are decrypted
// on demand and never retained outside the constructed client.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*cachedGateway
	lruOrder []string // oldest first

	config  Config
	keys    *crypto.KeyManager
	db      *db.Database
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(database *db.Database, keys *crypto.KeyManager, factory Factory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*cachedGateway),
		config:   cfg,
		keys:     keys,
		db:       database,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the idle-cleanup and health-check loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop shuts the loops down and closes every cached gateway.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		_ = cached.gateway.Close()
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// Get returns the cached gateway for a connection, building one on first use.
// Ownership is enforced: a connection id under a different user reads as
// not found.
func (m *Manager) Get(ctx context.Context, userID, connectionID string) (common.Gateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[connectionID]; ok {
		if cached.userID != userID {
			m.mu.RUnlock()
			return nil, ErrConnectionNotFound
		}
		if cached.failures >= m.config.FailureThreshold &&
			time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrGatewayUnhealthy
		}
		m.mu.RUnlock()
		m.touchLRU(connectionID)
		return cached.gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, userID, connectionID)
}

func (m *Manager) createGateway(ctx context.Context, userID, connectionID string) (common.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have built it while we waited for the lock.
	if cached, ok := m.gateways[connectionID]; ok {
		if cached.userID != userID {
			return nil, ErrConnectionNotFound
		}
		m.touchLRULocked(connectionID)
		return cached.gateway, nil
	}

	if len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	conn, err := m.db.GetConnection(ctx, connectionID, userID)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}

	apiKey, apiSecret, err := m.decryptCredentials(conn)
	if err != nil {
		return nil, err
	}

	gw, err := m.factory(*conn, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[connectionID] = &cachedGateway{
		gateway:      gw,
		connectionID: connectionID,
		userID:       userID,
		exchangeCode: conn.ExchangeCode,
		createdAt:    now,
		lastUsed:     now,
		healthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, connectionID)
	log.Printf("gateway: built client for connection %s (%s, testnet=%v)",
		connectionID, conn.ExchangeCode, conn.IsTestnet)
	return gw, nil
}

// decryptCredentials returns exactly the key pair matching the connection's
// environment. The other environment's pair stays encrypted.
func (m *Manager) decryptCredentials(conn *db.Connection) (string, string, error) {
	keyEnc, secretEnc := conn.APIKeyEncrypted, conn.APISecretEncrypted
	if conn.IsTestnet {
		keyEnc, secretEnc = conn.TestnetKeyEncrypted, conn.TestnetSecretEncrypted
	}
	if keyEnc == "" || secretEnc == "" {
		return "", "", fmt.Errorf("connection %s has no credentials for testnet=%v", conn.ID, conn.IsTestnet)
	}
	apiKey, err := m.keys.Decrypt(keyEnc)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := m.keys.Decrypt(secretEnc)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// Remove drops one connection's gateway from the pool.
func (m *Manager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[connectionID]; ok {
		_ = cached.gateway.Close()
		delete(m.gateways, connectionID)
		m.removeLRULocked(connectionID)
	}
}

// RemoveByUser drops every gateway belonging to a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		if cached.userID == userID {
			_ = cached.gateway.Close()
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure bumps the failure counter toward the circuit threshold.
func (m *Manager) RecordFailure(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[connectionID]; ok {
		cached.failures++
	}
}

// RecordSuccess resets the circuit.
func (m *Manager) RecordSuccess(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[connectionID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// PoolStats summarizes pool occupancy for the monitor endpoint.
type PoolStats struct {
	TotalGateways  int            `json:"total_gateways"`
	MaxSize        int            `json:"max_size"`
	ByExchange     map[string]int `json:"by_exchange"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways: len(m.gateways),
		MaxSize:       m.config.MaxSize,
		ByExchange:    make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByExchange[cached.exchangeCode]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRU(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(connectionID)
}

func (m *Manager) touchLRULocked(connectionID string) {
	if cached, ok := m.gateways[connectionID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == connectionID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, connectionID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(connectionID string) {
	for i, id := range m.lruOrder {
		if id == connectionID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	if cached, ok := m.gateways[oldest]; ok {
		_ = cached.gateway.Close()
		delete(m.gateways, oldest)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.gateways {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			_ = cached.gateway.Close()
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(connectionID string) {
	m.mu.RLock()
	cached, ok := m.gateways[connectionID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	gw := cached.gateway
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := gw.Ping(ctx)
	cancel()
	if err != nil {
		log.Printf("gateway: health check failed for connection %s: %v", connectionID, err)
		m.RecordFailure(connectionID)
		return
	}
	m.RecordSuccess(connectionID)
}
