package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botcore/pkg/apperr"
	"botcore/pkg/crypto"
	"botcore/pkg/db"
)

// Connection status values reported by credential verification.
const (
	ConnStatusUnverified = "UNVERIFIED"
	ConnStatusActive     = "ACTIVE"
	ConnStatusFailed     = "FAILED"
)

// ConnectionService owns exchange-credential lifecycle: storage (encrypted at
// rest), verification against the exchange, and masked read-back. Plaintext
// secrets exist only inside a single call frame.
type ConnectionService struct {
	db   *db.Database
	keys *crypto.KeyManager
	pool *Manager
}

func NewConnectionService(database *db.Database, keys *crypto.KeyManager, pool *Manager) *ConnectionService {
	return &ConnectionService{db: database, keys: keys, pool: pool}
}

// CreateConnectionRequest carries plaintext credentials exactly once, at
// creation. Either the mainnet or the testnet pair may be supplied alone.
type CreateConnectionRequest struct {
	ExchangeCode     string `json:"exchange_code" binding:"required"`
	Name             string `json:"name" binding:"required"`
	APIKey           string `json:"api_key"`
	APISecret        string `json:"api_secret"`
	TestnetAPIKey    string `json:"testnet_api_key"`
	TestnetAPISecret string `json:"testnet_api_secret"`
	IsTestnet        bool   `json:"is_testnet"`
	CanFutures       bool   `json:"can_futures"`
	CanSpot          bool   `json:"can_spot"`
	CanMargin        bool   `json:"can_margin"`
	ReadOnly         bool   `json:"read_only"`
	CanWithdraw      bool   `json:"can_withdraw"`
}

// ConnectionInfo is the read model: secrets never leave the service, only the
// last four characters of each stored key.
type ConnectionInfo struct {
	ID               string    `json:"id"`
	ExchangeCode     string    `json:"exchange_code"`
	Name             string    `json:"name"`
	MaskedAPIKey     string    `json:"masked_api_key,omitempty"`
	MaskedTestnetKey string    `json:"masked_testnet_key,omitempty"`
	IsTestnet        bool      `json:"is_testnet"`
	Status           string    `json:"status"`
	CanFutures       bool      `json:"can_futures"`
	CanSpot          bool      `json:"can_spot"`
	CanMargin        bool      `json:"can_margin"`
	ReadOnly         bool      `json:"read_only"`
	CanWithdraw      bool      `json:"can_withdraw"`
	Unsafe           bool      `json:"unsafe"`
	CreatedAt        time.Time `json:"created_at"`
}

// Create encrypts and stores a new credential set. Status starts UNVERIFIED
// until Test confirms the keys against the exchange.
func (s *ConnectionService) Create(ctx context.Context, userID string, req CreateConnectionRequest) (*ConnectionInfo, error) {
	hasMainnet := req.APIKey != "" && req.APISecret != ""
	hasTestnet := req.TestnetAPIKey != "" && req.TestnetAPISecret != ""
	if !hasMainnet && !hasTestnet {
		return nil, apperr.New(apperr.KindValidation, "at least one api key pair is required")
	}
	if req.IsTestnet && !hasTestnet {
		return nil, apperr.New(apperr.KindValidation, "testnet connection requires testnet keys")
	}
	if !req.IsTestnet && !hasMainnet {
		return nil, apperr.New(apperr.KindValidation, "mainnet connection requires mainnet keys")
	}

	conn := db.Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ExchangeCode: req.ExchangeCode,
		Name:         req.Name,
		KeyVersion:   s.keys.CurrentVersion(),
		CanSpot:      req.CanSpot,
		CanFutures:   req.CanFutures,
		CanMargin:    req.CanMargin,
		ReadOnly:     req.ReadOnly,
		CanWithdraw:  req.CanWithdraw,
		IsTestnet:    req.IsTestnet,
		Status:       ConnStatusUnverified,
		IsActive:     true,
	}

	var err error
	if hasMainnet {
		if conn.APIKeyEncrypted, err = s.keys.Encrypt(req.APIKey); err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
		if conn.APISecretEncrypted, err = s.keys.Encrypt(req.APISecret); err != nil {
			return nil, fmt.Errorf("encrypt api secret: %w", err)
		}
	}
	if hasTestnet {
		if conn.TestnetKeyEncrypted, err = s.keys.Encrypt(req.TestnetAPIKey); err != nil {
			return nil, fmt.Errorf("encrypt testnet key: %w", err)
		}
		if conn.TestnetSecretEncrypted, err = s.keys.Encrypt(req.TestnetAPISecret); err != nil {
			return nil, fmt.Errorf("encrypt testnet secret: %w", err)
		}
	}

	if err := s.db.CreateConnection(ctx, conn); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, "store connection", err)
	}
	return s.info(&conn), nil
}

// Get returns one connection's read model scoped to its owner.
func (s *ConnectionService) Get(ctx context.Context, userID, id string) (*ConnectionInfo, error) {
	conn, err := s.db.GetConnection(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperr.New(apperr.KindNotFound, "connection not found")
	}
	return s.info(conn), nil
}

// List returns all active connections for a user.
func (s *ConnectionService) List(ctx context.Context, userID string) ([]ConnectionInfo, error) {
	conns, err := s.db.ListConnectionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionInfo, 0, len(conns))
	for i := range conns {
		out = append(out, *s.info(&conns[i]))
	}
	return out, nil
}

// Rename updates the display name.
func (s *ConnectionService) Rename(ctx context.Context, userID, id, name string) error {
	if name == "" {
		return apperr.New(apperr.KindValidation, "name is required")
	}
	return s.db.UpdateConnectionName(ctx, id, userID, name)
}

// Delete soft-deletes a connection. Refused while any bot still references
// it; the cached gateway, if any, is evicted.
func (s *ConnectionService) Delete(ctx context.Context, userID, id string) error {
	conn, err := s.db.GetConnection(ctx, id, userID)
	if err != nil {
		return err
	}
	if conn == nil {
		return apperr.New(apperr.KindNotFound, "connection not found")
	}
	n, err := s.db.CountBotsUsingConnection(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperr.Newf(apperr.KindConflict, "connection is used by %d bot(s)", n)
	}
	if err := s.db.DeactivateConnection(ctx, id, userID); err != nil {
		return err
	}
	if s.pool != nil {
		s.pool.Remove(id)
	}
	return nil
}

// Test verifies stored credentials by pinging the exchange and reading the
// account. The result is persisted on the connection's status.
func (s *ConnectionService) Test(ctx context.Context, userID, id string) (*ConnectionInfo, error) {
	conn, err := s.db.GetConnection(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperr.New(apperr.KindNotFound, "connection not found")
	}

	gw, err := s.pool.Get(ctx, userID, id)
	if err != nil {
		_ = s.db.UpdateConnectionStatus(ctx, id, userID, ConnStatusFailed)
		return nil, apperr.Wrap(apperr.KindConnectivity, "build gateway", err)
	}
	if err := gw.Ping(ctx); err != nil {
		_ = s.db.UpdateConnectionStatus(ctx, id, userID, ConnStatusFailed)
		return nil, apperr.Wrap(apperr.KindConnectivity, "exchange unreachable", err)
	}
	if _, err := gw.GetAccount(ctx); err != nil {
		_ = s.db.UpdateConnectionStatus(ctx, id, userID, ConnStatusFailed)
		return nil, apperr.Wrap(apperr.KindAuth, "credentials rejected", err)
	}

	if err := s.db.UpdateConnectionStatus(ctx, id, userID, ConnStatusActive); err != nil {
		return nil, err
	}
	conn.Status = ConnStatusActive
	return s.info(conn), nil
}

func (s *ConnectionService) info(conn *db.Connection) *ConnectionInfo {
	return &ConnectionInfo{
		ID:               conn.ID,
		ExchangeCode:     conn.ExchangeCode,
		Name:             conn.Name,
		MaskedAPIKey:     s.maskEncrypted(conn.APIKeyEncrypted),
		MaskedTestnetKey: s.maskEncrypted(conn.TestnetKeyEncrypted),
		IsTestnet:        conn.IsTestnet,
		Status:           conn.Status,
		CanFutures:       conn.CanFutures,
		CanSpot:          conn.CanSpot,
		CanMargin:        conn.CanMargin,
		ReadOnly:         conn.ReadOnly,
		CanWithdraw:      conn.CanWithdraw,
		// A key that can move funds off the exchange is flagged so the UI
		// can warn the owner.
		Unsafe:    conn.CanWithdraw,
		CreatedAt: conn.CreatedAt,
	}
}

// maskEncrypted decrypts a stored key just long enough to take its last four
// characters.
func (s *ConnectionService) maskEncrypted(ciphertext string) string {
	if ciphertext == "" {
		return ""
	}
	plain, err := s.keys.Decrypt(ciphertext)
	if err != nil || len(plain) < 4 {
		return "****"
	}
	return "****" + plain[len(plain)-4:]
}
