package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrUserIDRequired guards user-scoped queries against accidental cross-tenant
// reads from an empty user id.
var ErrUserIDRequired = errors.New("user id is required")

// ---- Users ----

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_active, timezone, preferences)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.IsActive, u.Timezone, u.Preferences)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_active, timezone, preferences, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.Timezone, &u.Preferences, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by id or nil if not found.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_active, timezone, preferences, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.Timezone, &u.Preferences, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// ---- Connections ----

const connectionCols = `id, user_id, exchange_code, name,
	api_key_encrypted, api_secret_encrypted, testnet_api_key_encrypted, testnet_api_secret_encrypted,
	key_version, can_spot, can_futures, can_margin, read_only, can_withdraw,
	is_testnet, status, last_used_at, is_active, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	err := row.Scan(
		&c.ID, &c.UserID, &c.ExchangeCode, &c.Name,
		&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.TestnetKeyEncrypted, &c.TestnetSecretEncrypted,
		&c.KeyVersion, &c.CanSpot, &c.CanFutures, &c.CanMargin, &c.ReadOnly, &c.CanWithdraw,
		&c.IsTestnet, &c.Status, &c.LastUsedAt, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConnection inserts a new exchange connection.
func (d *Database) CreateConnection(ctx context.Context, c Connection) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, exchange_code, name,
			api_key_encrypted, api_secret_encrypted, testnet_api_key_encrypted, testnet_api_secret_encrypted,
			key_version, can_spot, can_futures, can_margin, read_only, can_withdraw,
			is_testnet, status, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.UserID, c.ExchangeCode, c.Name,
		c.APIKeyEncrypted, c.APISecretEncrypted, c.TestnetKeyEncrypted, c.TestnetSecretEncrypted,
		c.KeyVersion, c.CanSpot, c.CanFutures, c.CanMargin, c.ReadOnly, c.CanWithdraw,
		c.IsTestnet, c.Status, c.IsActive,
	)
	return err
}

// GetConnection returns an active connection scoped to its owner, nil if absent.
func (d *Database) GetConnection(ctx context.Context, id, userID string) (*Connection, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+connectionCols+` FROM connections
		WHERE id = ? AND user_id = ? AND is_active = 1
	`, id, userID)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConnectionsByUser returns all active connections for a user.
func (d *Database) ListConnectionsByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+connectionCols+` FROM connections
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	return res, rows.Err()
}

// UpdateConnectionStatus records the last connectivity-test outcome.
func (d *Database) UpdateConnectionStatus(ctx context.Context, id, userID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE connections
		SET status = ?, last_used_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, status, id, userID)
	return err
}

// UpdateConnectionName renames a connection.
func (d *Database) UpdateConnectionName(ctx context.Context, id, userID, name string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE connections SET name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, name, id, userID)
	return err
}

// DeactivateConnection marks a connection as inactive for a user.
func (d *Database) DeactivateConnection(ctx context.Context, id, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE connections
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, id, userID)
	return err
}

// CountBotsUsingConnection counts bots that still reference a connection.
func (d *Database) CountBotsUsingConnection(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bots WHERE connection_id = ?`, connectionID).Scan(&n)
	return n, err
}

// ---- Strategies ----

// CreateStrategy inserts a new strategy row.
func (d *Database) CreateStrategy(ctx context.Context, s Strategy) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (id, user_id, name, strategy_type, params, source_code, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.Name, s.StrategyType, s.Params, s.SourceCode, s.IsActive)
	return err
}

// GetStrategy returns a strategy scoped to its owner, nil if absent.
func (d *Database) GetStrategy(ctx context.Context, id, userID string) (*Strategy, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, strategy_type, params, source_code, is_active, created_at, updated_at
		FROM strategies WHERE id = ? AND user_id = ?
	`, id, userID)
	var s Strategy
	if err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.StrategyType, &s.Params, &s.SourceCode, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListStrategiesByUser returns all strategies for a user.
func (d *Database) ListStrategiesByUser(ctx context.Context, userID string) ([]Strategy, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, name, strategy_type, params, source_code, is_active, created_at, updated_at
		FROM strategies WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.StrategyType, &s.Params, &s.SourceCode, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ---- Bots ----

const botCols = `id, user_id, strategy_id, connection_id, name, symbol,
	base_qty, quote_qty, take_profit_pct, stop_loss_pct, check_interval_sec, strategy_settings,
	status, risk_level,
	total_trades, winning_trades, losing_trades, total_pnl,
	current_win_streak, current_loss_streak, max_win_streak, max_loss_streak,
	last_error, started_at, stopped_at, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (*Bot, error) {
	var b Bot
	err := row.Scan(
		&b.ID, &b.UserID, &b.StrategyID, &b.ConnectionID, &b.Name, &b.Symbol,
		&b.BaseQty, &b.QuoteQty, &b.TakeProfitPct, &b.StopLossPct, &b.CheckIntervalSec, &b.StrategySettings,
		&b.Status, &b.RiskLevel,
		&b.TotalTrades, &b.WinningTrades, &b.LosingTrades, &b.TotalPnL,
		&b.CurrentWinStreak, &b.CurrentLossStreak, &b.MaxWinStreak, &b.MaxLossStreak,
		&b.LastError, &b.StartedAt, &b.StoppedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBot inserts a new bot row.
func (d *Database) CreateBot(ctx context.Context, b Bot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO bots (
			id, user_id, strategy_id, connection_id, name, symbol,
			base_qty, quote_qty, take_profit_pct, stop_loss_pct, check_interval_sec, strategy_settings,
			status, risk_level
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.UserID, b.StrategyID, b.ConnectionID, b.Name, b.Symbol,
		b.BaseQty, b.QuoteQty, b.TakeProfitPct, b.StopLossPct, b.CheckIntervalSec, b.StrategySettings,
		b.Status, b.RiskLevel,
	)
	return err
}

// GetBot returns a bot scoped to its owner, nil if absent.
func (d *Database) GetBot(ctx context.Context, id, userID string) (*Bot, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+botCols+` FROM bots WHERE id = ? AND user_id = ?`, id, userID)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// GetBotByID returns a bot regardless of owner, for internal components.
func (d *Database) GetBotByID(ctx context.Context, id string) (*Bot, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+botCols+` FROM bots WHERE id = ?`, id)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListBotsByUser returns all bots for a user.
func (d *Database) ListBotsByUser(ctx context.Context, userID string) ([]Bot, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+botCols+` FROM bots WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *b)
	}
	return res, rows.Err()
}

// ListBotsByStatus returns all bots in the given status, across users.
func (d *Database) ListBotsByStatus(ctx context.Context, status string) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT `+botCols+` FROM bots WHERE status = ?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *b)
	}
	return res, rows.Err()
}

// MarkBotRunning flips a bot to RUNNING, stamping start time and clearing the
// previous error.
func (d *Database) MarkBotRunning(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots
		SET status = 'RUNNING', started_at = CURRENT_TIMESTAMP, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	return err
}

// MarkBotPaused flips a bot to PAUSED, stamping stop time.
func (d *Database) MarkBotPaused(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots
		SET status = 'PAUSED', stopped_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	return err
}

// MarkBotError flips a bot to ERROR, recording the failure message.
func (d *Database) MarkBotError(ctx context.Context, id, msg string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots
		SET status = 'ERROR', last_error = ?, stopped_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, msg, id)
	return err
}

// SetBotError updates last_error without changing status (transient tick errors).
func (d *Database) SetBotError(ctx context.Context, id, msg string) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE bots SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, msg, id)
	return err
}

// UpdateBotConfig patches the mutable configuration fields.
func (d *Database) UpdateBotConfig(ctx context.Context, id, userID string, b Bot) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots
		SET name = ?, symbol = ?, base_qty = ?, quote_qty = ?,
			take_profit_pct = ?, stop_loss_pct = ?, check_interval_sec = ?,
			strategy_settings = ?, risk_level = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`,
		b.Name, b.Symbol, b.BaseQty, b.QuoteQty,
		b.TakeProfitPct, b.StopLossPct, b.CheckIntervalSec,
		b.StrategySettings, b.RiskLevel, id, userID,
	)
	return err
}

// DeleteBot removes a bot row.
func (d *Database) DeleteBot(ctx context.Context, id, userID string) error {
	_, err := d.DB.ExecContext(ctx,
		`DELETE FROM bots WHERE id = ? AND user_id = ?`, id, userID)
	return err
}

// GetBotStatsTx reads a bot's stored stats aggregate inside a transaction.
func GetBotStatsTx(ctx context.Context, tx *sql.Tx, botID string) (BotStats, error) {
	var s BotStats
	err := tx.QueryRowContext(ctx, `
		SELECT total_trades, winning_trades, losing_trades, total_pnl,
			current_win_streak, current_loss_streak, max_win_streak, max_loss_streak
		FROM bots WHERE id = ?
	`, botID).Scan(
		&s.TotalTrades, &s.WinningTrades, &s.LosingTrades, &s.TotalPnL,
		&s.CurrentWinStreak, &s.CurrentLossStreak, &s.MaxWinStreak, &s.MaxLossStreak,
	)
	return s, err
}

// UpdateBotStatsTx writes a recomputed stats aggregate inside a transaction.
func UpdateBotStatsTx(ctx context.Context, tx *sql.Tx, botID string, s BotStats) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE bots
		SET total_trades = ?, winning_trades = ?, losing_trades = ?, total_pnl = ?,
			current_win_streak = ?, current_loss_streak = ?, max_win_streak = ?, max_loss_streak = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.TotalPnL,
		s.CurrentWinStreak, s.CurrentLossStreak, s.MaxWinStreak, s.MaxLossStreak,
		botID,
	)
	return err
}

// ---- Orders ----

const orderCols = `id, user_id, bot_id, connection_id, symbol, side, type,
	quantity, price, stop_price, callback_rate,
	position_side, time_in_force, reduce_only, close_position, working_type, leverage, margin_mode,
	exchange_order_id, client_order_id, replaces_order_id,
	executed_qty, executed_quote, avg_price, commission, commission_asset,
	status, error_message, created_at, submitted_at, filled_at, cancelled_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.BotID, &o.ConnectionID, &o.Symbol, &o.Side, &o.Type,
		&o.Quantity, &o.Price, &o.StopPrice, &o.CallbackRate,
		&o.PositionSide, &o.TimeInForce, &o.ReduceOnly, &o.ClosePosition, &o.WorkingType, &o.Leverage, &o.MarginMode,
		&o.ExchangeOrderID, &o.ClientOrderID, &o.ReplacesOrderID,
		&o.ExecutedQty, &o.ExecutedQuote, &o.AvgPrice, &o.Commission, &o.CommissionAsset,
		&o.Status, &o.ErrorMessage, &o.CreatedAt, &o.SubmittedAt, &o.FilledAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, bot_id, connection_id, symbol, side, type,
			quantity, price, stop_price, callback_rate,
			position_side, time_in_force, reduce_only, close_position, working_type, leverage, margin_mode,
			exchange_order_id, client_order_id, replaces_order_id,
			executed_qty, executed_quote, avg_price, commission, commission_asset,
			status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.UserID, o.BotID, o.ConnectionID, o.Symbol, o.Side, o.Type,
		o.Quantity, o.Price, o.StopPrice, o.CallbackRate,
		o.PositionSide, o.TimeInForce, o.ReduceOnly, o.ClosePosition, o.WorkingType, o.Leverage, o.MarginMode,
		o.ExchangeOrderID, o.ClientOrderID, o.ReplacesOrderID,
		o.ExecutedQty, o.ExecutedQuote, o.AvgPrice, o.Commission, o.CommissionAsset,
		o.Status, o.ErrorMessage,
	)
	return err
}

// GetOrder returns an order scoped to its owner, nil if absent.
func (d *Database) GetOrder(ctx context.Context, id, userID string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = ? AND user_id = ?`, id, userID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// GetOrderByID returns an order regardless of owner, for internal components.
func (d *Database) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// SaveOrderState persists the mutable part of an order after a state
// transition: status, exchange ids, execution aggregate, error, timestamps.
func (d *Database) SaveOrderState(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, exchange_order_id = ?, client_order_id = ?,
			executed_qty = ?, executed_quote = ?, avg_price = ?, commission = ?, commission_asset = ?,
			error_message = ?, submitted_at = ?, filled_at = ?, cancelled_at = ?
		WHERE id = ?
	`,
		o.Status, o.ExchangeOrderID, o.ClientOrderID,
		o.ExecutedQty, o.ExecutedQuote, o.AvgPrice, o.Commission, o.CommissionAsset,
		o.ErrorMessage, o.SubmittedAt, o.FilledAt, o.CancelledAt,
		o.ID,
	)
	return err
}

// OrderFilter narrows ListOrders. Zero values mean "any".
type OrderFilter struct {
	Status   string
	Symbol   string
	BotID    string
	Page     int
	PageSize int
}

// ListOrders returns a page of a user's orders, newest first.
func (d *Database) ListOrders(ctx context.Context, userID string, f OrderFilter) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	q := `SELECT ` + orderCols + ` FROM orders WHERE user_id = ?`
	args := []any{userID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.BotID != "" {
		q += ` AND bot_id = ?`
		args = append(args, f.BotID)
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

// ListActiveOrders returns every order still live on the exchange side,
// across all users, for reconciliation.
func (d *Database) ListActiveOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status IN ('PENDING', 'NEW', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

// ---- Trades ----

// InsertTradeTx inserts a trade inside an open transaction. The caller owns
// commit/rollback; a UNIQUE violation on exchange_trade_id surfaces as an error.
func InsertTradeTx(ctx context.Context, tx *sql.Tx, t Trade) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, order_id, bot_id, user_id, symbol, side, price, qty,
			commission, commission_asset, realized_pnl, exchange_trade_id, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		t.ID, t.OrderID, t.BotID, t.UserID, t.Symbol, t.Side, t.Price, t.Qty,
		t.Commission, t.CommissionAsset, t.RealizedPnL, t.ExchangeTradeID, t.ExecutedAt,
	)
	return err
}

// TradeExistsTx reports whether a fill with this exchange trade id is already
// recorded.
func TradeExistsTx(ctx context.Context, tx *sql.Tx, exchangeTradeID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE exchange_trade_id = ?`, exchangeTradeID).Scan(&n)
	return n > 0, err
}

// ListBotTradesTx returns all of a bot's trades in execution order, inside an
// open transaction, for stats recomputation.
func ListBotTradesTx(ctx context.Context, tx *sql.Tx, botID string) ([]Trade, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, order_id, bot_id, user_id, symbol, side, price, qty,
			commission, commission_asset, realized_pnl, exchange_trade_id, executed_at
		FROM trades WHERE bot_id = ?
		ORDER BY executed_at ASC, id ASC
	`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.BotID, &t.UserID, &t.Symbol, &t.Side, &t.Price, &t.Qty,
			&t.Commission, &t.CommissionAsset, &t.RealizedPnL, &t.ExchangeTradeID, &t.ExecutedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SumRealizedPnLSince totals a user's realized pnl from trades executed at or
// after the cutoff.
func (d *Database) SumRealizedPnLSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var total float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM trades
		WHERE user_id = ? AND executed_at >= ?
	`, userID, since).Scan(&total)
	return total, err
}

// ListTradesByUser returns a user's recent trades, newest first.
func (d *Database) ListTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, bot_id, user_id, symbol, side, price, qty,
			commission, commission_asset, realized_pnl, exchange_trade_id, executed_at
		FROM trades WHERE user_id = ?
		ORDER BY executed_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.BotID, &t.UserID, &t.Symbol, &t.Side, &t.Price, &t.Qty,
			&t.Commission, &t.CommissionAsset, &t.RealizedPnL, &t.ExchangeTradeID, &t.ExecutedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ---- Positions ----

// UpsertPosition stores the latest state of a position.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, bot_id, symbol, side, entry_price, qty, leverage, margin_mode,
			mark_price, stop_loss, take_profit, liquidation_price,
			realized_pnl, unrealized_pnl, status, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_price = excluded.entry_price,
			qty = excluded.qty,
			mark_price = excluded.mark_price,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			liquidation_price = excluded.liquidation_price,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			status = excluded.status,
			closed_at = excluded.closed_at
	`,
		p.ID, p.UserID, p.BotID, p.Symbol, p.Side, p.EntryPrice, p.Qty, p.Leverage, p.MarginMode,
		p.MarkPrice, p.StopLoss, p.TakeProfit, p.LiquidationPrice,
		p.RealizedPnL, p.UnrealizedPnL, p.Status, p.ClosedAt,
	)
	return err
}

// ListOpenPositions returns all open positions for a user.
func (d *Database) ListOpenPositions(ctx context.Context, userID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, bot_id, symbol, side, entry_price, qty, leverage, margin_mode,
			mark_price, stop_loss, take_profit, liquidation_price,
			realized_pnl, unrealized_pnl, status, opened_at, closed_at
		FROM positions WHERE user_id = ? AND status = 'OPEN'
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.BotID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Qty, &p.Leverage, &p.MarginMode,
			&p.MarkPrice, &p.StopLoss, &p.TakeProfit, &p.LiquidationPrice,
			&p.RealizedPnL, &p.UnrealizedPnL, &p.Status, &p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ---- Risk ----

// CreateRiskLimit inserts a new risk limit.
func (d *Database) CreateRiskLimit(ctx context.Context, l RiskLimit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_limits (
			id, user_id, limit_type, limit_value, symbol,
			warning_threshold, critical_threshold, enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.UserID, l.LimitType, l.LimitValue, l.Symbol,
		l.WarningThreshold, l.CriticalThreshold, l.Enabled)
	return err
}

// ListEnabledRiskLimits returns a user's enabled limits.
func (d *Database) ListEnabledRiskLimits(ctx context.Context, userID string) ([]RiskLimit, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, limit_type, limit_value, symbol,
			warning_threshold, critical_threshold, enabled, created_at, updated_at
		FROM risk_limits WHERE user_id = ? AND enabled = 1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RiskLimit
	for rows.Next() {
		var l RiskLimit
		if err := rows.Scan(&l.ID, &l.UserID, &l.LimitType, &l.LimitValue, &l.Symbol,
			&l.WarningThreshold, &l.CriticalThreshold, &l.Enabled, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ListRiskLimitUserIDs returns every user with at least one enabled limit,
// for the periodic risk sweep.
func (d *Database) ListRiskLimitUserIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM risk_limits WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// InsertRiskAlert persists one alert.
func (d *Database) InsertRiskAlert(ctx context.Context, a RiskAlert) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_alerts (
			id, user_id, limit_id, limit_type, severity, message,
			current_value, limit_value, violation_pct, symbol
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.LimitID, a.LimitType, a.Severity, a.Message,
		a.CurrentValue, a.LimitValue, a.ViolationPct, a.Symbol)
	return err
}

// ListRiskAlerts returns a user's recent alerts, newest first.
func (d *Database) ListRiskAlerts(ctx context.Context, userID string, limit int) ([]RiskAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, limit_id, limit_type, severity, message,
			current_value, limit_value, violation_pct, symbol, created_at
		FROM risk_alerts WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RiskAlert
	for rows.Next() {
		var a RiskAlert
		if err := rows.Scan(&a.ID, &a.UserID, &a.LimitID, &a.LimitType, &a.Severity, &a.Message,
			&a.CurrentValue, &a.LimitValue, &a.ViolationPct, &a.Symbol, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ---- Market prices ----

// InsertMarketPrice appends one price sample to the time series.
func (d *Database) InsertMarketPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO market_prices (symbol, price, ts) VALUES (?, ?, ?)
	`, symbol, price, ts)
	return err
}

// LatestMarketPriceTime returns the newest sample's timestamp for a symbol,
// zero when the series is empty.
func (d *Database) LatestMarketPriceTime(ctx context.Context, symbol string) (time.Time, error) {
	var ts time.Time
	err := d.DB.QueryRowContext(ctx, `
		SELECT ts FROM market_prices WHERE symbol = ? ORDER BY ts DESC LIMIT 1
	`, symbol).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return ts, err
}

// LatestMarketPrice returns the newest stored price for a symbol, or 0.
func (d *Database) LatestMarketPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT price FROM market_prices WHERE symbol = ? ORDER BY ts DESC LIMIT 1
	`, symbol).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return price, err
}
