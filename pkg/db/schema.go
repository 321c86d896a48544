package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    timezone TEXT DEFAULT 'UTC',
    preferences TEXT DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchanges (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_code TEXT NOT NULL DEFAULT 'BINANCE',
    name TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    testnet_api_key_encrypted TEXT DEFAULT '',
    testnet_api_secret_encrypted TEXT DEFAULT '',
    key_version INTEGER DEFAULT 1,
    can_spot BOOLEAN DEFAULT 0,
    can_futures BOOLEAN DEFAULT 1,
    can_margin BOOLEAN DEFAULT 0,
    read_only BOOLEAN DEFAULT 0,
    can_withdraw BOOLEAN DEFAULT 0,
    is_testnet BOOLEAN DEFAULT 0,
    status TEXT DEFAULT 'DISCONNECTED',
    last_used_at DATETIME,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, name),
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(exchange_code) REFERENCES exchanges(code)
);

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    strategy_type TEXT NOT NULL,
    params TEXT DEFAULT '{}',
    source_code TEXT DEFAULT '',
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, name),
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS bots (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    connection_id TEXT NOT NULL,
    name TEXT NOT NULL,
    symbol TEXT NOT NULL,
    base_qty REAL DEFAULT 0,
    quote_qty REAL DEFAULT 0,
    take_profit_pct REAL DEFAULT 0,
    stop_loss_pct REAL DEFAULT 0,
    check_interval_sec INTEGER DEFAULT 10,
    strategy_settings TEXT DEFAULT '{}',
    status TEXT DEFAULT 'PAUSED',
    risk_level TEXT DEFAULT 'MEDIUM',
    total_trades INTEGER DEFAULT 0,
    winning_trades INTEGER DEFAULT 0,
    losing_trades INTEGER DEFAULT 0,
    total_pnl REAL DEFAULT 0,
    current_win_streak INTEGER DEFAULT 0,
    current_loss_streak INTEGER DEFAULT 0,
    max_win_streak INTEGER DEFAULT 0,
    max_loss_streak INTEGER DEFAULT 0,
    last_error TEXT DEFAULT '',
    started_at DATETIME,
    stopped_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(strategy_id) REFERENCES strategies(id),
    FOREIGN KEY(connection_id) REFERENCES connections(id)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bot_id TEXT DEFAULT '',
    connection_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL DEFAULT 0,
    stop_price REAL DEFAULT 0,
    callback_rate REAL DEFAULT 0,
    position_side TEXT DEFAULT 'BOTH',
    time_in_force TEXT DEFAULT 'GTC',
    reduce_only BOOLEAN DEFAULT 0,
    close_position BOOLEAN DEFAULT 0,
    working_type TEXT DEFAULT 'CONTRACT_PRICE',
    leverage INTEGER DEFAULT 1,
    margin_mode TEXT DEFAULT 'CROSSED',
    exchange_order_id TEXT DEFAULT '',
    client_order_id TEXT DEFAULT '',
    replaces_order_id TEXT DEFAULT '',
    executed_qty REAL DEFAULT 0,
    executed_quote REAL DEFAULT 0,
    avg_price REAL DEFAULT 0,
    commission REAL DEFAULT 0,
    commission_asset TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    error_message TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    submitted_at DATETIME,
    filled_at DATETIME,
    cancelled_at DATETIME,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_bot ON orders(bot_id);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    bot_id TEXT DEFAULT '',
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    commission REAL DEFAULT 0,
    commission_asset TEXT DEFAULT '',
    realized_pnl REAL DEFAULT 0,
    exchange_trade_id TEXT NOT NULL UNIQUE,
    executed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(order_id) REFERENCES orders(id),
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_trades_bot_executed ON trades(bot_id, executed_at);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bot_id TEXT DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    qty REAL NOT NULL,
    leverage INTEGER DEFAULT 1,
    margin_mode TEXT DEFAULT 'CROSSED',
    mark_price REAL DEFAULT 0,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    liquidation_price REAL DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    unrealized_pnl REAL DEFAULT 0,
    status TEXT DEFAULT 'OPEN',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS risk_limits (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    limit_type TEXT NOT NULL,
    limit_value REAL NOT NULL,
    symbol TEXT DEFAULT '',
    warning_threshold REAL DEFAULT 80,
    critical_threshold REAL DEFAULT 95,
    enabled BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS risk_alerts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    limit_id TEXT DEFAULT '',
    limit_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    current_value REAL DEFAULT 0,
    limit_value REAL DEFAULT 0,
    violation_pct REAL DEFAULT 0,
    symbol TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS market_prices (
    symbol TEXT NOT NULL,
    price REAL NOT NULL,
    ts DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(symbol, ts)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Static exchange seed.
	if _, err := d.DB.Exec(`
		INSERT OR IGNORE INTO exchanges (code, name) VALUES
			('BINANCE', 'Binance Futures'),
			('BYBIT', 'Bybit'),
			('OKX', 'OKX')
	`); err != nil {
		return fmt.Errorf("seed exchanges: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "connections", "key_version", "INTEGER DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "connections", "status", "TEXT DEFAULT 'DISCONNECTED'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "replaces_order_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "leverage", "INTEGER DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bots", "last_error", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bots", "check_interval_sec", "INTEGER DEFAULT 10"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
