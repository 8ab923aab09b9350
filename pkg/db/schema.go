package db

import (
	"database/sql"
	"fmt"
)

// Decimal columns are TEXT so prices round-trip exactly.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    webhook_token TEXT NOT NULL UNIQUE,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_settings (
    user_id TEXT PRIMARY KEY,
    auto_trading_enabled INTEGER NOT NULL DEFAULT 0,
    paper_trading INTEGER NOT NULL DEFAULT 1,
    exchange TEXT NOT NULL DEFAULT 'binance',
    trading_mode TEXT NOT NULL DEFAULT 'market',
    slippage_percent TEXT NOT NULL DEFAULT '0.5',
    default_position_size TEXT NOT NULL DEFAULT '100',
    stop_loss_percent TEXT NOT NULL DEFAULT '2',
    take_profit_percent TEXT NOT NULL DEFAULT '5',
    trailing_stop_enabled INTEGER NOT NULL DEFAULT 0,
    trailing_stop_percent TEXT NOT NULL DEFAULT '1',
    enable_notifications INTEGER NOT NULL DEFAULT 0,
    notification_email TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS api_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    testnet INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    UNIQUE(user_id, exchange),
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    exchange TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    size TEXT NOT NULL,
    highest_favorable_price TEXT NOT NULL,
    trailing_stop_enabled INTEGER NOT NULL DEFAULT 0,
    trailing_stop_percent TEXT NOT NULL DEFAULT '0',
    stop_loss_percent TEXT NOT NULL DEFAULT '0',
    take_profit_percent TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    is_paper INTEGER NOT NULL DEFAULT 0,
    exit_price TEXT,
    realized_pnl TEXT,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_open ON positions(user_id, symbol) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS ix_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    position_id TEXT,
    action TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    price TEXT NOT NULL,
    size TEXT NOT NULL,
    fee TEXT NOT NULL DEFAULT '0',
    exchange TEXT NOT NULL,
    result TEXT NOT NULL,
    order_id TEXT,
    error TEXT,
    is_paper INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_trades_user_created ON trades(user_id, created_at);

CREATE TABLE IF NOT EXISTS webhook_events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL DEFAULT '',
    price TEXT,
    processed INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL DEFAULT '',
    received_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS system_health (
    id TEXT PRIMARY KEY,
    active_users INTEGER NOT NULL,
    trades_24h INTEGER NOT NULL,
    open_positions INTEGER NOT NULL,
    degraded_positions INTEGER NOT NULL DEFAULT 0,
    store_ok INTEGER NOT NULL DEFAULT 1,
    taken_at DATETIME NOT NULL
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

	// Columns added after the first release; older DB files get them here.
	if err := ensureColumn(d.DB, "positions", "close_reason", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "realized_pnl", "TEXT"); err != nil {
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
