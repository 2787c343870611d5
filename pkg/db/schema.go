package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS account_monitoring (
    client_id TEXT PRIMARY KEY,
    venue TEXT NOT NULL,
    initial_balance REAL NOT NULL,
    daily_start_balance REAL NOT NULL,
    current_balance REAL NOT NULL,
    previous_balance REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    daily_blocked_at TEXT,
    permanent_blocked_at TEXT,
    daily_block_reason TEXT,
    permanent_block_reason TEXT,
    last_balance_update TEXT,
    last_risk_check TEXT,
    daily_reset_at TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    session_epoch INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
    event_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    before_status TEXT,
    after_status TEXT,
    reason TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_client ON event_log(client_id);

CREATE TABLE IF NOT EXISTS notification_history (
    event_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    venue TEXT,
    kind TEXT NOT NULL,
    priority TEXT NOT NULL,
    payload TEXT,
    delivered INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_history_client ON notification_history(client_id);

CREATE TABLE IF NOT EXISTS notification_dead_letter (
    event_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    priority TEXT NOT NULL,
    payload TEXT,
    reason TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS action_slots (
    client_id TEXT NOT NULL,
    session_epoch INTEGER NOT NULL,
    violation_type TEXT NOT NULL,
    status TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    released_at TEXT,
    PRIMARY KEY(client_id, session_epoch)
);

CREATE TABLE IF NOT EXISTS client_directory (
    client_id TEXT PRIMARY KEY,
    venue TEXT NOT NULL,
    api_key TEXT NOT NULL,
    encrypted_api_secret TEXT NOT NULL,
    initial_balance REAL NOT NULL,
    daily_risk_type TEXT NOT NULL,
    daily_risk_value REAL NOT NULL,
    max_risk_type TEXT NOT NULL,
    max_risk_value REAL NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// ApplyMigrations creates the base schema and applies idempotent
// follow-on column additions, following the teacher's ensureColumn idiom.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	if err := ensureColumn(d.DB, "account_monitoring", "daily_pnl", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "account_monitoring", "total_pnl", "REAL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(sqlDB *sql.DB, table, column, definition string) error {
	exists, err := columnExists(sqlDB, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := sqlDB.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(sqlDB *sql.DB, table, column string) (bool, error) {
	rows, err := sqlDB.Query("PRAGMA table_info(" + table + ")")
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
