// Package store is the durable record of everything the engine must not
// forget across restarts: positions and their exits, arbitrage pairs,
// trade and fill history, the capital baseline, inbound signals, and
// redemption attempts.
//
// Backed by SQLite (pure Go driver, no CGo) in WAL mode with a single
// writer connection. Readers are unconstrained; writers serialize at the
// connection. Schema changes are applied idempotently on every startup so
// older database files pick up new columns without manual migration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    market_slug     TEXT NOT NULL,
    condition_id    TEXT NOT NULL,
    token_id        TEXT NOT NULL,
    entry_price     REAL NOT NULL,
    shares          REAL NOT NULL,
    entry_time      DATETIME NOT NULL,
    market_end_time DATETIME,
    exit_price      REAL,
    exit_time       DATETIME,
    exit_reason     TEXT,
    pnl             REAL,
    pnl_synced      INTEGER NOT NULL DEFAULT 0,
    redeemed        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS arbitrage_positions (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    market_slug       TEXT NOT NULL,
    condition_id      TEXT NOT NULL,
    up_token_id       TEXT NOT NULL,
    down_token_id     TEXT NOT NULL,
    qty_up            REAL NOT NULL DEFAULT 0,
    qty_down          REAL NOT NULL DEFAULT 0,
    cost_up           REAL NOT NULL DEFAULT 0,
    cost_down         REAL NOT NULL DEFAULT 0,
    pair_cost         REAL,
    hedged_qty        REAL,
    guaranteed_profit REAL,
    profit_locked     INTEGER NOT NULL DEFAULT 0,
    created_at        DATETIME NOT NULL,
    settled_at        DATETIME,
    settlement_pnl    REAL,
    up_redeemed       INTEGER NOT NULL DEFAULT 0,
    down_redeemed     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS arbitrage_trades (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id  INTEGER NOT NULL,
    side         TEXT NOT NULL,
    price        REAL NOT NULL,
    shares       REAL NOT NULL,
    cost         REAL NOT NULL,
    intent       TEXT NOT NULL,
    executed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scalp_orders (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id     TEXT NOT NULL,
    market_slug  TEXT NOT NULL,
    token_id     TEXT NOT NULL,
    side         TEXT NOT NULL,
    price        REAL NOT NULL,
    shares       REAL NOT NULL,
    status       TEXT NOT NULL,
    placed_at    DATETIME NOT NULL,
    resolved_at  DATETIME
);

CREATE TABLE IF NOT EXISTS trade_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    market_slug  TEXT NOT NULL,
    token_id     TEXT NOT NULL,
    side         TEXT NOT NULL,
    price        REAL NOT NULL,
    shares       REAL NOT NULL,
    notional     REAL NOT NULL,
    intent       TEXT NOT NULL,
    order_id     TEXT,
    executed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_baseline (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    baseline          REAL NOT NULL DEFAULT 0,
    last_updated      DATETIME,
    recovery_attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signal_state (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    state        TEXT NOT NULL,
    market_start INTEGER NOT NULL UNIQUE,
    received_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS redemption_tracking (
    condition_id    TEXT PRIMARY KEY,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    last_attempt_at DATETIME,
    last_tx_hash    TEXT,
    last_success    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS price_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    token_id    TEXT NOT NULL,
    price       REAL NOT NULL,
    recorded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_fills (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id    TEXT NOT NULL,
    market      TEXT NOT NULL,
    asset_id    TEXT NOT NULL,
    side        TEXT NOT NULL,
    price       REAL NOT NULL,
    size        REAL NOT NULL,
    status      TEXT NOT NULL,
    received_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS simulation_runs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    label      TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    ended_at   DATETIME,
    final_pnl  REAL
);

CREATE TABLE IF NOT EXISTS simulation_trades (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id   INTEGER NOT NULL,
    side     TEXT NOT NULL,
    price    REAL NOT NULL,
    shares   REAL NOT NULL,
    traded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_slug      ON positions(market_slug);
CREATE INDEX IF NOT EXISTS idx_positions_condition ON positions(condition_id);
CREATE INDEX IF NOT EXISTS idx_positions_open      ON positions(exit_time) WHERE exit_time IS NULL;
CREATE INDEX IF NOT EXISTS idx_arb_condition       ON arbitrage_positions(condition_id);
CREATE INDEX IF NOT EXISTS idx_arb_trades_pos      ON arbitrage_trades(position_id);
CREATE INDEX IF NOT EXISTS idx_scalp_order         ON scalp_orders(order_id);
CREATE INDEX IF NOT EXISTS idx_trade_log_slug      ON trade_log(market_slug, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_signal_start        ON signal_state(market_start DESC);
CREATE INDEX IF NOT EXISTS idx_price_token         ON price_history(token_id, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_fills_order         ON user_fills(order_id);
CREATE INDEX IF NOT EXISTS idx_sim_trades_run      ON simulation_trades(run_id);
`

// migrations are columns added after the initial schema shipped. Each is
// applied blindly; "duplicate column" failures are expected and ignored.
var migrations = []string{
	`ALTER TABLE positions ADD COLUMN pnl_synced INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE capital_baseline ADD COLUMN recovery_attempts INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE arbitrage_positions ADD COLUMN up_redeemed INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE arbitrage_positions ADD COLUMN down_redeemed INTEGER NOT NULL DEFAULT 0`,
}

// Store wraps the single SQLite connection. Safe for concurrent use.
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	redemptionCap int
}

// Open opens (or creates) the database at path, applies the schema and all
// idempotent migrations, and seeds the singleton baseline row.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store"), redemptionCap: defaultRedemptionAttempts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO capital_baseline (id, baseline, recovery_attempts) VALUES (1, 0, 0)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: seed baseline: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("store: migrate %q: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only reporting queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// execOne runs a single mutation and reports whether it touched a row.
func (s *Store) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
