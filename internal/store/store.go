// Package store provides the durable, transactional ledger backing
// trades, positions, dead letters, config audit, and reconciliation
// discrepancies. It is an embedded SQL engine (SQLite) in WAL mode
// with a fixed-size connection pool and a non-zero busy timeout, per
// spec.md §4.8: readers never block writers, all writes use
// parameter binding, and migrations are append-only ALTER TABLEs that
// ignore "already exists" errors.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the database handle. Unlike the teacher's single-writer
// Storage (SetMaxOpenConns(1)), this pool is sized 5-10 per spec: WAL
// mode lets readers proceed concurrently with the one writer SQLite
// itself allows, and the busy_timeout below queues writers rather than
// failing them outright.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Config holds store configuration.
type Config struct {
	DataDir  string
	PoolSize int // clamped to [5, 10]
}

// New opens (creating if absent) the WAL-mode database under
// cfg.DataDir and ensures the schema is current.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "operator.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize < 5 {
		poolSize = 5
	}
	if poolSize > 10 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle, used sparingly (reconciliation's
// cross-table scans).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	-- Source wallet roster. The external scorer writes a sibling
	-- snapshot file that the roster registry merges in; this table is
	-- the durable record the operator API reads/audits against and
	-- that TTL expiry mutates directly.
	CREATE TABLE IF NOT EXISTS wallets (
		address TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'CANDIDATE',
		wqs INTEGER NOT NULL DEFAULT 0,
		roi_7d REAL NOT NULL DEFAULT 0,
		roi_30d REAL NOT NULL DEFAULT 0,
		trade_count_30d INTEGER NOT NULL DEFAULT 0,
		win_rate REAL NOT NULL DEFAULT 0,
		max_drawdown_30d REAL NOT NULL DEFAULT 0,
		avg_size INTEGER NOT NULL DEFAULT 0,
		ttl_expires_at INTEGER,
		promoted_at INTEGER,
		notes TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wallets_status ON wallets(status);
	CREATE INDEX IF NOT EXISTS idx_wallets_ttl ON wallets(ttl_expires_at) WHERE ttl_expires_at IS NOT NULL;

	-- Trades: one row per (signal_id, strategy, side) via deterministic
	-- trade_uuid. Idempotent creation is a no-op on conflict.
	CREATE TABLE IF NOT EXISTS trades (
		trade_uuid TEXT PRIMARY KEY,
		signal_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		side TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		token TEXT NOT NULL,
		amount INTEGER NOT NULL,
		price_at_signal_num INTEGER NOT NULL DEFAULT 0,
		price_at_signal_den INTEGER NOT NULL DEFAULT 1,
		tx_signature TEXT,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		pnl_native INTEGER NOT NULL DEFAULT 0,
		pnl_fiat INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_wallet ON trades(wallet_address);
	CREATE INDEX IF NOT EXISTS idx_trades_token ON trades(token);
	CREATE INDEX IF NOT EXISTS idx_trades_signal ON trades(signal_id);
	CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

	-- Positions: one row per opened entry trade.
	CREATE TABLE IF NOT EXISTS positions (
		trade_uuid TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'ACTIVE',
		entry_amount INTEGER NOT NULL,
		entry_price_num INTEGER NOT NULL,
		entry_price_den INTEGER NOT NULL DEFAULT 1,
		exit_price_num INTEGER,
		exit_price_den INTEGER,
		high_water_mark_num INTEGER NOT NULL,
		high_water_mark_den INTEGER NOT NULL DEFAULT 1,
		next_tier_index INTEGER NOT NULL DEFAULT 0,
		target_vector TEXT NOT NULL DEFAULT '[]',
		opened_at INTEGER NOT NULL,
		closed_at INTEGER,
		FOREIGN KEY (trade_uuid) REFERENCES trades(trade_uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);

	-- Dead letters: rejected signals retained for forensics.
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT,
		reason TEXT NOT NULL,
		detail TEXT,
		payload BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_reason ON dead_letters(reason);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);

	-- Config audit: append-only, one row per mutation (A8).
	CREATE TABLE IF NOT EXISTS config_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		actor TEXT NOT NULL,
		reason TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_config_audit_key ON config_audit(key);
	CREATE INDEX IF NOT EXISTS idx_config_audit_at ON config_audit(at);

	-- Reconciliation discrepancies (§4.11).
	CREATE TABLE IF NOT EXISTS reconciliation_discrepancies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_uuid TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		resolver TEXT,
		resolved_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (trade_uuid) REFERENCES trades(trade_uuid)
	);
	CREATE INDEX IF NOT EXISTS idx_reconcile_trade ON reconciliation_discrepancies(trade_uuid);
	CREATE INDEX IF NOT EXISTS idx_reconcile_open ON reconciliation_discrepancies(resolved_at) WHERE resolved_at IS NULL;

	-- Replay-safety ledger: every accepted signal_id, independent of
	-- the in-memory LRU, so a process restart does not reopen the
	-- replay window for recently-seen signals (A1).
	CREATE TABLE IF NOT EXISTS seen_signals (
		signal_id TEXT PRIMARY KEY,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seen_signals_received ON seen_signals(received_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies append-only ALTER TABLE statements for
// databases created by older schema versions. Errors are ignored:
// the column may already exist.
func (s *Store) runMigrations() error {
	migrations := []string{
		"ALTER TABLE positions ADD COLUMN pending_exit_fraction INTEGER NOT NULL DEFAULT 0",
	}
	for _, m := range migrations {
		_, _ = s.db.Exec(m)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
