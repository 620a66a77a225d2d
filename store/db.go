package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleTransition is returned when a status append lost an optimistic
	// race or would move the order backwards. Callers reread and discard.
	ErrStaleTransition = errors.New("store: stale status transition")
	// ErrDuplicateFollowerOrder is returned when a follower order already
	// exists for the same (parent, account) pair.
	ErrDuplicateFollowerOrder = errors.New("store: duplicate follower order")
)

// Store persists orders, follower links, scrip codes, order history and
// replication events on a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and ensures the
// schema exists. WAL mode keeps concurrent fan-out writers from starving
// readers; the busy timeout absorbs short write contention.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", filepath.Dir(dbPath), err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %q: %w", dbPath, err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		strategy_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		limit_price REAL NOT NULL DEFAULT 0,
		trigger_price REAL NOT NULL DEFAULT 0,
		product TEXT NOT NULL DEFAULT '',
		validity TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		status_rev INTEGER NOT NULL DEFAULT 1,
		broker_order_id TEXT NOT NULL DEFAULT '',
		exchange_order_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		avg_fill_price REAL NOT NULL DEFAULT 0,
		replication_latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		submitted_at TIMESTAMP DEFAULT NULL,
		terminal_at TIMESTAMP DEFAULT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_parent_account
		ON orders (parent_id, account) WHERE parent_id <> '';
	CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders (account, status);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);

	CREATE TABLE IF NOT EXISTS order_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_history_order ON order_history (order_id);

	CREATE TABLE IF NOT EXISTS follower_links (
		master_account TEXT NOT NULL,
		follower_account TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		policy TEXT NOT NULL,
		ratio REAL NOT NULL DEFAULT 0,
		percent REAL NOT NULL DEFAULT 0,
		quantity INTEGER NOT NULL DEFAULT 0,
		max_order_notional REAL NOT NULL DEFAULT 0,
		max_daily_loss REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (master_account, follower_account)
	);
	CREATE INDEX IF NOT EXISTS idx_follower_links_master ON follower_links (master_account, active);

	CREATE TABLE IF NOT EXISTS scrip_codes (
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		segment TEXT NOT NULL DEFAULT '',
		code INTEGER NOT NULL,
		lot_size INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (symbol, exchange)
	);

	CREATE TABLE IF NOT EXISTS broker_credentials (
		account TEXT PRIMARY KEY,
		client_code TEXT NOT NULL,
		sealed BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS replication_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		master_order_id TEXT NOT NULL,
		total INTEGER NOT NULL,
		dispatched INTEGER NOT NULL,
		policy_skipped INTEGER NOT NULL,
		unmapped INTEGER NOT NULL,
		risk_denied INTEGER NOT NULL,
		broker_errored INTEGER NOT NULL,
		timed_out INTEGER NOT NULL,
		p50_ms REAL NOT NULL DEFAULT 0,
		p95_ms REAL NOT NULL DEFAULT 0,
		p99_ms REAL NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		sealed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replication_events_master ON replication_events (master_order_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
