package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// NewOrderID returns an opaque random order identifier. Follower order ids
// double as the broker idempotency token, so they must never collide.
func NewOrderID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("store: read random order id: %v", err))
	}
	return hex.EncodeToString(b[:])
}

const orderColumns = `id, account, strategy_id, parent_id, side, type, symbol, exchange,
	quantity, limit_price, trigger_price, product, validity, status, status_rev,
	broker_order_id, exchange_order_id, message, avg_fill_price,
	replication_latency_ms, created_at, submitted_at, terminal_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var submittedAt, terminalAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.Account, &o.StrategyID, &o.ParentID, &o.Side, &o.Type,
		&o.Symbol, &o.Exchange, &o.Quantity, &o.LimitPrice, &o.TriggerPrice,
		&o.Product, &o.Validity, &o.Status, &o.StatusRev,
		&o.BrokerOrderID, &o.ExchangeOrderID, &o.Message, &o.AvgFillPrice,
		&o.ReplicationLatencyMs, &o.CreatedAt, &submittedAt, &terminalAt,
	)
	if err != nil {
		return Order{}, err
	}
	if submittedAt.Valid {
		o.SubmittedAt = submittedAt.Time
	}
	if terminalAt.Valid {
		o.TerminalAt = terminalAt.Time
	}
	return o, nil
}

// CreateOrder inserts a new order row. A missing ID is generated; a missing
// status defaults to PENDING. Inserting a second follower order for the same
// (parent, account) pair returns ErrDuplicateFollowerOrder.
func (s *Store) CreateOrder(ctx context.Context, o Order) (Order, error) {
	if o.ID == "" {
		o.ID = NewOrderID()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.StatusRev == 0 {
		o.StatusRev = 1
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, account, strategy_id, parent_id, side, type, symbol, exchange,
			quantity, limit_price, trigger_price, product, validity, status, status_rev,
			broker_order_id, exchange_order_id, message, avg_fill_price,
			replication_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Account, o.StrategyID, o.ParentID, o.Side, o.Type, o.Symbol, o.Exchange,
		o.Quantity, o.LimitPrice, o.TriggerPrice, o.Product, o.Validity, o.Status, o.StatusRev,
		o.BrokerOrderID, o.ExchangeOrderID, o.Message, o.AvgFillPrice,
		o.ReplicationLatencyMs, o.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return Order{}, ErrDuplicateFollowerOrder
		}
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// GetOrder returns the order with the given id.
func (s *Store) GetOrder(ctx context.Context, id string) (Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// GetFollowerOrder returns the follower order derived from parentID for the
// given follower account, or ErrNotFound. Used by the dispatcher to
// short-circuit re-dispatch of an already-handled follower.
func (s *Store) GetFollowerOrder(ctx context.Context, parentID, account string) (Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE parent_id = ? AND account = ?`,
		parentID, account)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get follower order %s/%s: %w", parentID, account, err)
	}
	return o, nil
}

// ListByParent returns all follower orders derived from the given master order.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE parent_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list by parent %s: %w", parentID, err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListUnknown returns orders stuck in UNKNOWN status, oldest first. The
// reconciler polls this to resolve timeout limbo.
func (s *Store) ListUnknown(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at LIMIT ?`,
		StatusUnknown, limit)
	if err != nil {
		return nil, fmt.Errorf("list unknown orders: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListOpenByAccount returns the account's follower orders that have not
// reached a terminal status, oldest first. The panic-cancel tool walks this.
func (s *Store) ListOpenByAccount(ctx context.Context, account string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		WHERE account = ? AND parent_id <> '' AND status NOT IN (?, ?, ?)
		ORDER BY created_at`,
		account, StatusFilled, StatusRejected, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list open orders of %s: %w", account, err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AppendStatus atomically moves an order to a new status. Non-monotonic
// transitions and lost optimistic races both return ErrStaleTransition; the
// caller rereads and discards. Broker identifiers and message overwrite only
// when non-empty. A history row is appended for every effective transition.
func (s *Store) AppendStatus(ctx context.Context, id string, to Status, brokerOrderID, exchangeOrderID, message string) (Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	cur, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("read order %s: %w", id, err)
	}
	if !ValidTransition(cur.Status, to) {
		return Order{}, ErrStaleTransition
	}

	now := time.Now().UTC()
	next := cur
	next.Status = to
	next.StatusRev = cur.StatusRev + 1
	if brokerOrderID != "" {
		next.BrokerOrderID = brokerOrderID
	}
	if exchangeOrderID != "" {
		next.ExchangeOrderID = exchangeOrderID
	}
	if message != "" {
		next.Message = message
	}
	if to == StatusSubmitted && cur.SubmittedAt.IsZero() {
		next.SubmittedAt = now
	}
	if IsTerminal(to) && cur.TerminalAt.IsZero() {
		next.TerminalAt = now
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, status_rev = ?, broker_order_id = ?,
			exchange_order_id = ?, message = ?, submitted_at = ?, terminal_at = ?
		WHERE id = ? AND status_rev = ?`,
		next.Status, next.StatusRev, next.BrokerOrderID,
		next.ExchangeOrderID, next.Message, nullTime(next.SubmittedAt), nullTime(next.TerminalAt),
		id, cur.StatusRev,
	)
	if err != nil {
		return Order{}, fmt.Errorf("update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return Order{}, ErrStaleTransition
	}

	if cur.Status != to {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_history (order_id, from_status, to_status, message, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, cur.Status, to, message, now,
		); err != nil {
			return Order{}, fmt.Errorf("append order history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Order{}, fmt.Errorf("commit status tx: %w", err)
	}
	return next, nil
}

// SetReplicationLatency records the wall-clock fan-out latency for a
// follower order.
func (s *Store) SetReplicationLatency(ctx context.Context, id string, ms int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET replication_latency_ms = ? WHERE id = ?`, ms, id)
	if err != nil {
		return fmt.Errorf("set replication latency %s: %w", id, err)
	}
	return nil
}

// SetAvgFillPrice records the average fill price reported by the broker.
func (s *Store) SetAvgFillPrice(ctx context.Context, id string, price float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET avg_fill_price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("set avg fill price %s: %w", id, err)
	}
	return nil
}

// OrderHistory returns the status transition audit rows for one order,
// oldest first.
func (s *Store) OrderHistory(ctx context.Context, orderID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_status, to_status, message, created_at
		FROM order_history WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order history %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.From, &h.To, &h.Message, &h.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HistoryEntry is one status transition audit record.
type HistoryEntry struct {
	From    Status
	To      Status
	Message string
	At      time.Time
}

// DailyRealizedPnL computes sell-notional minus buy-notional over the
// follower's filled orders whose terminal time falls on the given UTC day.
// Notional uses the broker-reported fill price, falling back to the limit
// price when no fill price was captured.
func (s *Store) DailyRealizedPnL(ctx context.Context, account string, day time.Time) (float64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN side = ? THEN 1.0 ELSE -1.0 END
			* quantity
			* CASE WHEN avg_fill_price > 0 THEN avg_fill_price ELSE limit_price END
		), 0)
		FROM orders
		WHERE account = ? AND status = ? AND parent_id <> ''
			AND terminal_at >= ? AND terminal_at < ?`,
		SideSell, account, StatusFilled, start, end)
	var pnl float64
	if err := row.Scan(&pnl); err != nil {
		return 0, fmt.Errorf("daily realized pnl %s: %w", account, err)
	}
	return pnl, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
