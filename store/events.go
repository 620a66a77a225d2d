package store

import (
	"context"
	"fmt"
)

// AppendReplicationEvent persists a sealed fan-out aggregate. Append-only.
func (s *Store) AppendReplicationEvent(ctx context.Context, e ReplicationEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replication_events (master_order_id, total, dispatched, policy_skipped,
			unmapped, risk_denied, broker_errored, timed_out, p50_ms, p95_ms, p99_ms,
			started_at, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MasterOrderID, e.Total, e.Dispatched, e.PolicySkipped,
		e.Unmapped, e.RiskDenied, e.BrokerErrored, e.TimedOut, e.P50Ms, e.P95Ms, e.P99Ms,
		e.StartedAt, e.SealedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append replication event %s: %w", e.MasterOrderID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("replication event id: %w", err)
	}
	return id, nil
}

// ListReplicationEvents returns the most recent sealed events for a master
// order, newest first.
func (s *Store) ListReplicationEvents(ctx context.Context, masterOrderID string, limit int) ([]ReplicationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, master_order_id, total, dispatched, policy_skipped, unmapped,
			risk_denied, broker_errored, timed_out, p50_ms, p95_ms, p99_ms,
			started_at, sealed_at
		FROM replication_events WHERE master_order_id = ?
		ORDER BY id DESC LIMIT ?`, masterOrderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list replication events %s: %w", masterOrderID, err)
	}
	defer rows.Close()
	var out []ReplicationEvent
	for rows.Next() {
		var e ReplicationEvent
		if err := rows.Scan(&e.ID, &e.MasterOrderID, &e.Total, &e.Dispatched, &e.PolicySkipped,
			&e.Unmapped, &e.RiskDenied, &e.BrokerErrored, &e.TimedOut,
			&e.P50Ms, &e.P95Ms, &e.P99Ms, &e.StartedAt, &e.SealedAt); err != nil {
			return nil, fmt.Errorf("scan replication event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
