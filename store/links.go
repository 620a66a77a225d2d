package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertLink creates or replaces the follower link for the
// (master, follower) pair.
func (s *Store) UpsertLink(ctx context.Context, l FollowerLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follower_links (master_account, follower_account, active, policy,
			ratio, percent, quantity, max_order_notional, max_daily_loss, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(master_account, follower_account) DO UPDATE SET
			active = excluded.active,
			policy = excluded.policy,
			ratio = excluded.ratio,
			percent = excluded.percent,
			quantity = excluded.quantity,
			max_order_notional = excluded.max_order_notional,
			max_daily_loss = excluded.max_daily_loss`,
		l.MasterAccount, l.FollowerAccount, l.Active, l.Policy,
		l.Ratio, l.Percent, l.Quantity, l.MaxOrderNotional, l.MaxDailyLoss, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert follower link %s/%s: %w", l.MasterAccount, l.FollowerAccount, err)
	}
	return nil
}

// DeactivateLink soft-deletes the link on unfollow.
func (s *Store) DeactivateLink(ctx context.Context, masterAccount, followerAccount string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE follower_links SET active = 0
		WHERE master_account = ? AND follower_account = ?`,
		masterAccount, followerAccount)
	if err != nil {
		return fmt.Errorf("deactivate link %s/%s: %w", masterAccount, followerAccount, err)
	}
	return nil
}

// ActiveLinks returns the active follower links for a master account.
func (s *Store) ActiveLinks(ctx context.Context, masterAccount string) ([]FollowerLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT master_account, follower_account, active, policy,
			ratio, percent, quantity, max_order_notional, max_daily_loss, created_at
		FROM follower_links
		WHERE master_account = ? AND active = 1
		ORDER BY follower_account`, masterAccount)
	if err != nil {
		return nil, fmt.Errorf("list active links %s: %w", masterAccount, err)
	}
	defer rows.Close()
	var out []FollowerLink
	for rows.Next() {
		var l FollowerLink
		if err := rows.Scan(&l.MasterAccount, &l.FollowerAccount, &l.Active, &l.Policy,
			&l.Ratio, &l.Percent, &l.Quantity, &l.MaxOrderNotional, &l.MaxDailyLoss, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan follower link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
