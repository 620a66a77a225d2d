package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LookupScrip returns the active instrument code for (symbol, exchange).
func (s *Store) LookupScrip(ctx context.Context, symbol, exchange string) (ScripCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, exchange, segment, code, lot_size, active
		FROM scrip_codes WHERE symbol = ? AND exchange = ? AND active = 1`,
		symbol, exchange)
	var sc ScripCode
	err := row.Scan(&sc.Symbol, &sc.Exchange, &sc.Segment, &sc.Code, &sc.LotSize, &sc.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return ScripCode{}, ErrNotFound
	}
	if err != nil {
		return ScripCode{}, fmt.Errorf("lookup scrip %s/%s: %w", symbol, exchange, err)
	}
	return sc, nil
}

// SeedScripCodes bulk-loads instrument codes, replacing existing rows for
// the same (symbol, exchange). Population happens out of band; the
// instrument cache is invalidated by generation bump after seeding.
func (s *Store) SeedScripCodes(ctx context.Context, codes []ScripCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scrip_codes (symbol, exchange, segment, code, lot_size, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, exchange) DO UPDATE SET
			segment = excluded.segment,
			code = excluded.code,
			lot_size = excluded.lot_size,
			active = excluded.active`)
	if err != nil {
		return fmt.Errorf("prepare seed stmt: %w", err)
	}
	defer stmt.Close()
	for _, sc := range codes {
		lot := sc.LotSize
		if lot <= 0 {
			lot = 1
		}
		if _, err := stmt.ExecContext(ctx, sc.Symbol, sc.Exchange, sc.Segment, sc.Code, lot, sc.Active); err != nil {
			return fmt.Errorf("seed scrip %s/%s: %w", sc.Symbol, sc.Exchange, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed tx: %w", err)
	}
	return nil
}
