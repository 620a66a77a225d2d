package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SealedCredentials is an encrypted broker credential blob. The vault owns
// the cipher; the store only persists opaque bytes.
type SealedCredentials struct {
	Account    string
	ClientCode string
	Sealed     []byte
	UpdatedAt  time.Time
}

// PutCredentials stores or replaces the sealed credential blob for an account.
func (s *Store) PutCredentials(ctx context.Context, c SealedCredentials) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_credentials (account, client_code, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			client_code = excluded.client_code,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		c.Account, c.ClientCode, c.Sealed, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put credentials %s: %w", c.Account, err)
	}
	return nil
}

// GetCredentials returns the sealed credential blob for an account.
func (s *Store) GetCredentials(ctx context.Context, account string) (SealedCredentials, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account, client_code, sealed, updated_at
		FROM broker_credentials WHERE account = ?`, account)
	var c SealedCredentials
	err := row.Scan(&c.Account, &c.ClientCode, &c.Sealed, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SealedCredentials{}, ErrNotFound
	}
	if err != nil {
		return SealedCredentials{}, fmt.Errorf("get credentials %s: %w", account, err)
	}
	return c, nil
}
