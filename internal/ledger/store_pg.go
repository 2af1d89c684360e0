package ledger

import (
	"context"
	"database/sql"
	"errors"
)

// PGStore persists balances in the token_balances table.
type PGStore struct {
	DB             *sql.DB
	DefaultBalance int64
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB, defaultBalance int64) *PGStore {
	return &PGStore{DB: db, DefaultBalance: defaultBalance}
}

func (s *PGStore) Balance(ctx context.Context, principal string) (int64, error) {
	var bal int64
	err := s.DB.QueryRowContext(ctx, `
SELECT balance FROM token_balances WHERE principal = $1`, principal).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return s.DefaultBalance, nil
	}
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *PGStore) DebitIfSufficient(ctx context.Context, principal string, amount int64) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	if err := s.ensure(ctx, principal); err != nil {
		return 0, false, err
	}

	var bal int64
	err := s.DB.QueryRowContext(ctx, `
UPDATE token_balances SET balance = balance - $2, updated_at = NOW()
WHERE principal = $1 AND balance >= $2
RETURNING balance`, principal, amount).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.Balance(ctx, principal)
		if err != nil {
			return 0, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bal, true, nil
}

func (s *PGStore) Credit(ctx context.Context, principal string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := s.ensure(ctx, principal); err != nil {
		return 0, err
	}
	var bal int64
	if err := s.DB.QueryRowContext(ctx, `
UPDATE token_balances SET balance = balance + $2, updated_at = NOW()
WHERE principal = $1
RETURNING balance`, principal, amount).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *PGStore) ensure(ctx context.Context, principal string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO token_balances (principal, balance) VALUES ($1, $2)
ON CONFLICT (principal) DO NOTHING`, principal, s.DefaultBalance)
	return err
}

var _ Store = (*PGStore)(nil)
