package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var _ domain.BalanceStore = (*BalanceStore)(nil)

// BalanceStore implements domain.BalanceStore.
type BalanceStore struct {
	q querier
}

const balanceColumns = `user_id, available_tokens, committed_tokens, total_earned, total_spent, last_updated, version`

func (s *BalanceStore) Get(ctx context.Context, userID string) (domain.UserBalance, error) {
	var b domain.UserBalance
	err := s.q.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM user_balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.AvailableTokens, &b.CommittedTokens, &b.TotalEarned, &b.TotalSpent, &b.LastUpdated, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserBalance{}, fmt.Errorf("postgres: balance %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.UserBalance{}, fmt.Errorf("postgres: get balance %s: %w", userID, err)
	}
	return b, nil
}

func (s *BalanceStore) Create(ctx context.Context, b domain.UserBalance) error {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO user_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING`,
		b.UserID, b.AvailableTokens, b.CommittedTokens, b.TotalEarned, b.TotalSpent, b.LastUpdated, b.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: create balance %s: %w", b.UserID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: balance %s: %w", b.UserID, domain.ErrAlreadyExists)
	}
	return nil
}

// WriteIfVersion upserts the balance only while the stored version equals
// w.ExpectedVersion. An absent row counts as version 0.
func (s *BalanceStore) WriteIfVersion(ctx context.Context, w domain.CasWrite) (domain.CasResult, error) {
	nv := w.NewValue
	var (
		tag pgconn.CommandTag
		err error
	)
	if w.ExpectedVersion == 0 {
		tag, err = s.q.Exec(ctx, `
			INSERT INTO user_balances (`+balanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO NOTHING`,
			w.UserID, nv.AvailableTokens, nv.CommittedTokens, nv.TotalEarned, nv.TotalSpent, nv.LastUpdated, nv.Version,
		)
	} else {
		tag, err = s.q.Exec(ctx, `
			UPDATE user_balances
			SET available_tokens = $2, committed_tokens = $3, total_earned = $4,
			    total_spent = $5, last_updated = $6, version = $7
			WHERE user_id = $1 AND version = $8`,
			w.UserID, nv.AvailableTokens, nv.CommittedTokens, nv.TotalEarned, nv.TotalSpent, nv.LastUpdated, nv.Version,
			w.ExpectedVersion,
		)
	}
	if err != nil {
		return domain.CasResult{}, fmt.Errorf("postgres: write balance %s: %w", w.UserID, mapError(err))
	}
	if tag.RowsAffected() == 1 {
		return domain.CasResult{Applied: true, CurrentVersion: nv.Version}, nil
	}

	var current int64
	err = s.q.QueryRow(ctx, `SELECT version FROM user_balances WHERE user_id = $1`, w.UserID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.CasResult{}, fmt.Errorf("postgres: read version %s: %w", w.UserID, err)
	}
	return domain.CasResult{Applied: false, CurrentVersion: current}, nil
}
