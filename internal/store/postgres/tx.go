package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time interface checks.
var (
	_ querier      = (*pgxpool.Pool)(nil)
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*txStores)(nil)
)

// Store implements domain.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	txStores
}

// NewStore creates a Store. Accessors outside RunInTx autocommit.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, txStores: txStores{q: pool}}
}

// RunInTx runs fn in one database transaction and commits when fn returns
// nil. Serialization failures and deadlocks are reported as
// domain.ErrConcurrentModification.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txStores{q: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapError(err))
	}
	return nil
}

// txStores binds every record store to one querier.
type txStores struct {
	q querier
}

func (t *txStores) Balances() domain.BalanceStore           { return &BalanceStore{q: t.q} }
func (t *txStores) Transactions() domain.TransactionStore   { return &TransactionStore{q: t.q} }
func (t *txStores) Commitments() domain.CommitmentStore     { return &CommitmentStore{q: t.q} }
func (t *txStores) Distributions() domain.DistributionStore { return &DistributionStore{q: t.q} }
func (t *txStores) Resolutions() domain.ResolutionStore     { return &ResolutionStore{q: t.q} }

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgCheckViolation       = "23514"
)

// mapError translates PostgreSQL error codes into domain sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pgErr.ConstraintName)
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, pgErr.Message)
	case pgCheckViolation:
		return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, pgErr.ConstraintName)
	}
	return err
}
