package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var _ domain.TransactionStore = (*TransactionStore)(nil)

// TransactionStore implements the append-only token_transactions log.
type TransactionStore struct {
	q querier
}

const transactionColumns = `id, user_id, type, amount, balance_before, balance_after, related_id, metadata, format, status, created_at`

func (s *TransactionStore) Append(ctx context.Context, tx domain.TokenTransaction) error {
	md, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal transaction metadata: %w", err)
	}
	if tx.Metadata == nil {
		md = []byte("{}")
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO token_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.BalanceBefore, tx.BalanceAfter,
		tx.RelatedID, md, string(tx.Format), string(tx.Status), tx.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append transaction %s: %w", tx.ID, mapError(err))
	}
	return nil
}

func (s *TransactionStore) GetByID(ctx context.Context, id string) (domain.TokenTransaction, error) {
	row := s.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM token_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TokenTransaction{}, fmt.Errorf("postgres: transaction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TokenTransaction{}, fmt.Errorf("postgres: get transaction %s: %w", id, err)
	}
	return tx, nil
}

// ListByUser returns a user's transactions in append order.
func (s *TransactionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TokenTransaction, error) {
	query, args := withWindow(
		`SELECT `+transactionColumns+` FROM token_transactions WHERE user_id = $1`,
		[]any{userID}, "created_at", "seq ASC", opts,
	)
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.TokenTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (domain.TokenTransaction, error) {
	var (
		tx                  domain.TokenTransaction
		typ, format, status string
		md                  []byte
	)
	if err := row.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&tx.RelatedID, &md, &format, &status, &tx.Timestamp); err != nil {
		return domain.TokenTransaction{}, err
	}
	tx.Type = domain.TransactionType(typ)
	tx.Format = domain.RecordFormat(format)
	tx.Status = domain.TransactionStatus(status)
	if len(md) > 0 {
		if err := json.Unmarshal(md, &tx.Metadata); err != nil {
			return domain.TokenTransaction{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		if len(tx.Metadata) == 0 {
			tx.Metadata = nil
		}
	}
	return tx, nil
}

// withWindow appends time window, ordering and pagination clauses.
func withWindow(query string, args []any, timeCol, orderBy string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, len(args))
	}
	query += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
