package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var _ domain.CommitmentStore = (*CommitmentStore)(nil)

// CommitmentStore implements domain.CommitmentStore.
type CommitmentStore struct {
	q querier
}

const commitmentColumns = `id, user_id, market_id, option_id, position, tokens_committed, odds,
	potential_winning, status, committed_at, resolved_at, metadata`

func (s *CommitmentStore) Create(ctx context.Context, c domain.PredictionCommitment) error {
	md, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal commitment metadata: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO prediction_commitments (`+commitmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.MarketID, c.OptionID, string(c.Position), c.TokensCommitted,
		c.Odds, c.PotentialWinning, string(c.Status), c.CommittedAt, c.ResolvedAt, md,
	)
	if err != nil {
		return fmt.Errorf("postgres: create commitment %s: %w", c.ID, mapError(err))
	}
	return nil
}

func (s *CommitmentStore) GetByID(ctx context.Context, id string) (domain.PredictionCommitment, error) {
	row := s.q.QueryRow(ctx, `SELECT `+commitmentColumns+` FROM prediction_commitments WHERE id = $1`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PredictionCommitment{}, fmt.Errorf("postgres: commitment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PredictionCommitment{}, fmt.Errorf("postgres: get commitment %s: %w", id, err)
	}
	return c, nil
}

// ListByMarket returns a market's commitments ordered by commit time. An
// empty status matches every status.
func (s *CommitmentStore) ListByMarket(ctx context.Context, marketID string, status domain.CommitmentStatus) ([]domain.PredictionCommitment, error) {
	query := `SELECT ` + commitmentColumns + ` FROM prediction_commitments WHERE market_id = $1`
	args := []any{marketID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY committed_at, id`
	return s.query(ctx, query, args...)
}

func (s *CommitmentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionCommitment, error) {
	query, args := withWindow(
		`SELECT `+commitmentColumns+` FROM prediction_commitments WHERE 1=1`,
		nil, "committed_at", "committed_at, id", opts,
	)
	return s.query(ctx, query, args...)
}

func (s *CommitmentStore) UpdateStatus(ctx context.Context, id string, status domain.CommitmentStatus, resolvedAt *time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE prediction_commitments SET status = $2, resolved_at = $3 WHERE id = $1`,
		id, string(status), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update commitment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: commitment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *CommitmentStore) query(ctx context.Context, query string, args ...any) ([]domain.PredictionCommitment, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments: %w", err)
	}
	defer rows.Close()

	var out []domain.PredictionCommitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCommitment(row pgx.Row) (domain.PredictionCommitment, error) {
	var (
		c                domain.PredictionCommitment
		position, status string
		md               []byte
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.MarketID, &c.OptionID, &position, &c.TokensCommitted,
		&c.Odds, &c.PotentialWinning, &status, &c.CommittedAt, &c.ResolvedAt, &md); err != nil {
		return domain.PredictionCommitment{}, err
	}
	c.Position = domain.Position(position)
	c.Status = domain.CommitmentStatus(status)
	if len(md) > 0 {
		if err := json.Unmarshal(md, &c.Metadata); err != nil {
			return domain.PredictionCommitment{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return c, nil
}
