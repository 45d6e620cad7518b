package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var _ domain.MarketProvider = (*MarketStore)(nil)

// MarketStore holds the market snapshots the validator and settlement read.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert inserts or replaces a market snapshot. Options are stored as JSONB in
// their display order.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("postgres: marshal market options: %w", err)
	}

	const query = `
		INSERT INTO markets (id, title, creator_id, status, ends_at, options, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title      = EXCLUDED.title,
			creator_id = EXCLUDED.creator_id,
			status     = EXCLUDED.status,
			ends_at    = EXCLUDED.ends_at,
			options    = EXCLUDED.options,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, m.ID, m.Title, m.CreatorID, string(m.Status), m.EndsAt, options); err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// GetMarket returns the market with the given id.
func (s *MarketStore) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	var (
		m       domain.Market
		status  string
		options []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, creator_id, status, ends_at, options, updated_at
		FROM markets WHERE id = $1`, id,
	).Scan(&m.ID, &m.Title, &m.CreatorID, &status, &m.EndsAt, &options, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("postgres: market %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	m.Status = domain.MarketStatus(status)
	if err := json.Unmarshal(options, &m.Options); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: unmarshal market options %s: %w", id, err)
	}
	return m, nil
}

// UpdateStatus moves a market to a new lifecycle state.
func (s *MarketStore) UpdateStatus(ctx context.Context, id string, status domain.MarketStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update market status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: market %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
