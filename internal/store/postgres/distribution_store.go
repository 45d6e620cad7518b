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

var (
	_ domain.DistributionStore = (*DistributionStore)(nil)
	_ domain.ResolutionStore   = (*ResolutionStore)(nil)
)

// DistributionStore keeps each distribution as a JSONB record with its
// mutable status columns alongside.
type DistributionStore struct {
	q querier
}

const distributionColumns = `record, status, rolled_back_at, rolled_back_by, rollback_reason`

func (s *DistributionStore) Create(ctx context.Context, d domain.PayoutDistribution) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("postgres: marshal distribution: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO payout_distributions (id, market_id, winning_option_id, status, total_pool,
			total_distributed, distributed_by, created_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.MarketID, d.WinningOptionID, string(d.Status), d.TotalPool,
		d.TotalDistributed, d.DistributedBy, d.CreatedAt, record,
	)
	if err != nil {
		return fmt.Errorf("postgres: create distribution %s for market %s: %w", d.ID, d.MarketID, mapError(err))
	}
	return nil
}

func (s *DistributionStore) GetByID(ctx context.Context, id string) (domain.PayoutDistribution, error) {
	row := s.q.QueryRow(ctx, `SELECT `+distributionColumns+` FROM payout_distributions WHERE id = $1`, id)
	d, err := scanDistribution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PayoutDistribution{}, fmt.Errorf("postgres: distribution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PayoutDistribution{}, fmt.Errorf("postgres: get distribution %s: %w", id, err)
	}
	return d, nil
}

// GetByMarket returns the most recent distribution of a market.
func (s *DistributionStore) GetByMarket(ctx context.Context, marketID string) (domain.PayoutDistribution, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+distributionColumns+` FROM payout_distributions
		WHERE market_id = $1 ORDER BY seq DESC LIMIT 1`, marketID)
	d, err := scanDistribution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PayoutDistribution{}, fmt.Errorf("postgres: distribution for market %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PayoutDistribution{}, fmt.Errorf("postgres: get distribution for market %s: %w", marketID, err)
	}
	return d, nil
}

// MarkRolledBack flips a completed distribution. The status predicate makes
// concurrent rollbacks of the same distribution race safely.
func (s *DistributionStore) MarkRolledBack(ctx context.Context, id, by, reason string, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE payout_distributions
		SET status = $2, rolled_back_at = $3, rolled_back_by = $4, rollback_reason = $5
		WHERE id = $1 AND status = $6`,
		id, string(domain.DistributionStatusRolledBack), at, by, reason, string(domain.DistributionStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("postgres: roll back distribution %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payout_distributions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check distribution %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("postgres: distribution %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: distribution %s: %w", id, domain.ErrAlreadyRolledBack)
}

func scanDistribution(row pgx.Row) (domain.PayoutDistribution, error) {
	var (
		d      domain.PayoutDistribution
		record []byte
		status string
		at     *time.Time
		by     string
		reason string
	)
	if err := row.Scan(&record, &status, &at, &by, &reason); err != nil {
		return domain.PayoutDistribution{}, err
	}
	if err := json.Unmarshal(record, &d); err != nil {
		return domain.PayoutDistribution{}, fmt.Errorf("unmarshal distribution: %w", err)
	}
	d.Status = domain.DistributionStatus(status)
	d.RolledBackAt = at
	d.RolledBackBy = by
	d.RollbackReason = reason
	return d, nil
}

// ResolutionStore implements domain.ResolutionStore.
type ResolutionStore struct {
	q querier
}

// Create inserts a resolution, replacing one that was rolled back.
func (s *ResolutionStore) Create(ctx context.Context, r domain.MarketResolution) error {
	evidence, err := json.Marshal(r.Evidence)
	if err != nil {
		return fmt.Errorf("postgres: marshal evidence: %w", err)
	}
	if r.Evidence == nil {
		evidence = []byte("[]")
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO market_resolutions (market_id, winning_option_id, resolved_by, resolved_at, evidence,
			total_payout, winner_count, creator_fee_amount, house_fee_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market_id) DO UPDATE SET
			winning_option_id = EXCLUDED.winning_option_id,
			resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at,
			evidence = EXCLUDED.evidence,
			total_payout = EXCLUDED.total_payout,
			winner_count = EXCLUDED.winner_count,
			creator_fee_amount = EXCLUDED.creator_fee_amount,
			house_fee_amount = EXCLUDED.house_fee_amount,
			status = EXCLUDED.status
		WHERE market_resolutions.status = $11`,
		r.MarketID, r.WinningOptionID, r.ResolvedBy, r.ResolvedAt, evidence,
		r.TotalPayout, r.WinnerCount, r.CreatorFeeAmount, r.HouseFeeAmount, string(r.Status),
		string(domain.ResolutionStatusRolledBack),
	)
	if err != nil {
		return fmt.Errorf("postgres: create resolution %s: %w", r.MarketID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: resolution %s: %w", r.MarketID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *ResolutionStore) GetByMarket(ctx context.Context, marketID string) (domain.MarketResolution, error) {
	var (
		r        domain.MarketResolution
		evidence []byte
		status   string
	)
	err := s.q.QueryRow(ctx, `
		SELECT market_id, winning_option_id, resolved_by, resolved_at, evidence,
			total_payout, winner_count, creator_fee_amount, house_fee_amount, status
		FROM market_resolutions WHERE market_id = $1`, marketID,
	).Scan(&r.MarketID, &r.WinningOptionID, &r.ResolvedBy, &r.ResolvedAt, &evidence,
		&r.TotalPayout, &r.WinnerCount, &r.CreatorFeeAmount, &r.HouseFeeAmount, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketResolution{}, fmt.Errorf("postgres: resolution %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.MarketResolution{}, fmt.Errorf("postgres: get resolution %s: %w", marketID, err)
	}
	r.Status = domain.ResolutionStatus(status)
	if err := json.Unmarshal(evidence, &r.Evidence); err != nil {
		return domain.MarketResolution{}, fmt.Errorf("postgres: unmarshal evidence: %w", err)
	}
	return r, nil
}

func (s *ResolutionStore) UpdateStatus(ctx context.Context, marketID string, status domain.ResolutionStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE market_resolutions SET status = $2 WHERE market_id = $1`, marketID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update resolution %s: %w", marketID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: resolution %s: %w", marketID, domain.ErrNotFound)
	}
	return nil
}
