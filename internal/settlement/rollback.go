package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// RollbackResult reports a committed rollback.
type RollbackResult struct {
	DistributionID             string    `json:"distributionId"`
	MarketID                   string    `json:"marketId"`
	CompensatingTransactionIDs []string  `json:"compensatingTransactionIds"`
	AffectedUserIDs            []string  `json:"affectedUserIds"`
	RolledBackAt               time.Time `json:"rolledBackAt"`
}

// Rollback reverses a completed distribution with compensating ledger
// mutations. Each compensating record's RelatedID is the original
// transaction id. A second rollback of the same distribution fails with code
// ALREADY_ROLLED_BACK.
func (o *Orchestrator) Rollback(ctx context.Context, distributionID, reason, adminID string) (RollbackResult, error) {
	if strings.TrimSpace(distributionID) == "" {
		return RollbackResult{}, rollbackFailed(fmt.Errorf("distribution id is required: %w", domain.ErrInvalidInput))
	}

	now := o.clock.Now()
	var (
		res  RollbackResult
		dist domain.PayoutDistribution
	)
	err := o.store.RunInTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		dist, err = tx.Distributions().GetByID(ctx, distributionID)
		if err != nil {
			return fmt.Errorf("load distribution %s: %w", distributionID, err)
		}
		if dist.Status == domain.DistributionStatusRolledBack {
			return fmt.Errorf("distribution %s rolled back at %v: %w", dist.ID, dist.RolledBackAt, domain.ErrAlreadyRolledBack)
		}

		res = RollbackResult{DistributionID: dist.ID, MarketID: dist.MarketID, RolledBackAt: now}
		seen := make(map[string]bool)

		lines := make([]domain.CommitmentPayout, 0, len(dist.Winners)+len(dist.Losers))
		lines = append(lines, dist.Winners...)
		lines = append(lines, dist.Losers...)
		for _, line := range lines {
			m, ok := compensate(dist, line, reason)
			if ok {
				applied, err := o.ledger.Apply(ctx, tx, m)
				if err != nil {
					return fmt.Errorf("compensate %s for commitment %s: %w", line.TransactionID, line.CommitmentID, err)
				}
				res.CompensatingTransactionIDs = append(res.CompensatingTransactionIDs, applied.Transaction.ID)
				if !seen[line.UserID] {
					seen[line.UserID] = true
					res.AffectedUserIDs = append(res.AffectedUserIDs, line.UserID)
				}
			}
			if err := tx.Commitments().UpdateStatus(ctx, line.CommitmentID, domain.CommitmentStatusActive, nil); err != nil {
				return fmt.Errorf("reactivate commitment %s: %w", line.CommitmentID, err)
			}
		}

		if err := tx.Distributions().MarkRolledBack(ctx, dist.ID, adminID, reason, now); err != nil {
			return fmt.Errorf("mark distribution %s rolled back: %w", dist.ID, err)
		}
		if err := tx.Resolutions().UpdateStatus(ctx, dist.MarketID, domain.ResolutionStatusRolledBack); err != nil {
			return fmt.Errorf("mark resolution %s rolled back: %w", dist.MarketID, err)
		}
		return nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "rollback failed",
			slog.String("distribution_id", distributionID),
			slog.String("error", err.Error()),
		)
		return RollbackResult{}, rollbackFailed(err)
	}

	dist.Status = domain.DistributionStatusRolledBack
	dist.RolledBackAt = &now
	dist.RolledBackBy = adminID
	dist.RollbackReason = reason

	o.afterCommit(ctx, dist, Event{
		Type:             EventRolledBack,
		DistributionID:   dist.ID,
		MarketID:         dist.MarketID,
		WinningOptionID:  dist.WinningOptionID,
		TotalDistributed: dist.TotalDistributed,
		RecipientCount:   len(res.AffectedUserIDs),
		AdminID:          adminID,
		Reason:           reason,
	}, map[string]any{
		"distribution_id":          dist.ID,
		"market_id":                dist.MarketID,
		"reason":                   reason,
		"admin_id":                 adminID,
		"compensating_transaction": res.CompensatingTransactionIDs,
		"affected_users":           res.AffectedUserIDs,
	})

	o.logger.InfoContext(ctx, "distribution rolled back",
		slog.String("distribution_id", dist.ID),
		slog.String("market_id", dist.MarketID),
		slog.Int("compensating", len(res.CompensatingTransactionIDs)),
		slog.String("reason", reason),
	)
	return res, nil
}
