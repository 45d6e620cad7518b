// Package settlement applies payout calculations to the ledger. A market is
// settled in one store transaction: every balance mutation, both record
// formats for each winner, the distribution record, the resolution and the
// commitment status changes commit together or not at all.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/ledger"
	"github.com/alanyoungcy/tokenledger/internal/payout"
)

// Event names used on the event channel and in the audit log.
const (
	EventDistributed = "settlement.distributed"
	EventRolledBack  = "settlement.rolled_back"
)

// DefaultEventChannel is the pub/sub channel for settlement events.
const DefaultEventChannel = "settlement.events"

// Options carries the optional post-commit collaborators.
type Options struct {
	Bus          domain.SignalBus
	Audit        domain.AuditStore
	Archiver     domain.DistributionArchiver
	EventChannel string
}

// Orchestrator settles and rolls back markets.
type Orchestrator struct {
	store        domain.Store
	ledger       *ledger.Ledger
	clock        domain.Clock
	bus          domain.SignalBus
	audit        domain.AuditStore
	archiver     domain.DistributionArchiver
	eventChannel string
	logger       *slog.Logger
}

// NewOrchestrator creates an Orchestrator. The ledger must be bound to the
// same store.
func NewOrchestrator(
	store domain.Store,
	l *ledger.Ledger,
	clock domain.Clock,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if opts.EventChannel == "" {
		opts.EventChannel = DefaultEventChannel
	}
	return &Orchestrator{
		store:        store,
		ledger:       l,
		clock:        clock,
		bus:          opts.Bus,
		audit:        opts.Audit,
		archiver:     opts.Archiver,
		eventChannel: opts.EventChannel,
		logger:       logger.With(slog.String("component", "settlement")),
	}
}

// DistributeRequest is the input of Distribute.
type DistributeRequest struct {
	Market               domain.Market
	Commitments          []domain.PredictionCommitment
	WinningOptionID      string
	CreatorFeePercentage decimal.Decimal
	AdminID              string
	Evidence             []string
}

// DistributionResult reports a committed settlement.
type DistributionResult struct {
	Success          bool                      `json:"success"`
	DistributionID   string                    `json:"distributionId"`
	TotalDistributed int64                     `json:"totalDistributed"`
	RecipientCount   int                       `json:"recipientCount"`
	RoundingResidual int64                     `json:"roundingResidual"`
	Distribution     domain.PayoutDistribution `json:"distribution"`
}

// Event is published on the event channel after commit.
type Event struct {
	Type             string `json:"type"`
	DistributionID   string `json:"distributionId"`
	MarketID         string `json:"marketId"`
	WinningOptionID  string `json:"winningOptionId"`
	TotalDistributed int64  `json:"totalDistributed"`
	RecipientCount   int    `json:"recipientCount"`
	AdminID          string `json:"adminId"`
	Reason           string `json:"reason,omitempty"`
}

// Preview runs the calculator without touching the store.
func (o *Orchestrator) Preview(
	market domain.Market,
	commitments []domain.PredictionCommitment,
	winningOptionID string,
	creatorFeePercentage decimal.Decimal,
) (payout.Calculation, error) {
	calc, err := payout.Calculate(market, commitments, winningOptionID, creatorFeePercentage)
	if err != nil {
		return payout.Calculation{}, fmt.Errorf("settlement: preview %s: %w", market.ID, err)
	}
	return calc, nil
}

// Distribute settles a market. It does not retry: on failure nothing is
// persisted and a *Error with code DISTRIBUTION_FAILED is returned.
func (o *Orchestrator) Distribute(ctx context.Context, req DistributeRequest) (DistributionResult, error) {
	calc, err := payout.Calculate(req.Market, req.Commitments, req.WinningOptionID, req.CreatorFeePercentage)
	if err != nil {
		return DistributionResult{}, distributionFailed(err)
	}
	if !calc.Checks.HasWinners {
		return DistributionResult{}, distributionFailed(fmt.Errorf(
			"market %s has no commitments on option %s: %w", req.Market.ID, req.WinningOptionID, domain.ErrNoWinners))
	}

	now := o.clock.Now()
	dist := domain.PayoutDistribution{
		ID:                   uuid.NewString(),
		MarketID:             calc.MarketID,
		WinningOptionID:      calc.WinningOptionID,
		TotalPool:            calc.TotalPool,
		HouseFee:             calc.HouseFee,
		CreatorFee:           calc.CreatorFee,
		CreatorFeePercentage: calc.CreatorFeePercentage,
		WinnerPool:           calc.WinnerPool,
		TotalDistributed:     calc.TotalPayout,
		RoundingResidual:     calc.RoundingResidual,
		AuditTrail: domain.AuditTrail{
			Method:             calc.Summary.Method,
			MethodCounts:       calc.Summary.MethodCounts,
			Checks:             calc.Checks,
			MarketRecordedPool: calc.MarketRecordedPool,
			Notes:              calc.Notes,
		},
		Status:        domain.DistributionStatusCompleted,
		DistributedBy: req.AdminID,
		CreatedAt:     now,
	}
	b := recordBuilder{distributionID: dist.ID, marketID: dist.MarketID, winningOptionID: dist.WinningOptionID}
	given := make(map[string]domain.PredictionCommitment, len(req.Commitments))
	for _, c := range req.Commitments {
		given[c.ID] = c
	}

	err = o.store.RunInTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		dist.Winners = dist.Winners[:0]
		dist.Losers = dist.Losers[:0]
		dist.AuditTrail.TransactionIDs = dist.AuditTrail.TransactionIDs[:0]

		active, err := tx.Commitments().ListByMarket(ctx, req.Market.ID, domain.CommitmentStatusActive)
		if err != nil {
			return fmt.Errorf("list active commitments: %w", err)
		}
		for _, c := range active {
			if _, ok := given[c.ID]; !ok {
				return fmt.Errorf("active commitment %s is missing from the settlement: %w", c.ID, domain.ErrInvalidInput)
			}
		}

		for _, line := range calc.Commitments {
			stored, err := tx.Commitments().GetByID(ctx, line.CommitmentID)
			if err != nil {
				return fmt.Errorf("load commitment %s: %w", line.CommitmentID, err)
			}
			if stored.Status != domain.CommitmentStatusActive {
				return fmt.Errorf("commitment %s is %s, not active: %w", stored.ID, stored.Status, domain.ErrInvalidInput)
			}
			if err := matchStored(stored, given[line.CommitmentID], req.Market.ID); err != nil {
				return err
			}

			status := domain.CommitmentStatusLost
			if line.IsWinner && line.PayoutAmount > 0 {
				applied, err := o.ledger.Apply(ctx, tx, b.win(line))
				if err != nil {
					return fmt.Errorf("credit %s for commitment %s: %w", line.UserID, line.CommitmentID, err)
				}
				legacy := b.legacyWin(applied.Transaction, line.CommitmentID)
				if err := tx.Transactions().Append(ctx, legacy); err != nil {
					return fmt.Errorf("append legacy record for %s: %w", line.CommitmentID, err)
				}
				line.TransactionID = applied.Transaction.ID
				line.LegacyTransactionID = legacy.ID
				line.TransactionType = domain.TransactionTypeWin
				dist.AuditTrail.TransactionIDs = append(dist.AuditTrail.TransactionIDs, applied.Transaction.ID, legacy.ID)
			} else {
				applied, err := o.ledger.Apply(ctx, tx, b.loss(line))
				if err != nil {
					return fmt.Errorf("release stake of %s for commitment %s: %w", line.UserID, line.CommitmentID, err)
				}
				line.TransactionID = applied.Transaction.ID
				line.TransactionType = domain.TransactionTypeLoss
				dist.AuditTrail.TransactionIDs = append(dist.AuditTrail.TransactionIDs, applied.Transaction.ID)
			}
			if line.IsWinner {
				status = domain.CommitmentStatusWon
				dist.Winners = append(dist.Winners, line)
			} else {
				dist.Losers = append(dist.Losers, line)
			}

			if err := tx.Commitments().UpdateStatus(ctx, line.CommitmentID, status, &now); err != nil {
				return fmt.Errorf("mark commitment %s %s: %w", line.CommitmentID, status, err)
			}
		}

		if err := tx.Distributions().Create(ctx, dist); err != nil {
			return fmt.Errorf("create distribution: %w", err)
		}
		if err := tx.Resolutions().Create(ctx, domain.MarketResolution{
			MarketID:         dist.MarketID,
			WinningOptionID:  dist.WinningOptionID,
			ResolvedBy:       req.AdminID,
			ResolvedAt:       now,
			Evidence:         req.Evidence,
			TotalPayout:      dist.TotalDistributed,
			WinnerCount:      len(dist.Winners),
			CreatorFeeAmount: dist.CreatorFee,
			HouseFeeAmount:   dist.HouseFee,
			Status:           domain.ResolutionStatusCompleted,
		}); err != nil {
			return fmt.Errorf("create resolution: %w", err)
		}
		return nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "distribution failed",
			slog.String("market_id", req.Market.ID),
			slog.String("error", err.Error()),
		)
		return DistributionResult{}, distributionFailed(fmt.Errorf("market %s: %w", req.Market.ID, err))
	}

	res := DistributionResult{
		Success:          true,
		DistributionID:   dist.ID,
		TotalDistributed: dist.TotalDistributed,
		RecipientCount:   recipients(dist.Winners),
		RoundingResidual: dist.RoundingResidual,
		Distribution:     dist,
	}

	o.afterCommit(ctx, dist, Event{
		Type:             EventDistributed,
		DistributionID:   dist.ID,
		MarketID:         dist.MarketID,
		WinningOptionID:  dist.WinningOptionID,
		TotalDistributed: dist.TotalDistributed,
		RecipientCount:   res.RecipientCount,
		AdminID:          req.AdminID,
	}, map[string]any{
		"distribution_id":   dist.ID,
		"market_id":         dist.MarketID,
		"winning_option_id": dist.WinningOptionID,
		"total_pool":        dist.TotalPool,
		"house_fee":         dist.HouseFee,
		"creator_fee":       dist.CreatorFee,
		"total_distributed": dist.TotalDistributed,
		"rounding_residual": dist.RoundingResidual,
		"winners":           len(dist.Winners),
		"losers":            len(dist.Losers),
		"checks_passed":     dist.AuditTrail.Checks.Passed(),
		"admin_id":          req.AdminID,
	})

	o.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", dist.MarketID),
		slog.String("distribution_id", dist.ID),
		slog.Int64("total_distributed", dist.TotalDistributed),
		slog.Int64("rounding_residual", dist.RoundingResidual),
		slog.Int("recipients", res.RecipientCount),
	)
	return res, nil
}

// afterCommit publishes the event, writes the audit entry and archives the
// distribution. Failures are logged and never undo the settlement.
func (o *Orchestrator) afterCommit(ctx context.Context, dist domain.PayoutDistribution, evt Event, detail map[string]any) {
	if o.bus != nil {
		payload, err := json.Marshal(evt)
		if err == nil {
			err = o.bus.Publish(ctx, o.eventChannel, payload)
		}
		if err != nil {
			o.logger.WarnContext(ctx, "publish settlement event failed",
				slog.String("distribution_id", dist.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.audit != nil {
		if err := o.audit.Log(ctx, evt.Type, detail); err != nil {
			o.logger.WarnContext(ctx, "audit log failed",
				slog.String("distribution_id", dist.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.archiver != nil {
		path, err := o.archiver.ArchiveDistribution(ctx, dist)
		if err != nil {
			o.logger.WarnContext(ctx, "archive distribution failed",
				slog.String("distribution_id", dist.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		o.logger.DebugContext(ctx, "distribution archived",
			slog.String("distribution_id", dist.ID),
			slog.String("path", path),
		)
	}
}

// recipients counts distinct users credited a non-zero payout.
func recipients(winners []domain.CommitmentPayout) int {
	seen := make(map[string]struct{}, len(winners))
	for _, w := range winners {
		if w.PayoutAmount > 0 {
			seen[w.UserID] = struct{}{}
		}
	}
	return len(seen)
}

// matchStored rejects a settlement input that disagrees with the stored
// commitment on anything the payout or the stake release depends on.
func matchStored(stored, given domain.PredictionCommitment, marketID string) error {
	var diff string
	switch {
	case stored.MarketID != marketID:
		diff = fmt.Sprintf("market %s, settling %s", stored.MarketID, marketID)
	case stored.UserID != given.UserID:
		diff = fmt.Sprintf("user %s, given %s", stored.UserID, given.UserID)
	case stored.TokensCommitted != given.TokensCommitted:
		diff = fmt.Sprintf("stake %d, given %d", stored.TokensCommitted, given.TokensCommitted)
	case stored.OptionID != given.OptionID:
		diff = fmt.Sprintf("option %q, given %q", stored.OptionID, given.OptionID)
	case stored.Position != given.Position:
		diff = fmt.Sprintf("position %q, given %q", stored.Position, given.Position)
	default:
		return nil
	}
	return fmt.Errorf("commitment %s is stored with %s: %w", stored.ID, diff, domain.ErrInvalidInput)
}
