package commitment

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// DefaultSource is recorded when no client information is supplied.
const DefaultSource = "api"

// CreateCommitmentMetadata snapshots the market and balance at commit time.
// Every market option is captured, not only the selected one. The only input
// not taken from the arguments is the capture timestamp.
func (v *Validator) CreateCommitmentMetadata(
	market domain.Market,
	balance domain.UserBalance,
	req Request,
	client *domain.ClientInfo,
) domain.CommitmentMetadata {
	md := domain.CommitmentMetadata{
		MarketStatus:               market.Status,
		MarketTitle:                market.Title,
		MarketEndsAt:               market.EndsAt,
		MarketTotalTokens:          market.TotalTokens(),
		Options:                    make([]domain.OptionSnapshot, 0, len(market.Options)),
		UserAvailableAtCommit:      balance.AvailableTokens,
		UserCommittedAtCommit:      balance.CommittedTokens,
		UserBalanceVersionAtCommit: balance.Version,
		Source:                     DefaultSource,
		CapturedAt:                 v.clock.Now(),
	}
	for _, o := range market.Options {
		md.Options = append(md.Options, domain.OptionSnapshot{
			OptionID:         o.ID,
			Text:             o.Text,
			Odds:             o.Odds,
			TotalTokens:      o.TotalTokens,
			ParticipantCount: o.ParticipantCount,
		})
	}
	if opt, err := SelectedOption(req, market); err == nil {
		md.SelectedOptionID = opt.ID
		md.SelectedOdds = opt.Odds
	}
	if client != nil {
		c := *client
		md.Client = &c
		if c.Source != "" {
			md.Source = c.Source
		}
	}
	return md
}

// NewCommitment builds an active commitment from an accepted request and its
// metadata snapshot. Odds come from the snapshot's selected option.
func NewCommitment(req Request, md domain.CommitmentMetadata) (domain.PredictionCommitment, error) {
	if md.SelectedOptionID == "" {
		return domain.PredictionCommitment{}, fmt.Errorf("commitment: metadata has no selected option: %w", domain.ErrInvalidInput)
	}
	if req.TokensToCommit <= 0 {
		return domain.PredictionCommitment{}, fmt.Errorf("commitment: tokens to commit must be positive, got %d: %w",
			req.TokensToCommit, domain.ErrInvalidInput)
	}
	if !md.SelectedOdds.IsPositive() {
		return domain.PredictionCommitment{}, fmt.Errorf("commitment: odds %s must be positive: %w",
			md.SelectedOdds.String(), domain.ErrInvalidInput)
	}

	return domain.PredictionCommitment{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		MarketID:         req.MarketID,
		OptionID:         md.SelectedOptionID,
		Position:         req.Position,
		TokensCommitted:  req.TokensToCommit,
		Odds:             md.SelectedOdds,
		PotentialWinning: potentialWinning(req.TokensToCommit, md.SelectedOdds),
		Status:           domain.CommitmentStatusActive,
		CommittedAt:      md.CapturedAt,
		Metadata:         md,
	}, nil
}
