// Package payout computes market settlement payouts. Everything here is pure:
// no I/O, no clock, and identical inputs produce identical output.
//
// Rounding: fees are rounded half-to-even to whole tokens. Each winner payout
// is floor(winnerPool * stake / winnerStake) in exact integer arithmetic, so
// the sum of payouts never exceeds the winner pool. The difference is the
// rounding residual, retained by the house.
package payout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var (
	// HouseFeeRate is the fixed platform fee.
	HouseFeeRate = decimal.RequireFromString("0.05")
	// MinCreatorFee and MaxCreatorFee bound the creator fee percentage.
	MinCreatorFee = decimal.RequireFromString("0.01")
	MaxCreatorFee = decimal.RequireFromString("0.05")

	shareTolerance = decimal.New(1, -9)
)

// winSharePrecision is the number of decimal places kept for win shares.
const winSharePrecision = 16

// Summary aggregates the classification of a calculation.
type Summary struct {
	CommitmentCount  int                                 `json:"commitmentCount"`
	WinnerCount      int                                 `json:"winnerCount"`
	LoserCount       int                                 `json:"loserCount"`
	ConflictCount    int                                 `json:"conflictCount"`
	Method           domain.IdentificationMethod         `json:"method"`
	MethodCounts     map[domain.IdentificationMethod]int `json:"methodCounts"`
	TotalWinnerStake int64                               `json:"totalWinnerStake"`
}

// Calculation is the full output of Calculate. Commitments keep input order.
type Calculation struct {
	MarketID             string                    `json:"marketId"`
	WinningOptionID      string                    `json:"winningOptionId"`
	CreatorFeePercentage decimal.Decimal           `json:"creatorFeePercentage"`
	TotalPool            int64                     `json:"totalPool"`
	MarketRecordedPool   int64                     `json:"marketRecordedPool"`
	HouseFee             int64                     `json:"houseFee"`
	CreatorFee           int64                     `json:"creatorFee"`
	WinnerPool           int64                     `json:"winnerPool"`
	TotalPayout          int64                     `json:"totalPayout"`
	RoundingResidual     int64                     `json:"roundingResidual"`
	UnclaimedPool        int64                     `json:"unclaimedPool"`
	Commitments          []domain.CommitmentPayout `json:"commitments"`
	Summary              Summary                   `json:"summary"`
	Checks               domain.VerificationChecks `json:"checks"`
	Notes                []string                  `json:"notes,omitempty"`
}

// Winners returns the winning lines in input order.
func (c Calculation) Winners() []domain.CommitmentPayout {
	return c.filter(true)
}

// Losers returns the losing lines in input order.
func (c Calculation) Losers() []domain.CommitmentPayout {
	return c.filter(false)
}

func (c Calculation) filter(winners bool) []domain.CommitmentPayout {
	out := make([]domain.CommitmentPayout, 0, len(c.Commitments))
	for _, p := range c.Commitments {
		if p.IsWinner == winners {
			out = append(out, p)
		}
	}
	return out
}

// ValidateCreatorFee checks that pct lies in [MinCreatorFee, MaxCreatorFee].
func ValidateCreatorFee(pct decimal.Decimal) error {
	if pct.LessThan(MinCreatorFee) || pct.GreaterThan(MaxCreatorFee) {
		return fmt.Errorf("payout: creator fee %s outside [%s, %s]: %w",
			pct.String(), MinCreatorFee.String(), MaxCreatorFee.String(), domain.ErrInvalidInput)
	}
	return nil
}

// Calculate computes fees and per-commitment payouts for a market resolved to
// winningOptionID. Input errors (unknown winning option, creator fee out of
// range, malformed commitments) are returned as errors wrapping
// domain.ErrInvalidInput; arithmetic and pool consistency problems are
// reported through Checks.
func Calculate(
	market domain.Market,
	commitments []domain.PredictionCommitment,
	winningOptionID string,
	creatorFeePercentage decimal.Decimal,
) (Calculation, error) {
	if market.ID == "" {
		return Calculation{}, fmt.Errorf("payout: market id is required: %w", domain.ErrInvalidInput)
	}
	if market.OptionIndex(winningOptionID) < 0 {
		return Calculation{}, fmt.Errorf("payout: winning option %q is not an option of market %s: %w",
			winningOptionID, market.ID, domain.ErrInvalidInput)
	}
	if err := ValidateCreatorFee(creatorFeePercentage); err != nil {
		return Calculation{}, err
	}

	calc := Calculation{
		MarketID:             market.ID,
		WinningOptionID:      winningOptionID,
		CreatorFeePercentage: creatorFeePercentage,
		MarketRecordedPool:   market.TotalTokens(),
		Commitments:          make([]domain.CommitmentPayout, 0, len(commitments)),
		Summary: Summary{
			CommitmentCount: len(commitments),
			MethodCounts:    map[domain.IdentificationMethod]int{},
		},
	}

	effective := make([]EffectiveOption, len(commitments))
	allKnown := true
	for i, c := range commitments {
		if c.TokensCommitted <= 0 {
			return Calculation{}, fmt.Errorf("payout: commitment %s has non-positive stake %d: %w",
				c.ID, c.TokensCommitted, domain.ErrInvalidInput)
		}
		if c.MarketID != market.ID {
			return Calculation{}, fmt.Errorf("payout: commitment %s belongs to market %s, not %s: %w",
				c.ID, c.MarketID, market.ID, domain.ErrInvalidInput)
		}
		eff, err := ResolveOption(c, market)
		if err != nil {
			return Calculation{}, err
		}
		effective[i] = eff
		calc.TotalPool += c.TokensCommitted
		calc.Summary.MethodCounts[eff.DerivedFrom]++
		if eff.Conflict {
			calc.Summary.ConflictCount++
			calc.Notes = append(calc.Notes, fmt.Sprintf(
				"commitment %s: position %q disagrees with option %s, option id applied",
				c.ID, c.Position, c.OptionID))
		}
		if !eff.Known {
			allKnown = false
			calc.Notes = append(calc.Notes, fmt.Sprintf(
				"commitment %s: option %s is not on the market", c.ID, eff.OptionID))
		}
		if eff.Matches(winningOptionID, market) {
			calc.Summary.TotalWinnerStake += c.TokensCommitted
		}
	}

	pool := decimal.NewFromInt(calc.TotalPool)
	calc.HouseFee = pool.Mul(HouseFeeRate).RoundBank(0).IntPart()
	calc.CreatorFee = pool.Mul(creatorFeePercentage).RoundBank(0).IntPart()
	calc.WinnerPool = calc.TotalPool - calc.HouseFee - calc.CreatorFee

	winnerPool := decimal.NewFromInt(calc.WinnerPool)
	winnerStake := decimal.NewFromInt(calc.Summary.TotalWinnerStake)
	shareSum := decimal.Zero

	for i, c := range commitments {
		eff := effective[i]
		line := domain.CommitmentPayout{
			CommitmentID:    c.ID,
			UserID:          c.UserID,
			OptionID:        eff.OptionID,
			Position:        c.Position,
			TokensCommitted: c.TokensCommitted,
			WinShare:        decimal.Zero,
			Method:          eff.DerivedFrom,
			Conflict:        eff.Conflict,
		}
		if eff.Matches(winningOptionID, market) {
			line.IsWinner = true
			line.WinShare = decimal.NewFromInt(c.TokensCommitted).DivRound(winnerStake, winSharePrecision)
			q, _ := winnerPool.Mul(decimal.NewFromInt(c.TokensCommitted)).QuoRem(winnerStake, 0)
			line.PayoutAmount = q.IntPart()
			line.Profit = line.PayoutAmount - c.TokensCommitted
			calc.Summary.WinnerCount++
			calc.TotalPayout += line.PayoutAmount
			shareSum = shareSum.Add(line.WinShare)
		} else {
			line.Profit = -c.TokensCommitted
			calc.Summary.LoserCount++
		}
		calc.Commitments = append(calc.Commitments, line)
	}

	if calc.Summary.WinnerCount > 0 {
		calc.RoundingResidual = calc.WinnerPool - calc.TotalPayout
	} else {
		calc.UnclaimedPool = calc.WinnerPool
		calc.Notes = append(calc.Notes, "no winning commitments, winner pool is unclaimed")
	}
	calc.Summary.Method = summaryMethod(calc.Summary.MethodCounts)

	calc.Checks = domain.VerificationChecks{
		PoolMatchesMarket:       calc.TotalPool == calc.MarketRecordedPool,
		PayoutsWithinWinnerPool: calc.TotalPayout <= calc.WinnerPool,
		PoolFullyAccounted: calc.HouseFee+calc.CreatorFee+calc.TotalPayout+calc.RoundingResidual+calc.UnclaimedPool == calc.TotalPool &&
			calc.RoundingResidual >= 0 &&
			calc.RoundingResidual <= int64(calc.Summary.WinnerCount),
		WinSharesSumToOne: calc.Summary.WinnerCount == 0 ||
			shareSum.Sub(decimal.NewFromInt(1)).Abs().LessThanOrEqual(shareTolerance),
		AllCommitmentsClassified:  calc.Summary.WinnerCount+calc.Summary.LoserCount == len(commitments),
		AllOptionsKnown:           allKnown,
		NoIdentificationConflicts: calc.Summary.ConflictCount == 0,
		HasWinners:                calc.Summary.WinnerCount > 0,
	}
	if !calc.Checks.PoolMatchesMarket {
		calc.Notes = append(calc.Notes, fmt.Sprintf(
			"commitment pool %d differs from market recorded pool %d", calc.TotalPool, calc.MarketRecordedPool))
	}

	return calc, nil
}

// summaryMethod collapses per-commitment methods into one: a single method
// when every commitment used it, hybrid otherwise.
func summaryMethod(counts map[domain.IdentificationMethod]int) domain.IdentificationMethod {
	switch {
	case len(counts) == 0:
		return domain.IdentifiedByOptionID
	case len(counts) == 1:
		for m := range counts {
			return m
		}
	}
	return domain.IdentifiedByHybrid
}
