package payout

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

func binaryMarket(id string, yesTokens, noTokens int64) domain.Market {
	return domain.Market{
		ID:     id,
		Title:  "Will it rain?",
		Status: domain.MarketStatusClosed,
		Options: []domain.MarketOption{
			{ID: "opt-a", Text: "Yes", TotalTokens: yesTokens},
			{ID: "opt-b", Text: "No", TotalTokens: noTokens},
		},
	}
}

func commitOn(id, user, marketID, optionID string, tokens int64) domain.PredictionCommitment {
	return domain.PredictionCommitment{
		ID:              id,
		UserID:          user,
		MarketID:        marketID,
		OptionID:        optionID,
		TokensCommitted: tokens,
		Status:          domain.CommitmentStatusActive,
	}
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculate_TwoWinnersSplitEvenly(t *testing.T) {
	m := binaryMarket("m1", 600, 400)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m1", "opt-a", 300),
		commitOn("c2", "u2", "m1", "opt-a", 300),
		commitOn("c3", "u3", "m1", "opt-b", 400),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.02"))
	require.NoError(t, err)

	assert.Equal(t, int64(1000), calc.TotalPool)
	assert.Equal(t, int64(50), calc.HouseFee)
	assert.Equal(t, int64(20), calc.CreatorFee)
	assert.Equal(t, int64(930), calc.WinnerPool)
	assert.Equal(t, int64(930), calc.TotalPayout)
	assert.Equal(t, int64(0), calc.RoundingResidual)

	winners := calc.Winners()
	require.Len(t, winners, 2)
	for _, w := range winners {
		assert.Equal(t, int64(465), w.PayoutAmount)
		assert.Equal(t, int64(165), w.Profit)
		assert.True(t, w.WinShare.Equal(pct("0.5")), "win share %s", w.WinShare)
	}

	losers := calc.Losers()
	require.Len(t, losers, 1)
	assert.Equal(t, "c3", losers[0].CommitmentID)
	assert.Equal(t, int64(0), losers[0].PayoutAmount)
	assert.Equal(t, int64(-400), losers[0].Profit)

	assert.True(t, calc.Checks.Passed(), "checks: %+v", calc.Checks)
	assert.Equal(t, domain.IdentifiedByOptionID, calc.Summary.Method)
}

func TestCalculate_SingleWinnerTakesWinnerPool(t *testing.T) {
	m := binaryMarket("m2", 500, 1500)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m2", "opt-a", 500),
		commitOn("c2", "u2", "m2", "opt-b", 1000),
		commitOn("c3", "u3", "m2", "opt-b", 500),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.05"))
	require.NoError(t, err)

	assert.Equal(t, int64(100), calc.HouseFee)
	assert.Equal(t, int64(100), calc.CreatorFee)
	assert.Equal(t, int64(1800), calc.WinnerPool)

	winners := calc.Winners()
	require.Len(t, winners, 1)
	assert.Equal(t, int64(1800), winners[0].PayoutAmount)
	assert.Equal(t, int64(1300), winners[0].Profit)
	assert.True(t, winners[0].WinShare.Equal(decimal.NewFromInt(1)))
}

func TestCalculate_FeesRoundHalfToEven(t *testing.T) {
	m := binaryMarket("m3", 30, 20)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m3", "opt-a", 30),
		commitOn("c2", "u2", "m3", "opt-b", 20),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.01"))
	require.NoError(t, err)

	// 2.5 and 0.5 both round to the even neighbour.
	assert.Equal(t, int64(2), calc.HouseFee)
	assert.Equal(t, int64(0), calc.CreatorFee)
	assert.Equal(t, int64(48), calc.WinnerPool)
	assert.Equal(t, int64(48), calc.Winners()[0].PayoutAmount)
}

func TestCalculate_RoundingResidualIsBounded(t *testing.T) {
	m := binaryMarket("m4", 30, 70)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m4", "opt-a", 10),
		commitOn("c2", "u2", "m4", "opt-a", 10),
		commitOn("c3", "u3", "m4", "opt-a", 10),
		commitOn("c4", "u4", "m4", "opt-b", 70),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.01"))
	require.NoError(t, err)

	assert.Equal(t, int64(94), calc.WinnerPool)
	for _, w := range calc.Winners() {
		assert.Equal(t, int64(31), w.PayoutAmount)
	}
	assert.Equal(t, int64(93), calc.TotalPayout)
	assert.Equal(t, int64(1), calc.RoundingResidual)
	assert.LessOrEqual(t, calc.RoundingResidual, int64(calc.Summary.WinnerCount))
	assert.True(t, calc.Checks.PoolFullyAccounted)
	assert.True(t, calc.Checks.WinSharesSumToOne)
}

func TestCalculate_PayoutsNeverExceedWinnerPool(t *testing.T) {
	stakes := []int64{7, 13, 1, 29, 3, 11, 17}
	var commitments []domain.PredictionCommitment
	var yes, no int64
	for i, s := range stakes {
		opt := "opt-a"
		if i%3 == 2 {
			opt = "opt-b"
			no += s
		} else {
			yes += s
		}
		commitments = append(commitments, commitOn(
			"c"+string(rune('a'+i)), "u"+string(rune('a'+i)), "m5", opt, s))
	}
	m := binaryMarket("m5", yes, no)

	for _, fee := range []string{"0.01", "0.025", "0.03", "0.05"} {
		calc, err := Calculate(m, commitments, "opt-a", pct(fee))
		require.NoError(t, err)
		assert.LessOrEqual(t, calc.TotalPayout, calc.WinnerPool, "fee %s", fee)
		assert.Equal(t, calc.TotalPool,
			calc.HouseFee+calc.CreatorFee+calc.TotalPayout+calc.RoundingResidual, "fee %s", fee)
		assert.True(t, calc.Checks.Passed(), "fee %s: %+v", fee, calc.Checks)
	}
}

func TestCalculate_LegacyAndMigratedRecordsAgree(t *testing.T) {
	m := binaryMarket("m6", 400, 600)

	legacy := []domain.PredictionCommitment{
		{ID: "c1", UserID: "u1", MarketID: "m6", Position: domain.PositionYes, TokensCommitted: 400},
		{ID: "c2", UserID: "u2", MarketID: "m6", Position: domain.PositionNo, TokensCommitted: 600},
	}
	migrated := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m6", "opt-a", 400),
		commitOn("c2", "u2", "m6", "opt-b", 600),
	}

	a, err := Calculate(m, legacy, "opt-a", pct("0.03"))
	require.NoError(t, err)
	b, err := Calculate(m, migrated, "opt-a", pct("0.03"))
	require.NoError(t, err)

	assert.Equal(t, domain.IdentifiedByPosition, a.Summary.Method)
	assert.Equal(t, domain.IdentifiedByOptionID, b.Summary.Method)
	require.Len(t, a.Commitments, 2)
	for i := range a.Commitments {
		assert.Equal(t, b.Commitments[i].IsWinner, a.Commitments[i].IsWinner)
		assert.Equal(t, b.Commitments[i].PayoutAmount, a.Commitments[i].PayoutAmount)
		assert.Equal(t, b.Commitments[i].OptionID, a.Commitments[i].OptionID)
	}
}

func TestCalculate_HybridConflictUsesOptionID(t *testing.T) {
	m := binaryMarket("m7", 100, 100)
	commitments := []domain.PredictionCommitment{
		{ID: "c1", UserID: "u1", MarketID: "m7", OptionID: "opt-b", Position: domain.PositionYes, TokensCommitted: 100},
		commitOn("c2", "u2", "m7", "opt-a", 100),
	}

	calc, err := Calculate(m, commitments, "opt-b", pct("0.01"))
	require.NoError(t, err)

	first := calc.Commitments[0]
	assert.True(t, first.IsWinner)
	assert.True(t, first.Conflict)
	assert.Equal(t, domain.IdentifiedByHybrid, first.Method)
	assert.Equal(t, 1, calc.Summary.ConflictCount)
	assert.False(t, calc.Checks.NoIdentificationConflicts)
	assert.Equal(t, domain.IdentifiedByHybrid, calc.Summary.Method)
	assert.NotEmpty(t, calc.Notes)
}

func TestCalculate_ZeroWinnersLeavesPoolUnclaimed(t *testing.T) {
	m := binaryMarket("m8", 0, 500)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m8", "opt-b", 500),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.02"))
	require.NoError(t, err)

	assert.Equal(t, 0, calc.Summary.WinnerCount)
	assert.Equal(t, int64(0), calc.TotalPayout)
	assert.Equal(t, calc.WinnerPool, calc.UnclaimedPool)
	assert.False(t, calc.Checks.HasWinners)
	assert.True(t, calc.Checks.PoolFullyAccounted)
	assert.True(t, calc.Checks.WinSharesSumToOne)
	assert.False(t, calc.Checks.Passed())
}

func TestCalculate_PoolMismatchIsReported(t *testing.T) {
	m := binaryMarket("m9", 999, 0)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m9", "opt-a", 100),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.01"))
	require.NoError(t, err)
	assert.False(t, calc.Checks.PoolMatchesMarket)
	assert.Equal(t, int64(999), calc.MarketRecordedPool)
}

func TestCalculate_UnknownOptionIsLoser(t *testing.T) {
	m := binaryMarket("m10", 100, 0)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m10", "opt-a", 100),
		commitOn("c2", "u2", "m10", "opt-gone", 50),
	}

	calc, err := Calculate(m, commitments, "opt-a", pct("0.01"))
	require.NoError(t, err)
	assert.False(t, calc.Commitments[1].IsWinner)
	assert.False(t, calc.Checks.AllOptionsKnown)
}

func TestCalculate_InputErrors(t *testing.T) {
	m := binaryMarket("m11", 100, 100)
	ok := []domain.PredictionCommitment{commitOn("c1", "u1", "m11", "opt-a", 100)}

	tests := []struct {
		name        string
		commitments []domain.PredictionCommitment
		winner      string
		fee         string
	}{
		{name: "unknown winning option", commitments: ok, winner: "opt-z", fee: "0.02"},
		{name: "creator fee below range", commitments: ok, winner: "opt-a", fee: "0.005"},
		{name: "creator fee above range", commitments: ok, winner: "opt-a", fee: "0.06"},
		{
			name:        "non-positive stake",
			commitments: []domain.PredictionCommitment{commitOn("c1", "u1", "m11", "opt-a", 0)},
			winner:      "opt-a",
			fee:         "0.02",
		},
		{
			name:        "foreign market",
			commitments: []domain.PredictionCommitment{commitOn("c1", "u1", "other", "opt-a", 10)},
			winner:      "opt-a",
			fee:         "0.02",
		},
		{
			name:        "no option reference",
			commitments: []domain.PredictionCommitment{{ID: "c1", UserID: "u1", MarketID: "m11", TokensCommitted: 10}},
			winner:      "opt-a",
			fee:         "0.02",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(m, tt.commitments, tt.winner, pct(tt.fee))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestCalculate_CreatorFeeBoundsAreInclusive(t *testing.T) {
	assert.NoError(t, ValidateCreatorFee(pct("0.01")))
	assert.NoError(t, ValidateCreatorFee(pct("0.05")))
	assert.NoError(t, ValidateCreatorFee(pct("0.0499999")))
	assert.ErrorIs(t, ValidateCreatorFee(pct("0.0500001")), domain.ErrInvalidInput)
}

func TestCalculate_IsDeterministic(t *testing.T) {
	m := binaryMarket("m12", 60, 40)
	commitments := []domain.PredictionCommitment{
		commitOn("c1", "u1", "m12", "opt-a", 10),
		{ID: "c2", UserID: "u2", MarketID: "m12", Position: domain.PositionYes, TokensCommitted: 20},
		{ID: "c3", UserID: "u3", MarketID: "m12", OptionID: "opt-a", Position: domain.PositionYes, TokensCommitted: 30},
		commitOn("c4", "u4", "m12", "opt-b", 40),
	}

	first, err := Calculate(m, commitments, "opt-a", pct("0.04"))
	require.NoError(t, err)
	second, err := Calculate(m, commitments, "opt-a", pct("0.04"))
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, domain.IdentifiedByHybrid, first.Summary.Method)
}
