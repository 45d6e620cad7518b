package payout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

func threeWayMarket() domain.Market {
	return domain.Market{
		ID: "m3way",
		Options: []domain.MarketOption{
			{ID: "red"}, {ID: "green"}, {ID: "blue"},
		},
	}
}

func TestResolveOption_Methods(t *testing.T) {
	m := binaryMarket("m", 0, 0)

	tests := []struct {
		name       string
		c          domain.PredictionCommitment
		wantMethod domain.IdentificationMethod
		wantOption string
		conflict   bool
	}{
		{
			name:       "option id only",
			c:          domain.PredictionCommitment{ID: "c", OptionID: "opt-b"},
			wantMethod: domain.IdentifiedByOptionID,
			wantOption: "opt-b",
		},
		{
			name:       "legacy yes",
			c:          domain.PredictionCommitment{ID: "c", Position: domain.PositionYes},
			wantMethod: domain.IdentifiedByPosition,
			wantOption: "opt-a",
		},
		{
			name:       "legacy no",
			c:          domain.PredictionCommitment{ID: "c", Position: domain.PositionNo},
			wantMethod: domain.IdentifiedByPosition,
			wantOption: "opt-b",
		},
		{
			name:       "hybrid agreeing",
			c:          domain.PredictionCommitment{ID: "c", OptionID: "opt-b", Position: domain.PositionNo},
			wantMethod: domain.IdentifiedByHybrid,
			wantOption: "opt-b",
		},
		{
			name:       "hybrid disagreeing",
			c:          domain.PredictionCommitment{ID: "c", OptionID: "opt-a", Position: domain.PositionNo},
			wantMethod: domain.IdentifiedByHybrid,
			wantOption: "opt-a",
			conflict:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff, err := ResolveOption(tt.c, m)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, eff.DerivedFrom)
			assert.Equal(t, tt.wantOption, eff.OptionID)
			assert.Equal(t, tt.conflict, eff.Conflict)
			assert.True(t, eff.Known)
		})
	}
}

func TestResolveOption_LegacyNoOnMultiOptionMarket(t *testing.T) {
	m := threeWayMarket()

	eff, err := ResolveOption(domain.PredictionCommitment{ID: "c", Position: domain.PositionNo}, m)
	require.NoError(t, err)
	assert.True(t, eff.Complement)
	assert.False(t, eff.Matches("red", m))
	assert.True(t, eff.Matches("green", m))
	assert.True(t, eff.Matches("blue", m))

	hybrid, err := ResolveOption(domain.PredictionCommitment{ID: "c", OptionID: "red", Position: domain.PositionNo}, m)
	require.NoError(t, err)
	assert.True(t, hybrid.Conflict)

	hybrid, err = ResolveOption(domain.PredictionCommitment{ID: "c", OptionID: "blue", Position: domain.PositionNo}, m)
	require.NoError(t, err)
	assert.False(t, hybrid.Conflict)
}

func TestResolveOption_Errors(t *testing.T) {
	_, err := ResolveOption(domain.PredictionCommitment{ID: "c"}, binaryMarket("m", 0, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ResolveOption(domain.PredictionCommitment{ID: "c", Position: "maybe"}, binaryMarket("m", 0, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	single := domain.Market{ID: "m", Options: []domain.MarketOption{{ID: "only"}}}
	_, err = ResolveOption(domain.PredictionCommitment{ID: "c", Position: domain.PositionYes}, single)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResolveOption_UnknownOptionID(t *testing.T) {
	eff, err := ResolveOption(domain.PredictionCommitment{ID: "c", OptionID: "nope"}, binaryMarket("m", 0, 0))
	require.NoError(t, err)
	assert.False(t, eff.Known)
	assert.False(t, eff.Matches("opt-a", binaryMarket("m", 0, 0)))
}
