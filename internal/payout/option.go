package payout

import (
	"fmt"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// EffectiveOption is the outcome a commitment backs, resolved once from the
// canonical OptionID and the legacy Position.
type EffectiveOption struct {
	DerivedFrom domain.IdentificationMethod
	OptionID    string
	// Complement marks a legacy "no" on a market with more than two options.
	// It backs every option except the first.
	Complement bool
	// Conflict marks a hybrid record whose Position disagrees with its
	// OptionID. OptionID wins.
	Conflict bool
	// Known is false when OptionID is not one of the market's options.
	Known bool
}

// Matches reports whether the effective option is the winning option.
func (e EffectiveOption) Matches(winningOptionID string, m domain.Market) bool {
	if e.Complement {
		return len(m.Options) > 0 && winningOptionID != m.Options[0].ID
	}
	return e.OptionID == winningOptionID
}

// ResolveOption derives the effective option of c on market m. The first
// market option is the legacy "yes" side and every other option is "no".
func ResolveOption(c domain.PredictionCommitment, m domain.Market) (EffectiveOption, error) {
	hasOption := c.OptionID != ""
	hasPosition := c.Position != ""

	switch {
	case hasOption && !hasPosition:
		return EffectiveOption{
			DerivedFrom: domain.IdentifiedByOptionID,
			OptionID:    c.OptionID,
			Known:       m.OptionIndex(c.OptionID) >= 0,
		}, nil

	case !hasOption && hasPosition:
		id, complement, err := optionForPosition(c.Position, m)
		if err != nil {
			return EffectiveOption{}, fmt.Errorf("payout: commitment %s: %w", c.ID, err)
		}
		return EffectiveOption{
			DerivedFrom: domain.IdentifiedByPosition,
			OptionID:    id,
			Complement:  complement,
			Known:       true,
		}, nil

	case hasOption && hasPosition:
		eff := EffectiveOption{
			DerivedFrom: domain.IdentifiedByHybrid,
			OptionID:    c.OptionID,
			Known:       m.OptionIndex(c.OptionID) >= 0,
		}
		id, complement, err := optionForPosition(c.Position, m)
		switch {
		case err != nil:
			eff.Conflict = true
		case complement:
			eff.Conflict = c.OptionID == m.Options[0].ID
		default:
			eff.Conflict = c.OptionID != id
		}
		return eff, nil
	}

	return EffectiveOption{}, fmt.Errorf("payout: commitment %s has neither option id nor position: %w",
		c.ID, domain.ErrInvalidInput)
}

func optionForPosition(p domain.Position, m domain.Market) (id string, complement bool, err error) {
	if !p.Valid() {
		return "", false, fmt.Errorf("unknown position %q: %w", p, domain.ErrInvalidInput)
	}
	if len(m.Options) < 2 {
		return "", false, fmt.Errorf("market %s has %d options, legacy position needs two: %w",
			m.ID, len(m.Options), domain.ErrInvalidInput)
	}
	if p == domain.PositionYes {
		return m.Options[0].ID, false, nil
	}
	if len(m.Options) == 2 {
		return m.Options[1].ID, false, nil
	}
	return "", true, nil
}
