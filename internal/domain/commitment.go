package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the legacy binary side of a commitment.
type Position string

const (
	PositionYes Position = "yes"
	PositionNo  Position = "no"
)

// Valid reports whether p is a recognised legacy side.
func (p Position) Valid() bool {
	return p == PositionYes || p == PositionNo
}

// CommitmentStatus tracks a commitment through settlement.
type CommitmentStatus string

const (
	CommitmentStatusActive   CommitmentStatus = "active"
	CommitmentStatusWon      CommitmentStatus = "won"
	CommitmentStatusLost     CommitmentStatus = "lost"
	CommitmentStatusRefunded CommitmentStatus = "refunded"
)

// OptionSnapshot captures one market option at commit time.
type OptionSnapshot struct {
	OptionID         string          `json:"optionId"`
	Text             string          `json:"text"`
	Odds             decimal.Decimal `json:"odds"`
	TotalTokens      int64           `json:"totalTokens"`
	ParticipantCount int             `json:"participantCount"`
}

// ClientInfo describes where a commitment came from.
type ClientInfo struct {
	Source    string `json:"source"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// CommitmentMetadata is the immutable snapshot stored with a commitment.
type CommitmentMetadata struct {
	MarketStatus               MarketStatus     `json:"marketStatus"`
	MarketTitle                string           `json:"marketTitle"`
	MarketEndsAt               time.Time        `json:"marketEndsAt"`
	MarketTotalTokens          int64            `json:"marketTotalTokens"`
	Options                    []OptionSnapshot `json:"options"`
	SelectedOptionID           string           `json:"selectedOptionId"`
	SelectedOdds               decimal.Decimal  `json:"selectedOdds"`
	UserAvailableAtCommit      int64            `json:"userAvailableAtCommit"`
	UserCommittedAtCommit      int64            `json:"userCommittedAtCommit"`
	UserBalanceVersionAtCommit int64            `json:"userBalanceVersionAtCommit"`
	Source                     string           `json:"source"`
	Client                     *ClientInfo      `json:"client,omitempty"`
	CapturedAt                 time.Time        `json:"capturedAt"`
}

// PredictionCommitment is a user's stake on a market outcome. OptionID is the
// canonical reference; Position is the legacy binary side and may be empty on
// migrated records.
type PredictionCommitment struct {
	ID               string             `json:"id"`
	UserID           string             `json:"userId"`
	MarketID         string             `json:"marketId"`
	OptionID         string             `json:"optionId,omitempty"`
	Position         Position           `json:"position,omitempty"`
	TokensCommitted  int64              `json:"tokensCommitted"`
	Odds             decimal.Decimal    `json:"odds"`
	PotentialWinning decimal.Decimal    `json:"potentialWinning"`
	Status           CommitmentStatus   `json:"status"`
	CommittedAt      time.Time          `json:"committedAt"`
	ResolvedAt       *time.Time         `json:"resolvedAt,omitempty"`
	Metadata         CommitmentMetadata `json:"metadata"`
}
