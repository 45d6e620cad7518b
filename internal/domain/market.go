package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusDraft    MarketStatus = "draft"
	MarketStatusActive   MarketStatus = "active"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
	MarketStatusCanceled MarketStatus = "cancelled"
)

// AcceptsCommitments reports whether new commitments may be placed.
func (s MarketStatus) AcceptsCommitments() bool {
	return s == MarketStatusActive
}

// MarketOption is one outcome of a market. Options are ordered; the first
// option is the legacy "yes" side.
type MarketOption struct {
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	TotalTokens      int64           `json:"totalTokens"`
	ParticipantCount int             `json:"participantCount"`
	Odds             decimal.Decimal `json:"odds"`
}

// Market is a read-only snapshot of a prediction market as provided by the
// market collaborator.
type Market struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatorID string         `json:"creatorId"`
	Status    MarketStatus   `json:"status"`
	EndsAt    time.Time      `json:"endsAt"`
	Options   []MarketOption `json:"options"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TotalTokens is the market's recorded pool: the sum of every option total.
func (m Market) TotalTokens() int64 {
	var total int64
	for _, o := range m.Options {
		total += o.TotalTokens
	}
	return total
}

// Option returns the option with the given id.
func (m Market) Option(id string) (MarketOption, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o, true
		}
	}
	return MarketOption{}, false
}

// OptionIndex returns the position of the option in the market ordering, or
// -1 when it is not present.
func (m Market) OptionIndex(id string) int {
	for i, o := range m.Options {
		if o.ID == id {
			return i
		}
	}
	return -1
}
