package pipeline

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/payout"
	"github.com/alanyoungcy/tokenledger/internal/settlement"
)

// Action is the kind of settlement request.
type Action string

const (
	ActionDistribute Action = "distribute"
	ActionRollback   Action = "rollback"
	ActionPreview    Action = "preview"
)

// Request is one entry on the settlement request stream.
type Request struct {
	ID                   string          `json:"id"`
	Action               Action          `json:"action"`
	MarketID             string          `json:"marketId,omitempty"`
	WinningOptionID      string          `json:"winningOptionId,omitempty"`
	CreatorFeePercentage decimal.Decimal `json:"creatorFeePercentage"`
	DistributionID       string          `json:"distributionId,omitempty"`
	AdminID              string          `json:"adminId"`
	Reason               string          `json:"reason,omitempty"`
	Evidence             []string        `json:"evidence,omitempty"`
}

func (r Request) validate() error {
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.AdminID) == "" {
		missing = append(missing, "adminId")
	}
	switch r.Action {
	case ActionDistribute, ActionPreview:
		if r.MarketID == "" {
			missing = append(missing, "marketId")
		}
		if r.WinningOptionID == "" {
			missing = append(missing, "winningOptionId")
		}
	case ActionRollback:
		if r.DistributionID == "" {
			missing = append(missing, "distributionId")
		}
	default:
		return fmt.Errorf("unknown action %q: %w", r.Action, domain.ErrInvalidInput)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), domain.ErrInvalidInput)
	}
	return nil
}

// Status is the disposition of a processed request.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	// StatusDeferred means the request was not attempted (market locked or
	// rate limited) and may be resubmitted.
	StatusDeferred Status = "deferred"
)

// Outcome is appended to the outcome stream for every request.
type Outcome struct {
	RequestID    string                         `json:"requestId"`
	Action       Action                         `json:"action"`
	Status       Status                         `json:"status"`
	Code         string                         `json:"code,omitempty"`
	Error        string                         `json:"error,omitempty"`
	Distribution *settlement.DistributionResult `json:"distribution,omitempty"`
	Rollback     *settlement.RollbackResult     `json:"rollback,omitempty"`
	Preview      *payout.Calculation            `json:"preview,omitempty"`
}
