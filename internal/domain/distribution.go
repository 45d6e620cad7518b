package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResolutionStatus tracks a market resolution.
type ResolutionStatus string

const (
	ResolutionStatusCompleted  ResolutionStatus = "completed"
	ResolutionStatusRolledBack ResolutionStatus = "rolled_back"
)

// MarketResolution records the outcome of one market. It is written once at
// settlement; only Status changes afterwards.
type MarketResolution struct {
	MarketID         string           `json:"marketId"`
	WinningOptionID  string           `json:"winningOptionId"`
	ResolvedBy       string           `json:"resolvedBy"`
	ResolvedAt       time.Time        `json:"resolvedAt"`
	Evidence         []string         `json:"evidence"`
	TotalPayout      int64            `json:"totalPayout"`
	WinnerCount      int              `json:"winnerCount"`
	CreatorFeeAmount int64            `json:"creatorFeeAmount"`
	HouseFeeAmount   int64            `json:"houseFeeAmount"`
	Status           ResolutionStatus `json:"status"`
}

// IdentificationMethod names how a commitment's effective option was derived.
type IdentificationMethod string

const (
	IdentifiedByPosition IdentificationMethod = "position"
	IdentifiedByOptionID IdentificationMethod = "optionId"
	IdentifiedByHybrid   IdentificationMethod = "hybrid"
)

// DistributionStatus tracks a payout distribution.
type DistributionStatus string

const (
	DistributionStatusCompleted  DistributionStatus = "completed"
	DistributionStatusRolledBack DistributionStatus = "rolled_back"
)

// VerificationChecks are the audit booleans computed for a payout.
type VerificationChecks struct {
	PoolMatchesMarket         bool `json:"poolMatchesMarket"`
	PayoutsWithinWinnerPool   bool `json:"payoutsWithinWinnerPool"`
	PoolFullyAccounted        bool `json:"poolFullyAccounted"`
	WinSharesSumToOne         bool `json:"winSharesSumToOne"`
	AllCommitmentsClassified  bool `json:"allCommitmentsClassified"`
	AllOptionsKnown           bool `json:"allOptionsKnown"`
	NoIdentificationConflicts bool `json:"noIdentificationConflicts"`
	HasWinners                bool `json:"hasWinners"`
}

// Passed reports whether every check holds.
func (v VerificationChecks) Passed() bool {
	return v.PoolMatchesMarket && v.PayoutsWithinWinnerPool && v.PoolFullyAccounted &&
		v.WinSharesSumToOne && v.AllCommitmentsClassified && v.AllOptionsKnown &&
		v.NoIdentificationConflicts && v.HasWinners
}

// CommitmentPayout is the per-commitment line of a distribution.
type CommitmentPayout struct {
	CommitmentID    string               `json:"commitmentId"`
	UserID          string               `json:"userId"`
	OptionID        string               `json:"optionId"`
	Position        Position             `json:"position,omitempty"`
	TokensCommitted int64                `json:"tokensCommitted"`
	PayoutAmount    int64                `json:"payoutAmount"`
	Profit          int64                `json:"profit"`
	WinShare        decimal.Decimal      `json:"winShare"`
	IsWinner        bool                 `json:"isWinner"`
	Method          IdentificationMethod `json:"method"`
	Conflict        bool                 `json:"conflict,omitempty"`

	// Set by the settlement that applied this line.
	TransactionID       string          `json:"transactionId,omitempty"`
	LegacyTransactionID string          `json:"legacyTransactionId,omitempty"`
	TransactionType     TransactionType `json:"transactionType,omitempty"`
}

// AuditTrail documents how a distribution was computed.
type AuditTrail struct {
	Method             IdentificationMethod         `json:"method"`
	MethodCounts       map[IdentificationMethod]int `json:"methodCounts"`
	Checks             VerificationChecks           `json:"checks"`
	TransactionIDs     []string                     `json:"transactionIds"`
	MarketRecordedPool int64                        `json:"marketRecordedPool"`
	Notes              []string                     `json:"notes,omitempty"`
}

// PayoutDistribution is the audit record of one settlement run.
type PayoutDistribution struct {
	ID                   string             `json:"id"`
	MarketID             string             `json:"marketId"`
	WinningOptionID      string             `json:"winningOptionId"`
	TotalPool            int64              `json:"totalPool"`
	HouseFee             int64              `json:"houseFee"`
	CreatorFee           int64              `json:"creatorFee"`
	CreatorFeePercentage decimal.Decimal    `json:"creatorFeePercentage"`
	WinnerPool           int64              `json:"winnerPool"`
	TotalDistributed     int64              `json:"totalDistributed"`
	RoundingResidual     int64              `json:"roundingResidual"`
	Winners              []CommitmentPayout `json:"winners"`
	Losers               []CommitmentPayout `json:"losers"`
	AuditTrail           AuditTrail         `json:"auditTrail"`
	Status               DistributionStatus `json:"status"`
	DistributedBy        string             `json:"distributedBy"`
	CreatedAt            time.Time          `json:"createdAt"`
	RolledBackAt         *time.Time         `json:"rolledBackAt,omitempty"`
	RolledBackBy         string             `json:"rolledBackBy,omitempty"`
	RollbackReason       string             `json:"rollbackReason,omitempty"`
}
