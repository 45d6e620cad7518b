package domain

import "time"

// UserBalance is the per-user token balance record. Version increases by
// exactly one on every successful mutation and guards conditional writes.
type UserBalance struct {
	UserID          string    `json:"userId"`
	AvailableTokens int64     `json:"availableTokens"`
	CommittedTokens int64     `json:"committedTokens"`
	TotalEarned     int64     `json:"totalEarned"`
	TotalSpent      int64     `json:"totalSpent"`
	LastUpdated     time.Time `json:"lastUpdated"`
	Version         int64     `json:"version"`
}

// CasWrite is a conditional balance write: NewValue is stored only if the
// stored version still equals ExpectedVersion. ExpectedVersion 0 against an
// absent record inserts it.
type CasWrite struct {
	UserID          string
	ExpectedVersion int64
	NewValue        UserBalance
}

// CasResult reports the outcome of a CasWrite. A conflict is a value, not an
// error, so retry policy stays visible at the call site.
type CasResult struct {
	Applied        bool
	CurrentVersion int64
}

// Conflict reports whether the write lost a version race.
func (r CasResult) Conflict() bool { return !r.Applied }

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TransactionTypePurchase     TransactionType = "purchase"
	TransactionTypeCommit       TransactionType = "commit"
	TransactionTypeWin          TransactionType = "win"
	TransactionTypeLoss         TransactionType = "loss"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypeLossReversal TransactionType = "loss_reversal"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeCommit, TransactionTypeWin,
		TransactionTypeLoss, TransactionTypeRefund, TransactionTypeLossReversal:
		return true
	}
	return false
}

// TransactionStatus tracks the lifecycle of a TokenTransaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// RecordFormat distinguishes the frozen legacy transaction shape from the
// enhanced one. Settlement writes both for every winner.
type RecordFormat string

const (
	RecordFormatLegacy   RecordFormat = "legacy"
	RecordFormatEnhanced RecordFormat = "enhanced"
)

// TokenTransaction is an immutable ledger log entry. Amount is signed.
type TokenTransaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balanceBefore"`
	BalanceAfter  int64             `json:"balanceAfter"`
	RelatedID     string            `json:"relatedId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Format        RecordFormat      `json:"format"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        TransactionStatus `json:"status"`
}
