package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BalanceStore persists user balances. Writes are conditional on version.
type BalanceStore interface {
	Get(ctx context.Context, userID string) (UserBalance, error)
	// Create inserts a zeroed record and fails with ErrAlreadyExists when
	// one is present.
	Create(ctx context.Context, balance UserBalance) error
	WriteIfVersion(ctx context.Context, w CasWrite) (CasResult, error)
}

// TransactionStore is the append-only token transaction log.
type TransactionStore interface {
	Append(ctx context.Context, tx TokenTransaction) error
	GetByID(ctx context.Context, id string) (TokenTransaction, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]TokenTransaction, error)
}

// CommitmentStore persists prediction commitments.
type CommitmentStore interface {
	Create(ctx context.Context, c PredictionCommitment) error
	GetByID(ctx context.Context, id string) (PredictionCommitment, error)
	ListByMarket(ctx context.Context, marketID string, status CommitmentStatus) ([]PredictionCommitment, error)
	List(ctx context.Context, opts ListOpts) ([]PredictionCommitment, error)
	UpdateStatus(ctx context.Context, id string, status CommitmentStatus, resolvedAt *time.Time) error
}

// DistributionStore persists payout distribution records. Create fails with
// ErrAlreadyExists when the market already has a completed distribution.
type DistributionStore interface {
	Create(ctx context.Context, d PayoutDistribution) error
	GetByID(ctx context.Context, id string) (PayoutDistribution, error)
	GetByMarket(ctx context.Context, marketID string) (PayoutDistribution, error)
	// MarkRolledBack flips a completed distribution to rolled_back and fails
	// with ErrAlreadyRolledBack when it is not completed.
	MarkRolledBack(ctx context.Context, id, by, reason string, at time.Time) error
}

// ResolutionStore persists market resolutions.
type ResolutionStore interface {
	Create(ctx context.Context, r MarketResolution) error
	GetByMarket(ctx context.Context, marketID string) (MarketResolution, error)
	UpdateStatus(ctx context.Context, marketID string, status ResolutionStatus) error
}

// Tx exposes the record stores bound to one atomic unit of work.
type Tx interface {
	Balances() BalanceStore
	Transactions() TransactionStore
	Commitments() CommitmentStore
	Distributions() DistributionStore
	Resolutions() ResolutionStore
}

// Store is the transactional store. RunInTx commits when fn returns nil and
// discards every write otherwise; readers never observe a partial unit.
type Store interface {
	Tx
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// MarketProvider supplies read-only market snapshots.
type MarketProvider interface {
	GetMarket(ctx context.Context, id string) (Market, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Clock is the timestamp source for committedAt, resolvedAt and lastUpdated.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
