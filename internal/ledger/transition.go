package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// Mutation describes one balance change. Amount is signed and recorded as-is
// on the resulting transaction.
type Mutation struct {
	UserID    string
	Amount    int64
	Type      domain.TransactionType
	RelatedID string
	Metadata  map[string]string

	// Release is subtracted from committed tokens by win and refund
	// mutations. A negative value re-locks tokens.
	Release int64

	// TransactionID overrides the generated transaction id.
	TransactionID string
	Format        domain.RecordFormat
}

func (m Mutation) validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("ledger: user id is required: %w", domain.ErrInvalidInput)
	}
	if m.Amount == 0 {
		return fmt.Errorf("ledger: amount must be non-zero: %w", domain.ErrInvalidInput)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("ledger: unknown transaction type %q: %w", m.Type, domain.ErrInvalidInput)
	}

	switch m.Type {
	case domain.TransactionTypePurchase, domain.TransactionTypeCommit,
		domain.TransactionTypeWin, domain.TransactionTypeLossReversal:
		if m.Amount < 0 {
			return fmt.Errorf("ledger: %s amount must be positive, got %d: %w", m.Type, m.Amount, domain.ErrInvalidInput)
		}
	case domain.TransactionTypeLoss:
		if m.Amount > 0 {
			return fmt.Errorf("ledger: loss amount must be negative, got %d: %w", m.Amount, domain.ErrInvalidInput)
		}
	}
	if m.Release != 0 && m.Type != domain.TransactionTypeWin && m.Type != domain.TransactionTypeRefund {
		return fmt.Errorf("ledger: committed release is not allowed on %s: %w", m.Type, domain.ErrInvalidInput)
	}
	return nil
}

// Transition computes the balance that results from applying m to b. It does
// not touch Version beyond the increment and never returns a balance with
// negative available or committed tokens.
//
//	type          available  committed   earned  spent
//	purchase      +a                      +a
//	commit        -a         +a                   +a
//	win           +a         -release     +a
//	loss                     -|a|
//	refund        +a         -release             +|a| when a < 0
//	loss_reversal            +a
//
// earned and spent are lifetime counters and never decrease. A negative
// refund (a settlement rollback clawing back a payout) therefore leaves the
// payout in earned and adds it to spent; net lifetime flow is earned - spent.
func Transition(b domain.UserBalance, m Mutation, now time.Time) (domain.UserBalance, error) {
	if err := m.validate(); err != nil {
		return domain.UserBalance{}, err
	}

	next := b
	next.UserID = m.UserID
	a := m.Amount

	switch m.Type {
	case domain.TransactionTypePurchase:
		next.AvailableTokens += a
		next.TotalEarned += a
	case domain.TransactionTypeCommit:
		next.AvailableTokens -= a
		next.CommittedTokens += a
		next.TotalSpent += a
	case domain.TransactionTypeWin:
		next.AvailableTokens += a
		next.CommittedTokens -= m.Release
		next.TotalEarned += a
	case domain.TransactionTypeLoss:
		next.CommittedTokens += a
	case domain.TransactionTypeRefund:
		next.AvailableTokens += a
		next.CommittedTokens -= m.Release
		if a < 0 {
			next.TotalSpent -= a
		}
	case domain.TransactionTypeLossReversal:
		next.CommittedTokens += a
	}

	if next.AvailableTokens < 0 {
		return domain.UserBalance{}, fmt.Errorf("ledger: %s of %d for user %s: have=%d, need=%d: %w",
			m.Type, a, m.UserID, b.AvailableTokens, b.AvailableTokens-next.AvailableTokens, domain.ErrInsufficientBalance)
	}
	if next.CommittedTokens < 0 {
		return domain.UserBalance{}, fmt.Errorf("ledger: %s of %d for user %s leaves committed=%d: %w",
			m.Type, a, m.UserID, next.CommittedTokens, domain.ErrInsufficientBalance)
	}

	next.Version = b.Version + 1
	next.LastUpdated = now
	return next, nil
}
