// Package ledger owns user token balances. Every mutation is a version-checked
// write paired with an immutable transaction record in the same store
// transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// Config tunes the optimistic retry loop.
type Config struct {
	// MaxRetries is the number of extra attempts after a version conflict.
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, RetryBackoff: 10 * time.Millisecond}
}

// Applied is the outcome of one successful mutation.
type Applied struct {
	Before      domain.UserBalance
	Balance     domain.UserBalance
	Transaction domain.TokenTransaction
}

// SufficiencyCheck is the structured answer of ValidateSufficientBalance.
type SufficiencyCheck struct {
	UserID     string `json:"userId"`
	Required   int64  `json:"required"`
	Available  int64  `json:"available"`
	Sufficient bool   `json:"sufficient"`
	Shortfall  int64  `json:"shortfall"`
	Message    string `json:"message"`
}

// Observer is told the outcome of every Execute call. attempts counts store
// transactions tried; err is nil on success.
type Observer interface {
	ObserveMutation(txType domain.TransactionType, attempts int, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveMutation(domain.TransactionType, int, error) {}

// Ledger applies balance mutations against a domain.Store.
type Ledger struct {
	store    domain.Store
	clock    domain.Clock
	cfg      Config
	observer Observer
	logger   *slog.Logger
}

// New creates a Ledger. A nil clock falls back to the system clock.
func New(store domain.Store, clock domain.Clock, cfg Config, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Ledger{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// SetObserver installs o. It must be called before the ledger is shared.
func (l *Ledger) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	l.observer = o
}

// GetUserBalance returns the stored balance, or an error wrapping
// domain.ErrNotFound when the user has none.
func (l *Ledger) GetUserBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UserBalance{}, fmt.Errorf("ledger: user id is required: %w", domain.ErrInvalidInput)
	}
	b, err := l.store.Balances().Get(ctx, userID)
	if err != nil {
		return domain.UserBalance{}, fmt.Errorf("ledger: get balance %s: %w", userID, err)
	}
	return b, nil
}

// CreateInitialBalance stores a zeroed balance at version 1. It fails with
// domain.ErrAlreadyExists when the user already has a record.
func (l *Ledger) CreateInitialBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UserBalance{}, fmt.Errorf("ledger: user id is required: %w", domain.ErrInvalidInput)
	}
	b := domain.UserBalance{
		UserID:      userID,
		LastUpdated: l.clock.Now(),
		Version:     1,
	}
	if err := l.store.Balances().Create(ctx, b); err != nil {
		return domain.UserBalance{}, fmt.Errorf("ledger: create balance %s: %w", userID, err)
	}
	l.logger.Info("balance created", slog.String("user_id", userID))
	return b, nil
}

// Option customises an UpdateAtomic call.
type Option func(*Mutation)

// WithRelatedID links the transaction to a market or commitment.
func WithRelatedID(id string) Option {
	return func(m *Mutation) { m.RelatedID = id }
}

// WithMetadata attaches free-form metadata to the transaction record.
func WithMetadata(md map[string]string) Option {
	return func(m *Mutation) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// WithCommittedRelease releases n committed tokens alongside a win or refund.
func WithCommittedRelease(n int64) Option {
	return func(m *Mutation) { m.Release = n }
}

// WithTransactionID fixes the id of the resulting transaction record.
func WithTransactionID(id string) Option {
	return func(m *Mutation) { m.TransactionID = id }
}

// UpdateAtomic applies one signed mutation to userID's balance. A missing
// balance is created lazily. Version conflicts are retried up to
// Config.MaxRetries times with linear backoff, after which an error wrapping
// domain.ErrConcurrentModification is returned.
func (l *Ledger) UpdateAtomic(
	ctx context.Context,
	userID string,
	amount int64,
	txType domain.TransactionType,
	opts ...Option,
) (domain.UserBalance, error) {
	m := Mutation{UserID: userID, Amount: amount, Type: txType}
	for _, opt := range opts {
		opt(&m)
	}
	applied, err := l.Execute(ctx, m)
	if err != nil {
		return domain.UserBalance{}, err
	}
	return applied.Balance, nil
}

// Execute runs m in its own store transaction with the retry policy and
// returns the full outcome including the transaction record.
func (l *Ledger) Execute(ctx context.Context, m Mutation) (Applied, error) {
	if err := m.validate(); err != nil {
		return Applied{}, err
	}

	attempts := l.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		var applied Applied
		err := l.store.RunInTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			applied, err = l.Apply(ctx, tx, m)
			return err
		})
		if err == nil {
			l.logger.Debug("balance updated",
				slog.String("user_id", m.UserID),
				slog.String("type", string(m.Type)),
				slog.Int64("amount", m.Amount),
				slog.Int64("version", applied.Balance.Version),
				slog.Int("attempt", attempt),
			)
			l.observer.ObserveMutation(m.Type, attempt, nil)
			return applied, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			l.observer.ObserveMutation(m.Type, attempt, err)
			return Applied{}, err
		}
		if attempt >= attempts {
			l.logger.Warn("balance update retries exhausted",
				slog.String("user_id", m.UserID),
				slog.String("type", string(m.Type)),
				slog.Int("attempts", attempt),
			)
			err = fmt.Errorf("ledger: update %s gave up after %d attempts: %w",
				m.UserID, attempt, domain.ErrConcurrentModification)
			l.observer.ObserveMutation(m.Type, attempt, err)
			return Applied{}, err
		}

		l.logger.Debug("balance version conflict, retrying",
			slog.String("user_id", m.UserID),
			slog.Int("attempt", attempt),
		)
		if err := sleep(ctx, l.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
			return Applied{}, fmt.Errorf("ledger: update %s: %w", m.UserID, err)
		}
	}
}

// Apply performs a single attempt of m inside the caller's transaction. It
// does not retry: a lost version race is returned as an error wrapping
// domain.ErrConcurrentModification and the caller's transaction should be
// abandoned.
func (l *Ledger) Apply(ctx context.Context, tx domain.Tx, m Mutation) (Applied, error) {
	if err := m.validate(); err != nil {
		return Applied{}, err
	}

	current, err := tx.Balances().Get(ctx, m.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		current = domain.UserBalance{UserID: m.UserID}
	case err != nil:
		return Applied{}, fmt.Errorf("ledger: read balance %s: %w", m.UserID, err)
	}

	now := l.clock.Now()
	next, err := Transition(current, m, now)
	if err != nil {
		return Applied{}, err
	}

	res, err := tx.Balances().WriteIfVersion(ctx, domain.CasWrite{
		UserID:          m.UserID,
		ExpectedVersion: current.Version,
		NewValue:        next,
	})
	if err != nil {
		return Applied{}, fmt.Errorf("ledger: write balance %s: %w", m.UserID, err)
	}
	if res.Conflict() {
		return Applied{}, fmt.Errorf("ledger: balance %s expected version %d, found %d: %w",
			m.UserID, current.Version, res.CurrentVersion, domain.ErrConcurrentModification)
	}

	record := domain.TokenTransaction{
		ID:            m.TransactionID,
		UserID:        m.UserID,
		Type:          m.Type,
		Amount:        m.Amount,
		BalanceBefore: current.AvailableTokens,
		BalanceAfter:  next.AvailableTokens,
		RelatedID:     m.RelatedID,
		Metadata:      m.Metadata,
		Format:        m.Format,
		Timestamp:     now,
		Status:        domain.TransactionStatusCompleted,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Format == "" {
		record.Format = domain.RecordFormatEnhanced
	}
	if err := tx.Transactions().Append(ctx, record); err != nil {
		return Applied{}, fmt.Errorf("ledger: append transaction for %s: %w", m.UserID, err)
	}

	return Applied{Before: current, Balance: next, Transaction: record}, nil
}

// ValidateSufficientBalance reports whether userID can cover required tokens.
// A user without a balance record has zero available tokens.
func (l *Ledger) ValidateSufficientBalance(ctx context.Context, userID string, required int64) (SufficiencyCheck, error) {
	if strings.TrimSpace(userID) == "" {
		return SufficiencyCheck{}, fmt.Errorf("ledger: user id is required: %w", domain.ErrInvalidInput)
	}
	if required <= 0 {
		return SufficiencyCheck{}, fmt.Errorf("ledger: required amount must be positive, got %d: %w",
			required, domain.ErrInvalidInput)
	}

	check := SufficiencyCheck{UserID: userID, Required: required}
	b, err := l.store.Balances().Get(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return SufficiencyCheck{}, fmt.Errorf("ledger: get balance %s: %w", userID, err)
	default:
		check.Available = b.AvailableTokens
	}

	check.Sufficient = check.Available >= required
	if check.Sufficient {
		check.Message = fmt.Sprintf("available %d covers required %d", check.Available, required)
	} else {
		check.Shortfall = required - check.Available
		check.Message = fmt.Sprintf("insufficient balance: available %d, required %d", check.Available, required)
	}
	return check, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
