// Package commitment validates token commitments against a market snapshot
// and a balance snapshot, captures the metadata stored with an accepted
// commitment, and re-checks stored commitments for arithmetic and timestamp
// integrity. Business-rule failures are returned as values, never as errors.
package commitment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tokenledger/internal/domain"
	"github.com/alanyoungcy/tokenledger/internal/payout"
)

// ErrorCode identifies a failed validation rule.
type ErrorCode string

const (
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeMarketNotActive     ErrorCode = "MARKET_NOT_ACTIVE"
	CodeMarketEnded         ErrorCode = "MARKET_ENDED"
	CodeAmountBelowMin      ErrorCode = "AMOUNT_BELOW_MIN"
	CodeAmountAboveMax      ErrorCode = "AMOUNT_ABOVE_MAX"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeOptionNotFound      ErrorCode = "OPTION_NOT_FOUND"
	CodeInvalidOdds         ErrorCode = "INVALID_ODDS"
)

// Limits are the platform-configured commitment bounds, inclusive.
type Limits struct {
	MinCommitment int64
	MaxCommitment int64
}

// DefaultLimits returns the bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{MinCommitment: 1, MaxCommitment: 100_000}
}

// Request is a proposed commitment. OptionID is preferred; Position is
// accepted from legacy binary clients.
type Request struct {
	UserID         string          `json:"userId"`
	MarketID       string          `json:"marketId"`
	OptionID       string          `json:"optionId,omitempty"`
	Position       domain.Position `json:"position,omitempty"`
	TokensToCommit int64           `json:"tokensToCommit"`
}

// ValidationError is one failed rule.
type ValidationError struct {
	Code    ErrorCode `json:"code"`
	Field   string    `json:"field"`
	Message string    `json:"message"`
}

// ValidationResult collects every failed rule.
type ValidationResult struct {
	IsValid bool              `json:"isValid"`
	Errors  []ValidationError `json:"errors"`
}

// Has reports whether the result contains code.
func (r ValidationResult) Has(code ErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func (r *ValidationResult) add(code ErrorCode, field, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{
		Code:    code,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validator checks commitment requests. It holds no mutable state.
type Validator struct {
	limits Limits
	clock  domain.Clock
}

// NewValidator creates a Validator. A nil clock falls back to the system
// clock.
func NewValidator(limits Limits, clock domain.Clock) *Validator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Validator{limits: limits, clock: clock}
}

// Limits returns the configured bounds.
func (v *Validator) Limits() Limits { return v.limits }

// Validate decides whether req may be accepted against the given snapshots.
// Rules are evaluated in a fixed order and every failure is collected.
func (v *Validator) Validate(req Request, balance domain.UserBalance, market domain.Market) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(req.UserID) == "" {
		res.add(CodeInvalidInput, "userId", "user id is required")
	}
	if strings.TrimSpace(req.MarketID) == "" {
		res.add(CodeInvalidInput, "marketId", "market id is required")
	} else if req.MarketID != market.ID {
		res.add(CodeInvalidInput, "marketId", "request market %s does not match market %s", req.MarketID, market.ID)
	}
	if req.TokensToCommit <= 0 {
		res.add(CodeInvalidInput, "tokensToCommit", "tokens to commit must be positive, got %d", req.TokensToCommit)
	}

	if !market.Status.AcceptsCommitments() {
		res.add(CodeMarketNotActive, "market.status", "market is %s, commitments are not accepted", market.Status)
	}
	if now := v.clock.Now(); !market.EndsAt.After(now) {
		res.add(CodeMarketEnded, "market.endsAt", "market ended at %s", market.EndsAt.UTC().Format("2006-01-02T15:04:05Z"))
	}

	if req.TokensToCommit > 0 {
		if req.TokensToCommit < v.limits.MinCommitment {
			res.add(CodeAmountBelowMin, "tokensToCommit", "minimum commitment is %d tokens", v.limits.MinCommitment)
		}
		if req.TokensToCommit > v.limits.MaxCommitment {
			res.add(CodeAmountAboveMax, "tokensToCommit", "maximum commitment is %d tokens", v.limits.MaxCommitment)
		}
		if balance.AvailableTokens < req.TokensToCommit {
			res.add(CodeInsufficientBalance, "tokensToCommit",
				"insufficient balance: available %d, required %d", balance.AvailableTokens, req.TokensToCommit)
		}
	}

	if opt, ok := v.checkOption(&res, req, market); ok && !opt.Odds.IsPositive() {
		res.add(CodeInvalidOdds, "optionId", "option %s has non-positive odds %s", opt.ID, opt.Odds.String())
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// checkOption records option errors on res and returns the selected option
// when one can be determined.
func (v *Validator) checkOption(res *ValidationResult, req Request, market domain.Market) (domain.MarketOption, bool) {
	if req.OptionID == "" && req.Position == "" {
		res.add(CodeInvalidInput, "optionId", "option id or position is required")
		return domain.MarketOption{}, false
	}
	opt, err := SelectedOption(req, market)
	if err != nil {
		res.add(CodeOptionNotFound, "optionId", "%s", err.Error())
		return domain.MarketOption{}, false
	}
	return opt, true
}

// SelectedOption returns the market option req refers to. A legacy "no" is
// only accepted on a binary market, and a request naming both an option id
// and a disagreeing position is rejected.
func SelectedOption(req Request, market domain.Market) (domain.MarketOption, error) {
	eff, err := payout.ResolveOption(domain.PredictionCommitment{
		ID:       "request",
		MarketID: req.MarketID,
		OptionID: req.OptionID,
		Position: req.Position,
	}, market)
	if err != nil {
		return domain.MarketOption{}, fmt.Errorf("commitment: %w", err)
	}
	switch {
	case eff.Complement:
		return domain.MarketOption{}, fmt.Errorf("commitment: position %q is ambiguous on a market with %d options: %w",
			req.Position, len(market.Options), domain.ErrInvalidInput)
	case eff.Conflict:
		return domain.MarketOption{}, fmt.Errorf("commitment: position %q disagrees with option %s: %w",
			req.Position, req.OptionID, domain.ErrInvalidInput)
	}
	opt, ok := market.Option(eff.OptionID)
	if !ok {
		return domain.MarketOption{}, fmt.Errorf("commitment: option %s is not on market %s: %w",
			eff.OptionID, market.ID, domain.ErrNotFound)
	}
	return opt, nil
}

// potentialWinning is tokens x odds, exact.
func potentialWinning(tokens int64, odds decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(odds)
}
