package settlement

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

// Failure codes reported by the orchestrator.
const (
	CodeDistributionFailed = "DISTRIBUTION_FAILED"
	CodeAlreadyRolledBack  = "ALREADY_ROLLED_BACK"
	CodeRollbackFailed     = "ROLLBACK_FAILED"
)

// Error is a settlement failure. It unwraps to the underlying cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func distributionFailed(err error) *Error {
	return &Error{Code: CodeDistributionFailed, Message: err.Error(), Err: err}
}

func rollbackFailed(err error) *Error {
	if errors.Is(err, domain.ErrAlreadyRolledBack) {
		return &Error{Code: CodeAlreadyRolledBack, Message: err.Error(), Err: err}
	}
	return &Error{Code: CodeRollbackFailed, Message: err.Error(), Err: err}
}

// CodeOf returns the settlement code carried by err, or "" when err is not a
// settlement failure.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
