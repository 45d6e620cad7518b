package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAlreadyRolledBack      = errors.New("distribution already rolled back")
	ErrNoWinners              = errors.New("no winning commitments")
	ErrLockHeld               = errors.New("lock already held")
	ErrContextDone            = errors.New("context cancelled")
)
