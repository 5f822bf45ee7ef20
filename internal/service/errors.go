package service

import "errors"

var (
	// ErrInvalidDeposit rejects malformed input before any record is created
	ErrInvalidDeposit = errors.New("invalid deposit")

	// ErrUserNotFound marks a deposit whose owner no longer exists
	ErrUserNotFound = errors.New("user not found")

	// ErrMaxRetriesReached rejects retries once the budget is spent
	ErrMaxRetriesReached = errors.New("maximum retries reached")

	ErrDepositNotFound = errors.New("deposit not found")

	// ErrNotRetryable rejects manual retries of records that are completed,
	// credited or still mid-sweep
	ErrNotRetryable = errors.New("deposit is not retryable")
)
