package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Submission lifecycle
	ErrStillProcessing   = errors.New("submission still processing")
	ErrAlreadyTerminal   = errors.New("submission already finished")
	ErrImageUnavailable  = errors.New("submission image unavailable")
	ErrMalformedResponse = errors.New("malformed reasoning service response")

	// Queue and coordination
	ErrQueueEmpty      = errors.New("no task available")
	ErrLeaseNotHeld    = errors.New("processing lease not held")
	ErrLockNotAcquired = errors.New("lock not acquired")

	// Resilience
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrRateLimited = errors.New("rate limit exceeded")
)
