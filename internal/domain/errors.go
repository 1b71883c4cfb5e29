package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch cannot be found in the database
	ErrBatchNotFound = errors.New("batch not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is
	// no longer pending (already claimed, cancelled, or unknown)
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrConflict is returned when a status transition is rejected by the
	// state machine, e.g. writing to a job already in a terminal state
	ErrConflict = errors.New("conflicting status transition")

	// ErrInvalidSpec is returned when a job input spec JSON is malformed
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrIdempotencyConflict is returned when another submission with the
	// same owner and idempotency key won the insert race
	ErrIdempotencyConflict = errors.New("idempotency key already used")

	// ErrCancelled signals that a handler observed a cancellation request at
	// a checkpoint and stopped cooperatively
	ErrCancelled = errors.New("cancelled by user")
)
