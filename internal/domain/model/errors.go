package model

import "errors"

// Error taxonomy shared across the core.
var (
	// ErrStoreUnavailable means the ranking store could not be reached; the
	// caller must not assume the operation applied.
	ErrStoreUnavailable = errors.New("ranking store unavailable")
	// ErrSinkRejected means the persistence sink declined a batch.
	ErrSinkRejected = errors.New("persistence sink rejected batch")
	// ErrOverflowWriteFailed means a dead-letter write failed and the batch
	// is lost.
	ErrOverflowWriteFailed = errors.New("overflow write failed")
	// ErrSubscriberUnreachable means a single subscriber send failed.
	ErrSubscriberUnreachable = errors.New("subscriber unreachable")
	// ErrValidationRejected means malformed content was detected internally.
	ErrValidationRejected = errors.New("validation rejected")
)
