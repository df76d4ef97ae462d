package batch

import "errors"

// Sentinel kinds for batch queue errors.
var (
	ErrClosed      = errors.New("batch queue closed")
	ErrNilSink     = errors.New("batch queue: nil sink")
	ErrNilOverflow = errors.New("batch queue: nil overflow store")

	errFlushBusy = errors.New("flush in progress")
)
