package throttle

import "errors"

// Sentinel kinds for throttle engine errors.
var (
	ErrNilStore = errors.New("throttle: nil ranking store")
	ErrNilState = errors.New("throttle: nil state store")
)
