package broadcast

import "errors"

var (
	// ErrHubClosed is returned by Register after Shutdown.
	ErrHubClosed = errors.New("broadcast hub closed")
	// ErrUnknownMessageKind is returned when a message has no known type.
	ErrUnknownMessageKind = errors.New("unknown message kind")
)
