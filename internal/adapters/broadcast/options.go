package broadcast

import (
	"time"

	"github.com/okian/scoreboard/pkg/logger"
)

// Option configures a Hub.
type Option func(*Hub)

// WithSendTimeout bounds each subscriber send.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the period of the heartbeat loop started by Run.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// WithParallelism bounds concurrent sends within one fan-out.
func WithParallelism(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.parallelism = n
		}
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}
