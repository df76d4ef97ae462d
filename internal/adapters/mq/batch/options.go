package batch

import (
	"time"

	"github.com/okian/scoreboard/pkg/logger"
)

// Option applies a configuration option to the Queue.
type Option func(*Queue)

// WithThreshold sets the batch size that triggers an automatic flush.
func WithThreshold(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.threshold = n
		}
	}
}

// WithMaxRetries sets the number of sink attempts per batch.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithRetryDelay sets the delay before the second attempt. Later delays
// double.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retryDelay = d
		}
	}
}

// WithAttemptTimeout bounds each sink call and the overflow write.
func WithAttemptTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.attemptTimeout = d
		}
	}
}

// WithFlushInterval sets how often a sub-threshold batch is flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.flushInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}
