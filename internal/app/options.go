package service

import (
	"time"

	"github.com/okian/scoreboard/internal/adapters/deadletter"
	"github.com/okian/scoreboard/internal/adapters/mq/batch"
	"github.com/okian/scoreboard/internal/adapters/repository"
	"github.com/okian/scoreboard/internal/domain/throttle"
	"github.com/okian/scoreboard/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the ranking store. The service closes it on Stop.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithThrottleState sets the shared throttle state.
func WithThrottleState(st throttle.StateStore) Option {
	return func(s *Service) {
		if st != nil {
			s.state = st
		}
	}
}

// WithEnricher sets the display-profile enricher.
func WithEnricher(e throttle.Enricher) Option {
	return func(s *Service) {
		if e != nil {
			s.enricher = e
		}
	}
}

// WithSink sets the persistence sink for score batches.
func WithSink(sink batch.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithDeadLetters sets the overflow store. The service closes it on Stop.
func WithDeadLetters(dl deadletter.Store) Option {
	return func(s *Service) {
		if dl != nil {
			s.deadLetters = dl
		}
	}
}

// WithWorkerCount sets the number of ingestion workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the ingestion queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many recent submissions are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithTopK sets the size of published snapshots.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithThrottleWindow sets the minimum time between two broadcasts.
func WithThrottleWindow(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.throttleWindow = d
		}
	}
}

// WithRefreshInterval sets how often a pending change is re-evaluated.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithBatchPolicy configures the persistence batch size and flush interval.
func WithBatchPolicy(size int, flushInterval time.Duration) Option {
	return func(s *Service) {
		if size > 0 {
			s.batchSize = size
		}
		if flushInterval > 0 {
			s.flushInterval = flushInterval
		}
	}
}

// WithRetryPolicy configures persistence retries.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(s *Service) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// WithBroadcastPolicy configures the heartbeat period and per-send timeout.
func WithBroadcastPolicy(heartbeat, sendTimeout time.Duration) Option {
	return func(s *Service) {
		if heartbeat > 0 {
			s.heartbeatInterval = heartbeat
		}
		if sendTimeout > 0 {
			s.sendTimeout = sendTimeout
		}
	}
}

// WithClock overrides the clock used for throttle decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
