// Package batch accumulates accepted score events and flushes them to a
// persistence sink with bounded retries, moving batches that cannot be
// saved to an overflow store.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

const (
	defaultThreshold      = 100
	defaultMaxRetries     = 3
	defaultRetryDelay     = time.Second
	defaultAttemptTimeout = 5 * time.Second
	defaultFlushInterval  = 5 * time.Second
)

// Sink persists a batch as a unit.
type Sink interface {
	PersistBatch(ctx context.Context, batch []model.ScoreEvent) error
}

// Overflow receives batches that exhausted their retries.
type Overflow interface {
	Append(ctx context.Context, rec model.DeadLetterRecord) error
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending          int       `json:"pending"`
	FlushInProgress  bool      `json:"flush_in_progress"`
	Flushed          int64     `json:"flushed"`
	PersistedEntries int64     `json:"persisted_entries"`
	DeadLettered     int64     `json:"dead_lettered"`
	OverflowFailures int64     `json:"overflow_failures"`
	LastFlushAt      time.Time `json:"last_flush_at,omitzero"`
}

// Queue is the batch persistence queue. At most one flush is in flight;
// entries accepted meanwhile accumulate into the next batch.
type Queue struct {
	sink     Sink
	overflow Overflow

	threshold      int
	maxRetries     int
	retryDelay     time.Duration
	attemptTimeout time.Duration
	flushInterval  time.Duration
	logger         logger.Logger

	mu      sync.Mutex
	pending []model.ScoreEvent
	closed  bool

	// inflight holds a token while a flush owns a swapped-out batch.
	inflight chan struct{}

	flushed          atomic.Int64
	persistedEntries atomic.Int64
	deadLettered     atomic.Int64
	overflowFailures atomic.Int64
	lastFlush        atomic.Int64

	async     sync.WaitGroup
	loop      sync.WaitGroup
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a queue over a sink and an overflow store.
func New(sink Sink, overflow Overflow, opts ...Option) (*Queue, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if overflow == nil {
		return nil, ErrNilOverflow
	}
	q := &Queue{
		sink:           sink,
		overflow:       overflow,
		threshold:      defaultThreshold,
		maxRetries:     defaultMaxRetries,
		retryDelay:     defaultRetryDelay,
		attemptTimeout: defaultAttemptTimeout,
		flushInterval:  defaultFlushInterval,
		logger:         logger.Get().Named("batch"),
		inflight:       make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.pending = make([]model.ScoreEvent, 0, q.threshold)
	return q, nil
}

// Start runs the interval flush loop until Close.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.loop.Add(1)
		go q.run(context.WithoutCancel(ctx))
	})
}

func (q *Queue) run(ctx context.Context) {
	defer q.loop.Done()
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if err := q.Flush(ctx); err != nil {
				q.logger.Error(ctx, "interval flush failed", logger.Error(err))
			}
		}
	}
}

// Accept appends e to the current batch. Reaching the threshold hands the
// batch to a background flush; Accept never waits for the outcome.
func (q *Queue) Accept(ctx context.Context, e model.ScoreEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, e)
	var full []model.ScoreEvent
	if len(q.pending) >= q.threshold && q.tryAcquire() {
		full = q.swapLocked()
	}
	n := len(q.pending)
	q.mu.Unlock()

	metrics.UpdateBatchPending(n)
	if full != nil {
		q.async.Add(1)
		go func() {
			defer q.async.Done()
			q.flushChain(context.WithoutCancel(ctx), full)
		}()
	}
	return nil
}

// flushChain persists batch and keeps flushing while the next batch has
// already reached the threshold.
func (q *Queue) flushChain(ctx context.Context, batch []model.ScoreEvent) {
	for batch != nil {
		if err := q.persist(ctx, batch); err != nil {
			q.logger.Error(ctx, "background flush failed", logger.Error(err))
		}
		batch = nil
		q.mu.Lock()
		if len(q.pending) >= q.threshold && q.tryAcquire() {
			batch = q.swapLocked()
		}
		q.mu.Unlock()
	}
}

// Flush persists what is pending, at most threshold entries per batch.
// It is a no-op when nothing is pending or another flush is in flight.
func (q *Queue) Flush(ctx context.Context) error {
	return q.drain(ctx, func() error {
		if !q.tryAcquire() {
			return errFlushBusy
		}
		return nil
	})
}

// ForceFlush waits for an in-flight flush, then persists whatever is
// pending. Each wait is bounded by ctx.
func (q *Queue) ForceFlush(ctx context.Context) error {
	return q.drain(ctx, func() error {
		select {
		case q.inflight <- struct{}{}:
			metrics.SetBatchFlushInProgress(true)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for in-flight flush: %w", ctx.Err())
		}
	})
}

// drain persists the entries pending on entry in bounded batches. Entries
// accepted meanwhile are left for the next flush.
func (q *Queue) drain(ctx context.Context, acquire func() error) error {
	q.mu.Lock()
	rounds := (len(q.pending) + q.threshold - 1) / q.threshold
	q.mu.Unlock()

	var errs []error
	for i := 0; i < rounds || i == 0; i++ {
		if err := acquire(); err != nil {
			if errors.Is(err, errFlushBusy) {
				break
			}
			errs = append(errs, err)
			break
		}
		q.mu.Lock()
		batch := q.swapLocked()
		q.mu.Unlock()
		if batch == nil {
			q.release()
			break
		}
		if err := q.persist(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close rejects further entries, stops the interval loop and force-flushes.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })
	q.loop.Wait()

	err := q.ForceFlush(ctx)

	done := make(chan struct{})
	go func() {
		q.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("wait for background flushes: %w", ctx.Err())
		}
	}
	return err
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	s := Stats{
		Pending:          pending,
		FlushInProgress:  len(q.inflight) == 1,
		Flushed:          q.flushed.Load(),
		PersistedEntries: q.persistedEntries.Load(),
		DeadLettered:     q.deadLettered.Load(),
		OverflowFailures: q.overflowFailures.Load(),
	}
	if ns := q.lastFlush.Load(); ns != 0 {
		s.LastFlushAt = time.Unix(0, ns)
	}
	return s
}

func (q *Queue) tryAcquire() bool {
	select {
	case q.inflight <- struct{}{}:
		metrics.SetBatchFlushInProgress(true)
		return true
	default:
		return false
	}
}

func (q *Queue) release() {
	<-q.inflight
	metrics.SetBatchFlushInProgress(false)
}

// swapLocked hands up to threshold of the oldest pending entries to the
// caller. q.mu must be held.
func (q *Queue) swapLocked() []model.ScoreEvent {
	if len(q.pending) == 0 {
		return nil
	}
	n := min(len(q.pending), q.threshold)
	batch := q.pending[:n:n]
	rest := q.pending[n:]
	q.pending = make([]model.ScoreEvent, len(rest), max(q.threshold, len(rest)))
	copy(q.pending, rest)
	metrics.UpdateBatchPending(len(q.pending))
	return batch
}

func (q *Queue) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.retryDelay << q.maxRetries
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.maxRetries-1)), ctx)
}

// persist runs the retry loop for a batch it owns and releases the flush
// token when done. The batch resolves to persisted, dead-lettered or, when
// the overflow write fails, ErrOverflowWriteFailed.
func (q *Queue) persist(ctx context.Context, batch []model.ScoreEvent) error {
	defer q.release()
	start := time.Now()

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, q.attemptTimeout)
		defer cancel()
		if err := q.sink.PersistBatch(actx, batch); err != nil {
			lastErr = err
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordBatchRetry()
		q.logger.Warn(ctx, "persist batch failed, retrying",
			logger.Int("attempt", attempts),
			logger.Int("entries", len(batch)),
			logger.Duration("wait", wait),
			logger.Error(err))
	}

	err := backoff.RetryNotify(op, q.newBackOff(ctx), notify)
	q.lastFlush.Store(time.Now().UnixNano())
	elapsed := float64(time.Since(start).Milliseconds())
	if err == nil {
		q.flushed.Add(1)
		q.persistedEntries.Add(int64(len(batch)))
		metrics.RecordBatchFlush("persisted", elapsed)
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}

	rec := model.DeadLetterRecord{
		ID:           uuid.NewString(),
		RecordedAt:   time.Now().UTC(),
		Entries:      batch,
		AttemptCount: attempts,
		LastError:    lastErr.Error(),
	}
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.attemptTimeout)
	defer cancel()
	if oerr := q.overflow.Append(octx, rec); oerr != nil {
		q.overflowFailures.Add(1)
		metrics.RecordOverflowFailure()
		metrics.RecordBatchFlush("lost", elapsed)
		q.logger.Error(ctx, "OVERFLOW WRITE FAILED: batch lost",
			logger.String("dead_letter_id", rec.ID),
			logger.Int("entries", len(batch)),
			logger.Int("attempts", attempts),
			logger.String("sink_error", rec.LastError),
			logger.Error(oerr))
		return fmt.Errorf("dead letter %s with %d entries: %w: %w", rec.ID, len(batch), model.ErrOverflowWriteFailed, oerr)
	}

	q.deadLettered.Add(1)
	metrics.RecordDeadLetter()
	metrics.RecordBatchFlush("dead_lettered", elapsed)
	q.logger.Warn(ctx, "batch moved to dead-letter store",
		logger.String("dead_letter_id", rec.ID),
		logger.Int("entries", len(batch)),
		logger.Int("attempts", attempts))
	return nil
}
