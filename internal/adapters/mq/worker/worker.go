// Package worker drains the ingestion queue: each event is applied to the
// ranking store, handed to the batch persistence queue and reported as a
// leaderboard change.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

const defaultWorkerMultiplier = 2

// Store applies a score to the ranking.
type Store interface {
	Upsert(ctx context.Context, participantID string, score int64) error
}

// Persister accepts events for durable storage.
type Persister interface {
	Accept(ctx context.Context, e model.ScoreEvent) error
}

// Signaler is told that the ranking changed.
type Signaler interface {
	Signal(ctx context.Context)
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue() <-chan model.ScoreEvent
	Len() int
}

// InMemoryWorker processes events from the queue.
type InMemoryWorker struct {
	queue     Queue
	store     Store
	persister Persister
	signaler  Signaler
	name      string
	processed *atomic.Int64

	logger logger.Logger
}

// NewInMemoryWorker creates a worker. persister and signaler may be nil.
func NewInMemoryWorker(queue Queue, store Store, persister Persister, signaler Signaler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     queue,
		store:     store,
		persister: persister,
		signaler:  signaler,
		name:      "worker",
		processed: new(atomic.Int64),
		logger:    logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run processes events until the queue is closed and drained or ctx is
// cancelled.
func (w *InMemoryWorker) Run(ctx context.Context) {
	events := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			metrics.RecordQueueDequeue()
			metrics.UpdateQueueSize(w.queue.Len())
			if err := w.Process(ctx, e); err != nil {
				w.logger.Error(ctx, "error processing event", logger.Error(err))
			}
		}
	}
}

// Process applies a single event. The event is handed to the persister
// even when the upsert fails; the upsert error is still returned and no
// change is signalled.
func (w *InMemoryWorker) Process(ctx context.Context, e model.ScoreEvent) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	upsertErr := w.store.Upsert(ctx, e.ParticipantID, e.Score)
	if upsertErr != nil {
		metrics.RecordWorkerError()
	}

	if w.persister != nil {
		if err := w.persister.Accept(ctx, e); err != nil {
			metrics.RecordWorkerError()
			w.logger.Warn(ctx, "event not queued for persistence",
				logger.String("participant_id", e.ParticipantID),
				logger.Error(err))
		}
	}

	if upsertErr != nil {
		return fmt.Errorf("upsert %s: %w", e.ParticipantID, upsertErr)
	}
	w.processed.Add(1)
	if w.signaler != nil {
		w.signaler.Signal(ctx)
	}
	return nil
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers   []*InMemoryWorker
	queue     Queue
	processed atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
}

// NewPool creates a pool. A workerCount below 1 means NumCPU*2.
func NewPool(workerCount int, queue Queue, store Store, persister Persister, signaler Signaler, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   queue,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		w := NewInMemoryWorker(queue, store, persister, signaler, wopts...)
		w.processed = &p.processed
		p.workers[i] = w
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns how many events were applied to the store.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
}

// Shutdown closes the queue and waits for workers to drain it. When ctx
// ends first the workers are cancelled and the remaining events are
// abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		metrics.UpdateWorkerCount(0)
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("abandoned", p.queue.Len()))
		return fmt.Errorf("worker shutdown: %w", ctx.Err())
	}
}
