// Package service wires the ranking store, the ingestion pipeline, the
// throttle engine, batch persistence and the broadcast hub into the
// leaderboard service consumed by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/scoreboard/internal/adapters/broadcast"
	"github.com/okian/scoreboard/internal/adapters/deadletter"
	"github.com/okian/scoreboard/internal/adapters/mq/batch"
	eventqueue "github.com/okian/scoreboard/internal/adapters/mq/queue"
	workerpool "github.com/okian/scoreboard/internal/adapters/mq/worker"
	"github.com/okian/scoreboard/internal/adapters/repository"
	"github.com/okian/scoreboard/internal/adapters/sink"
	"github.com/okian/scoreboard/internal/adapters/throttlestate"
	"github.com/okian/scoreboard/internal/domain/dedupe"
	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/internal/domain/throttle"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

// Stats is the operator view of the service.
type Stats struct {
	Started         bool             `json:"started"`
	Participants    int              `json:"participants"`
	QueueLength     int              `json:"queue_length"`
	QueueCapacity   int              `json:"queue_capacity"`
	Workers         int              `json:"workers"`
	Processed       int64            `json:"processed"`
	DedupeEntries   int64            `json:"dedupe_entries"`
	Batch           batch.Stats      `json:"batch"`
	DeadLetters     int              `json:"dead_letters"`
	Subscribers     int              `json:"subscribers"`
	LastBroadcast   broadcast.Result `json:"last_broadcast"`
	LastPublishedAt *time.Time       `json:"last_published_at,omitempty"`
	LastFingerprint string           `json:"last_fingerprint,omitempty"`
}

// Service implements the API dependencies for the leaderboard system.
type Service struct {
	mu sync.RWMutex

	store       repository.Store
	state       throttle.StateStore
	enricher    throttle.Enricher
	sink        batch.Sink
	deadLetters deadletter.Store

	deduper dedupe.Deduper
	queue   *eventqueue.InMemoryQueue
	pool    *workerpool.Pool
	batch   *batch.Queue
	engine  *throttle.Engine
	hub     *broadcast.Hub

	workerCount       int
	queueSize         int
	dedupeSize        int
	topK              int
	throttleWindow    time.Duration
	refreshInterval   time.Duration
	batchSize         int
	flushInterval     time.Duration
	maxRetries        int
	retryDelay        time.Duration
	heartbeatInterval time.Duration
	sendTimeout       time.Duration
	now               func() time.Time

	dirty   atomic.Bool
	sent    atomic.Int64
	kick    chan struct{}
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	logger logger.Logger
}

// New constructs a Service. Components not supplied through options fall
// back to in-process implementations when the service starts.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:       runtime.NumCPU() * 2,
		queueSize:         100_000,
		dedupeSize:        50_000,
		topK:              10,
		throttleWindow:    500 * time.Millisecond,
		refreshInterval:   time.Second,
		batchSize:         100,
		flushInterval:     5 * time.Second,
		maxRetries:        3,
		retryDelay:        time.Second,
		heartbeatInterval: 30 * time.Second,
		sendTimeout:       2 * time.Second,
		now:               time.Now,
		kick:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Start builds the pipeline and launches workers and background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.store == nil {
		s.store = repository.NewTreapStore(ctx)
	}
	if s.state == nil {
		s.state = throttlestate.NewMemoryState()
	}
	if s.sink == nil {
		s.sink = sink.NewLogSink(s.logger.Named("sink"))
	}
	if s.deadLetters == nil {
		s.deadLetters = deadletter.NewMemoryStore()
	}

	engineOpts := []throttle.Option{
		throttle.WithWindow(s.throttleWindow),
		throttle.WithTopK(s.topK),
		throttle.WithClock(s.now),
	}
	if s.enricher != nil {
		engineOpts = append(engineOpts, throttle.WithEnricher(s.enricher))
	}
	engine, err := throttle.NewEngine(s.store, s.state, engineOpts...)
	if err != nil {
		return fmt.Errorf("throttle engine: %w", err)
	}
	bq, err := batch.New(s.sink, s.deadLetters,
		batch.WithThreshold(s.batchSize),
		batch.WithFlushInterval(s.flushInterval),
		batch.WithMaxRetries(s.maxRetries),
		batch.WithRetryDelay(s.retryDelay),
	)
	if err != nil {
		return fmt.Errorf("batch queue: %w", err)
	}

	s.engine = engine
	s.batch = bq
	s.hub = broadcast.NewHub(
		broadcast.WithHeartbeatInterval(s.heartbeatInterval),
		broadcast.WithSendTimeout(s.sendTimeout),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.pool = workerpool.NewPool(s.workerCount, s.queue, s.store, s.batch, s)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.batch.Start(runCtx)
	s.pool.Start(runCtx)
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.publishLoop(runCtx)
	}()
	go func() {
		defer s.loops.Done()
		s.hub.Run(runCtx)
	}()

	s.started = true
	s.logger.Info(ctx, "leaderboard service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.queueSize),
		logger.Int("top_k", s.topK),
		logger.Duration("throttle_window", s.throttleWindow),
		logger.Int("batch_size", s.batchSize),
	)
	return nil
}

// Stop drains ingestion, publishes the final state, force-flushes pending
// batches, closes subscribers and releases the stores. Steps that outlive
// ctx are abandoned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping leaderboard service")
	var errs []error

	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	}

	s.cancel()
	s.loops.Wait()
	s.refresh(ctx)

	if err := s.batch.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batch queue: %w", err))
	}
	s.hub.Shutdown(ctx)

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ranking store: %w", err))
	}
	if err := s.deadLetters.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dead-letter store: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error(ctx, "leaderboard service stopped with errors", logger.Error(err))
	} else {
		s.logger.Info(ctx, "leaderboard service stopped")
	}
	return err
}

func (s *Service) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Submit queues a validated score event. A repeat of a recently seen
// (participant, score, occurred_at) triple is reported as duplicate and
// not applied again.
func (s *Service) Submit(ctx context.Context, e model.ScoreEvent) (duplicate bool, err error) {
	if !s.running() {
		return false, ErrNotRunning
	}
	key := dedupe.Key(e)
	if s.deduper.SeenAndRecord(ctx, key) {
		metrics.RecordEventDuplicate()
		return true, nil
	}
	if err := s.queue.Enqueue(ctx, e); err != nil {
		s.deduper.Unrecord(ctx, key)
		switch {
		case errors.Is(err, eventqueue.ErrFull):
			metrics.RecordEventRejected("backpressure")
			return false, ErrBackpressure
		case errors.Is(err, eventqueue.ErrClosed):
			return false, ErrNotRunning
		default:
			return false, err
		}
	}
	metrics.RecordEventIngested()
	return false, nil
}

// Signal marks the leaderboard dirty and wakes the publisher. It never
// blocks.
func (s *Service) Signal(context.Context) {
	s.dirty.Store(true)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.refresh(ctx)
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh evaluates a pending change, then follows the shared state.
// Throttled, contended and failed evaluations leave the change pending for
// the next tick.
func (s *Service) refresh(ctx context.Context) {
	if s.dirty.Swap(false) {
		d, _, err := s.engine.Evaluate(ctx, s.now())
		switch {
		case err != nil:
			s.dirty.Store(true)
			s.logger.Warn(ctx, "change evaluation failed", logger.Error(err))
		case d == throttle.DecisionThrottled, d == throttle.DecisionContended:
			s.dirty.Store(true)
		}
	}
	s.follow(ctx)
}

// follow broadcasts the shared published state when its version is newer
// than the last one this hub sent. Publishes committed by other instances
// sharing the state reach local subscribers this way. Only the publisher
// goroutine calls it.
func (s *Service) follow(ctx context.Context) {
	st, err := s.engine.LastPublished(ctx)
	if err != nil {
		s.logger.Warn(ctx, "load published state", logger.Error(err))
		return
	}
	if st == nil || st.Event == nil || st.Version <= s.sent.Load() {
		return
	}
	s.sent.Store(st.Version)
	res := s.hub.Broadcast(ctx, st.Event)
	s.logger.Debug(ctx, "leaderboard update broadcast",
		logger.Int64("version", st.Version),
		logger.String("fingerprint", st.Event.Fingerprint),
		logger.Int("changed", len(st.Event.Changed)),
		logger.Int("delivered", res.Delivered),
		logger.Int("failed", res.Failed))
}

// Subscribe greets sub, sends it the last published leaderboard and adds
// it to the broadcast hub. A publish that lands while sub is being added
// is sent to it as well. On error sub is not registered and the caller
// still owns it.
func (s *Service) Subscribe(ctx context.Context, sub broadcast.Subscriber) error {
	if !s.running() {
		return ErrNotRunning
	}
	hello := broadcast.ConnectedMessage{SubscriberID: sub.ID(), Timestamp: s.now().UTC()}
	if err := sub.Send(ctx, hello); err != nil {
		return fmt.Errorf("greet subscriber: %w", err)
	}
	seen, err := s.sendLast(ctx, sub, 0)
	if err != nil {
		return err
	}
	if err := s.hub.Register(sub); err != nil {
		return err
	}
	if _, err := s.sendLast(ctx, sub, seen); err != nil {
		s.hub.Unregister(sub.ID())
		return err
	}
	return nil
}

// sendLast sends the published state to sub when its version is above
// after and returns the version it saw.
func (s *Service) sendLast(ctx context.Context, sub broadcast.Subscriber, after int64) (int64, error) {
	last, err := s.engine.LastPublished(ctx)
	if err != nil {
		s.logger.Warn(ctx, "no initial snapshot for subscriber", logger.String("subscriber_id", sub.ID()), logger.Error(err))
		return after, nil
	}
	if last == nil || last.Event == nil || last.Version <= after {
		return after, nil
	}
	if err := sub.Send(ctx, broadcast.NewUpdateMessage(last.Event)); err != nil {
		return after, fmt.Errorf("send initial snapshot: %w", err)
	}
	return last.Version, nil
}

// Unsubscribe removes a subscriber from the hub.
func (s *Service) Unsubscribe(id string) {
	if s.hub != nil {
		s.hub.Unregister(id)
	}
}

// Leaderboard returns the top limit rows with display attributes attached.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.RankedRow, error) {
	snap, err := s.store.Top(ctx, limit)
	if err != nil {
		return nil, err
	}
	if s.enricher != nil {
		return s.enricher.Enrich(ctx, snap.Rows), nil
	}
	return snap.Rows, nil
}

// Rank returns the ranked row of one participant.
func (s *Service) Rank(ctx context.Context, participantID string) (model.RankedRow, error) {
	rank, ok, err := s.store.RankOf(ctx, participantID)
	if err != nil {
		return model.RankedRow{}, err
	}
	if !ok {
		return model.RankedRow{}, ErrParticipantNotFound
	}
	score, ok, err := s.store.ScoreOf(ctx, participantID)
	if err != nil {
		return model.RankedRow{}, err
	}
	if !ok {
		return model.RankedRow{}, ErrParticipantNotFound
	}
	row := model.RankedRow{ParticipantID: participantID, Score: score, Rank: rank}
	if s.enricher != nil {
		row = s.enricher.Enrich(ctx, []model.RankedRow{row})[0]
	}
	return row, nil
}

// Remove deletes a participant and signals the change.
func (s *Service) Remove(ctx context.Context, participantID string) error {
	if !s.running() {
		return ErrNotRunning
	}
	if err := s.store.Remove(ctx, participantID); err != nil {
		return err
	}
	s.Signal(ctx)
	return nil
}

// Healthy reports whether the ranking store answers.
func (s *Service) Healthy(ctx context.Context) error {
	if !s.running() {
		return ErrNotRunning
	}
	_, err := s.store.Size(ctx)
	return err
}

// GetStats returns service statistics for monitoring. Reads that fail are
// logged and left at their zero value.
func (s *Service) GetStats(ctx context.Context) Stats {
	st := Stats{Started: s.running()}
	if !st.Started {
		return st
	}

	if n, err := s.store.Size(ctx); err == nil {
		st.Participants = n
		metrics.UpdateParticipants(n)
	} else {
		s.logger.Warn(ctx, "stats: ranking store size", logger.Error(err))
	}
	st.QueueLength = s.queue.Len()
	st.QueueCapacity = s.queue.Cap()
	st.Workers = s.pool.Size()
	st.Processed = s.pool.Processed()
	st.DedupeEntries = s.deduper.Size()
	st.Batch = s.batch.Stats()
	if n, err := s.deadLetters.Count(ctx); err == nil {
		st.DeadLetters = n
	} else {
		s.logger.Warn(ctx, "stats: dead-letter count", logger.Error(err))
	}
	st.Subscribers = s.hub.Count()
	st.LastBroadcast = s.hub.LastResult()
	if last, err := s.engine.LastPublished(ctx); err == nil && last != nil {
		at := last.PublishedAt
		st.LastPublishedAt = &at
		st.LastFingerprint = last.Fingerprint()
	}
	return st
}
