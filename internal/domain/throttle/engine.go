// Package throttle decides when a ranking change is worth broadcasting and
// what changed since the last broadcast.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/internal/domain/snapshot"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

// Decision is the outcome of evaluating one change signal.
type Decision string

const (
	DecisionThrottled Decision = "throttled"
	DecisionUnchanged Decision = "unchanged"
	DecisionContended Decision = "contended"
	DecisionPublished Decision = "published"
	DecisionFailed    Decision = "failed"
)

const (
	defaultWindow = 500 * time.Millisecond
	defaultTopK   = 10
)

// Snapshotter is the part of the ranking store the engine reads.
type Snapshotter interface {
	Top(ctx context.Context, k int) (model.RankedSnapshot, error)
}

// StateStore holds the shared throttle clock and the last published event.
// CompareAndSwap must only write when the stored version equals expected
// (0 when nothing was ever published).
type StateStore interface {
	Load(ctx context.Context) (*model.PublishedState, error)
	CompareAndSwap(ctx context.Context, expected int64, next model.PublishedState) (bool, error)
}

// Enricher attaches display attributes to rows. It must not fail.
type Enricher interface {
	Enrich(ctx context.Context, rows []model.RankedRow) []model.RankedRow
}

// Engine gates change signals by time and by content.
type Engine struct {
	store    Snapshotter
	state    StateStore
	enricher Enricher
	window   time.Duration
	topK     int
	now      func() time.Time
	logger   logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindow sets the minimum time between two publishes.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.window = d
		}
	}
}

// WithTopK sets the snapshot size.
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithEnricher sets the row enricher.
func WithEnricher(en Enricher) Option {
	return func(e *Engine) {
		if en != nil {
			e.enricher = en
		}
	}
}

// WithClock overrides the clock used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

type passthrough struct{}

func (passthrough) Enrich(_ context.Context, rows []model.RankedRow) []model.RankedRow { return rows }

// NewEngine builds an engine over a ranking store and a shared state store.
func NewEngine(store Snapshotter, state StateStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if state == nil {
		return nil, ErrNilState
	}
	e := &Engine{
		store:    store,
		state:    state,
		enricher: passthrough{},
		window:   defaultWindow,
		topK:     defaultTopK,
		now:      time.Now,
		logger:   logger.Get().Named("throttle"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// OnChangeSignal returns an event to broadcast, or nil when the signal is
// inside the throttle window, the snapshot is unchanged, or another caller
// committed first. Store errors are returned and nothing is published.
func (e *Engine) OnChangeSignal(ctx context.Context, occurredAt time.Time) (*model.UpdateEvent, error) {
	_, event, err := e.Evaluate(ctx, occurredAt)
	return event, err
}

// Evaluate is OnChangeSignal that also reports which gate decided the
// outcome. The event is non-nil only for DecisionPublished.
func (e *Engine) Evaluate(ctx context.Context, occurredAt time.Time) (Decision, *model.UpdateEvent, error) {
	d, event, err := e.evaluate(ctx, occurredAt)
	metrics.RecordThrottleDecision(string(d))
	return d, event, err
}

func (e *Engine) evaluate(ctx context.Context, occurredAt time.Time) (Decision, *model.UpdateEvent, error) {
	prev, err := e.state.Load(ctx)
	if err != nil {
		return DecisionFailed, nil, fmt.Errorf("load published state: %w", err)
	}

	if prev != nil && !prev.PublishedAt.IsZero() && occurredAt.Sub(prev.PublishedAt) < e.window {
		return DecisionThrottled, nil, nil
	}

	snap, err := e.store.Top(ctx, e.topK)
	if err != nil {
		return DecisionFailed, nil, fmt.Errorf("read top %d: %w", e.topK, err)
	}
	if err := snapshot.Validate(snap); err != nil {
		var dropped int
		snap, dropped = snapshot.Sanitize(snap)
		e.logger.Warn(ctx, "malformed snapshot rows dropped",
			logger.Error(err), logger.Int("dropped", dropped))
	}

	fp := snapshot.Fingerprint(snap)
	if prev.Fingerprint() == fp {
		return DecisionUnchanged, nil, nil
	}

	var (
		before  model.RankedSnapshot
		version int64
	)
	if prev != nil {
		version = prev.Version
		if prev.Event != nil {
			before = prev.Event.Snapshot
		}
	}

	event := &model.UpdateEvent{
		Snapshot:    model.RankedSnapshot{Rows: e.enricher.Enrich(ctx, snap.Rows)},
		GeneratedAt: e.now(),
		Fingerprint: fp,
		Changed:     snapshot.Diff(before, snap),
	}

	ok, err := e.state.CompareAndSwap(ctx, version, model.PublishedState{
		Version:     version + 1,
		PublishedAt: occurredAt,
		Event:       event,
	})
	if err != nil {
		return DecisionFailed, nil, fmt.Errorf("commit published state: %w", err)
	}
	if !ok {
		e.logger.Debug(ctx, "publish lost to a concurrent caller", logger.Int64("version", version))
		return DecisionContended, nil, nil
	}

	metrics.UpdateThrottleLastPublished(occurredAt)
	return DecisionPublished, event, nil
}

// LastPublished returns the shared state, or nil before the first publish.
func (e *Engine) LastPublished(ctx context.Context) (*model.PublishedState, error) {
	return e.state.Load(ctx)
}
