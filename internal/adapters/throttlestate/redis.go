package throttlestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/scoreboard/internal/domain/model"
)

const defaultKeySuffix = ":throttle:published"

var errVersionMoved = errors.New("published state version moved")

// RedisState keeps the throttle state in one Redis key so every instance
// throttles against the same clock. Commits use WATCH/MULTI.
type RedisState struct {
	client    redis.UniversalClient
	key       string
	opTimeout time.Duration
}

// Option applies a configuration option to the RedisState.
type Option func(*RedisState)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(r *RedisState) {
		if prefix != "" {
			r.key = prefix + defaultKeySuffix
		}
	}
}

// WithOpTimeout bounds each Redis round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(r *RedisState) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// NewRedisState wraps an existing client.
func NewRedisState(client redis.UniversalClient, opts ...Option) *RedisState {
	r := &RedisState{
		client:    client,
		key:       "scoreboard" + defaultKeySuffix,
		opTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the current state. A missing key yields nil.
func (r *RedisState) Load(ctx context.Context) (*model.PublishedState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.get(ctx, r.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisState) get(ctx context.Context, c getter) (*model.PublishedState, error) {
	raw, err := c.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load throttle state: %w: %w", model.ErrStoreUnavailable, err)
	}
	var st model.PublishedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode throttle state: %w: %w", model.ErrValidationRejected, err)
	}
	return &st, nil
}

// CompareAndSwap writes next only if the stored version still equals
// expected. A concurrent commit makes it return false without error.
func (r *RedisState) CompareAndSwap(ctx context.Context, expected int64, next model.PublishedState) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode throttle state: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx)
		if err != nil {
			return err
		}
		var version int64
		if current != nil {
			version = current.Version
		}
		if version != expected {
			return errVersionMoved
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, payload, 0)
			return nil
		})
		return err
	}, r.key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errVersionMoved), errors.Is(err, redis.TxFailedErr):
		return false, nil
	case errors.Is(err, model.ErrStoreUnavailable), errors.Is(err, model.ErrValidationRejected):
		return false, err
	default:
		return false, fmt.Errorf("commit throttle state: %w: %w", model.ErrStoreUnavailable, err)
	}
}
