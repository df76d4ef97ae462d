package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/metrics"
)

// RedisStore keeps the ranking in a single sorted set shared by every
// service instance.
//
// Members are stored with the negated score. ZRANGE ascending then yields
// score DESC and Redis breaks equal scores by member, which gives id ASC.
// Scores are carried as float64 by Redis, so values above 2^53 lose
// precision.
type RedisStore struct {
	client    redis.UniversalClient
	key       string
	maxLimit  int
	opTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		key:       "scoreboard:ranking",
		maxLimit:  DefaultMaxLimit,
		opTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op string, err error) error {
	metrics.RecordStoreError(op)
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}

// Upsert implements Store.Upsert with ZADD.
func (s *RedisStore) Upsert(ctx context.Context, participantID string, score int64) error {
	if participantID == "" {
		return ErrInvalidArgument
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("upsert", float64(time.Since(start).Microseconds())/1000)
	}()

	if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: -float64(score), Member: participantID}).Err(); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

// Top implements Store.Top with ZRANGE ... WITHSCORES.
func (s *RedisStore) Top(ctx context.Context, k int) (model.RankedSnapshot, error) {
	k = clampLimit(k, s.maxLimit)
	if k == 0 {
		return model.RankedSnapshot{Rows: []model.RankedRow{}}, nil
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("top", float64(time.Since(start).Microseconds())/1000)
	}()

	zs, err := s.client.ZRangeWithScores(ctx, s.key, 0, int64(k-1)).Result()
	if err != nil {
		return model.RankedSnapshot{}, unavailable("top", err)
	}
	rows := make([]model.RankedRow, 0, len(zs))
	for i, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			return model.RankedSnapshot{}, fmt.Errorf("top: member %v: %w", z.Member, model.ErrValidationRejected)
		}
		rows = append(rows, model.RankedRow{ParticipantID: id, Score: fromRedisScore(z.Score), Rank: i + 1})
	}
	return model.RankedSnapshot{Rows: rows}, nil
}

// RankOf implements Store.RankOf with ZRANK.
func (s *RedisStore) RankOf(ctx context.Context, participantID string) (int, bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	r, err := s.client.ZRank(ctx, s.key, participantID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("rank", err)
	}
	return int(r) + 1, true, nil
}

// ScoreOf implements Store.ScoreOf with ZSCORE.
func (s *RedisStore) ScoreOf(ctx context.Context, participantID string) (int64, bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	v, err := s.client.ZScore(ctx, s.key, participantID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("score", err)
	}
	return fromRedisScore(v), true, nil
}

// Remove implements Store.Remove with ZREM.
func (s *RedisStore) Remove(ctx context.Context, participantID string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.client.ZRem(ctx, s.key, participantID).Err(); err != nil {
		return unavailable("remove", err)
	}
	return nil
}

// Size implements Store.Size with ZCARD.
func (s *RedisStore) Size(ctx context.Context) (int, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, unavailable("size", err)
	}
	metrics.UpdateParticipants(int(n))
	return int(n), nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func fromRedisScore(v float64) int64 {
	// -0 and 0 both map to 0
	return int64(math.Round(-v))
}
