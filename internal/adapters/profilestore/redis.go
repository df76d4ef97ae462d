package profilestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/scoreboard/internal/domain/profile"
)

const profileKeyPrefix = ":profile:"

// RedisCache stores cache entries as JSON strings with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

var _ profile.Cache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client. keyPrefix namespaces the keys.
func NewRedisCache(client redis.UniversalClient, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "scoreboard"
	}
	return &RedisCache{client: client, prefix: keyPrefix + profileKeyPrefix}
}

// Get reads an entry. A missing key is a miss, not an error.
func (c *RedisCache) Get(ctx context.Context, participantID string) (profile.CacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+participantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return profile.CacheEntry{}, false, nil
	}
	if err != nil {
		return profile.CacheEntry{}, false, fmt.Errorf("get profile cache: %w", err)
	}
	var entry profile.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return profile.CacheEntry{}, false, fmt.Errorf("decode profile cache: %w", err)
	}
	return entry, true, nil
}

// Set writes an entry with the given ttl.
func (c *RedisCache) Set(ctx context.Context, participantID string, entry profile.CacheEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode profile cache: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+participantID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set profile cache: %w", err)
	}
	return nil
}
