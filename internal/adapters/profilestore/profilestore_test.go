package profilestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/internal/domain/profile"
	"github.com/okian/scoreboard/internal/testutil"
)

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	entry := profile.CacheEntry{Profile: &model.Profile{ParticipantID: "alice", DisplayName: "Alice"}}
	require.NoError(t, c.Set(ctx, "alice", entry, time.Minute))
	require.NoError(t, c.Set(ctx, "ghost", profile.CacheEntry{Missing: true}, 0))

	got, hit, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "Alice", got.Profile.DisplayName)

	now = now.Add(time.Minute)
	_, hit, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, 1, c.Len())

	got, hit, _ = c.Get(ctx, "ghost")
	require.True(t, hit)
	require.True(t, got.Missing)

	_, hit, _ = c.Get(ctx, "nobody")
	require.False(t, hit)
}

func TestStaticLookup(t *testing.T) {
	l := StaticLookup{"bob": {ParticipantID: "bob", DisplayName: "Bob"}}

	p, err := l.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "Bob", p.DisplayName)

	p, err = l.Lookup(context.Background(), "carol")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, cleanup := testutil.SetupRedisContainer(ctx, t)
	defer cleanup()

	c := NewRedisCache(client, "test")

	_, hit, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, hit)

	entry := profile.CacheEntry{Profile: &model.Profile{ParticipantID: "alice", DisplayName: "Alice", Country: "DE"}}
	require.NoError(t, c.Set(ctx, "alice", entry, time.Minute))
	require.NoError(t, c.Set(ctx, "ghost", profile.CacheEntry{Missing: true}, time.Minute))

	got, hit, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, entry, got)

	got, hit, err = c.Get(ctx, "ghost")
	require.NoError(t, err)
	require.True(t, hit)
	require.True(t, got.Missing)

	ttl, err := client.TTL(ctx, "test:profile:alice").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
