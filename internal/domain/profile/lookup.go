// Package profile enriches ranked rows with display attributes using a
// read-through cache in front of a profile lookup.
package profile

import (
	"context"
	"time"

	"github.com/okian/scoreboard/internal/domain/model"
)

//go:generate mockgen -source=lookup.go -destination=lookup_mock.go -package=profile

// Lookup fetches a participant profile from the system of record.
// A nil profile with a nil error means the participant has no profile.
type Lookup interface {
	Lookup(ctx context.Context, participantID string) (*model.Profile, error)
}

// CacheEntry is what the cache tier holds for a participant. Missing marks
// a cached "no such profile" answer.
type CacheEntry struct {
	Profile *model.Profile `json:"profile,omitempty"`
	Missing bool           `json:"missing,omitempty"`
}

// Cache is the fast tier in front of Lookup.
type Cache interface {
	Get(ctx context.Context, participantID string) (CacheEntry, bool, error)
	Set(ctx context.Context, participantID string, entry CacheEntry, ttl time.Duration) error
}
