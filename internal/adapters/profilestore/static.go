package profilestore

import (
	"context"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/internal/domain/profile"
)

// StaticLookup serves profiles from a fixed map. It backs local runs that
// have no profile database.
type StaticLookup map[string]model.Profile

var _ profile.Lookup = StaticLookup(nil)

// Lookup implements profile.Lookup.
func (s StaticLookup) Lookup(ctx context.Context, participantID string) (*model.Profile, error) {
	p, ok := s[participantID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
