package profile

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultNegativeTTL   = time.Minute
	defaultLookupTimeout = 500 * time.Millisecond
	defaultParallelism   = 8
	maxDisplayNameBytes  = 255
)

// Resolution is the outcome of resolving one participant's profile.
type Resolution struct {
	Status  model.EnrichmentStatus
	Profile *model.Profile
	// Source is "cache" or "lookup".
	Source string
	Err    error
}

// Enricher resolves display attributes cache-first, falling back to the
// lookup and populating the cache on a miss.
type Enricher struct {
	cache         Cache
	lookup        Lookup
	ttl           time.Duration
	negativeTTL   time.Duration
	lookupTimeout time.Duration
	parallelism   int
	logger        logger.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithTTL sets how long found profiles stay cached.
func WithTTL(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithNegativeTTL sets how long "no profile" answers stay cached.
func WithNegativeTTL(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.negativeTTL = d
		}
	}
}

// WithLookupTimeout bounds each lookup call.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if d > 0 {
			e.lookupTimeout = d
		}
	}
}

// WithParallelism bounds concurrent resolutions within one Enrich call.
func WithParallelism(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Enricher) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEnricher builds an Enricher. cache may be nil to disable the fast tier.
func NewEnricher(cache Cache, lookup Lookup, opts ...Option) *Enricher {
	e := &Enricher{
		cache:         cache,
		lookup:        lookup,
		ttl:           defaultTTL,
		negativeTTL:   defaultNegativeTTL,
		lookupTimeout: defaultLookupTimeout,
		parallelism:   defaultParallelism,
		logger:        logger.Get().Named("enrichment"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns a copy of rows with display attributes attached. It never
// fails: rows that cannot be resolved carry a placeholder name.
func (e *Enricher) Enrich(ctx context.Context, rows []model.RankedRow) []model.RankedRow {
	out := make([]model.RankedRow, len(rows))
	copy(out, rows)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range out {
		g.Go(func() error {
			apply(&out[i], e.Resolve(gctx, out[i].ParticipantID))
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Resolve runs the two-tier lookup for one participant.
func (e *Enricher) Resolve(ctx context.Context, participantID string) Resolution {
	if e.cache != nil {
		entry, hit, err := e.cache.Get(ctx, participantID)
		switch {
		case err != nil:
			e.logger.Warn(ctx, "profile cache read failed", logger.String("participant_id", participantID), logger.Error(err))
			metrics.RecordEnrichment("cache", "error")
		case hit && entry.Missing:
			return e.done(Resolution{Status: model.EnrichmentNotFound, Source: "cache"})
		case hit:
			if err := validate(participantID, entry.Profile); err == nil {
				return e.done(Resolution{Status: model.EnrichmentFound, Profile: entry.Profile, Source: "cache"})
			}
			// a malformed cached value is ignored and refreshed from the lookup
		}
	}

	if e.lookup == nil {
		return e.done(Resolution{Status: model.EnrichmentNotFound, Source: "lookup"})
	}

	lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	p, err := e.lookup.Lookup(lctx, participantID)
	cancel()
	if err != nil {
		e.logger.Warn(ctx, "profile lookup failed", logger.String("participant_id", participantID), logger.Error(err))
		return e.done(Resolution{Status: model.EnrichmentFailed, Source: "lookup", Err: err})
	}
	if p == nil {
		e.populate(ctx, participantID, CacheEntry{Missing: true}, e.negativeTTL)
		return e.done(Resolution{Status: model.EnrichmentNotFound, Source: "lookup"})
	}
	if err := validate(participantID, p); err != nil {
		e.logger.Warn(ctx, "malformed profile", logger.String("participant_id", participantID), logger.Error(err))
		return e.done(Resolution{Status: model.EnrichmentFailed, Source: "lookup", Err: err})
	}
	e.populate(ctx, participantID, CacheEntry{Profile: p}, e.ttl)
	return e.done(Resolution{Status: model.EnrichmentFound, Profile: p, Source: "lookup"})
}

func (e *Enricher) populate(ctx context.Context, participantID string, entry CacheEntry, ttl time.Duration) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, participantID, entry, ttl); err != nil {
		e.logger.Warn(ctx, "profile cache write failed", logger.String("participant_id", participantID), logger.Error(err))
		metrics.RecordEnrichment("cache", "error")
	}
}

func (e *Enricher) done(r Resolution) Resolution {
	metrics.RecordEnrichment(r.Source, string(r.Status))
	return r
}

func validate(participantID string, p *model.Profile) error {
	switch {
	case p == nil:
		return fmt.Errorf("empty profile: %w", model.ErrValidationRejected)
	case p.ParticipantID != "" && p.ParticipantID != participantID:
		return fmt.Errorf("profile belongs to %q: %w", p.ParticipantID, model.ErrValidationRejected)
	case p.DisplayName == "", len(p.DisplayName) > maxDisplayNameBytes, !utf8.ValidString(p.DisplayName):
		return fmt.Errorf("bad display name: %w", model.ErrValidationRejected)
	}
	return nil
}

func apply(row *model.RankedRow, r Resolution) {
	row.Enrichment = r.Status
	switch r.Status {
	case model.EnrichmentFound:
		row.DisplayName = r.Profile.DisplayName
		row.AvatarURL = r.Profile.AvatarURL
		row.Country = r.Profile.Country
	case model.EnrichmentNotFound:
		row.DisplayName = model.PlaceholderUnknown
	default:
		row.DisplayName = model.PlaceholderUnavailable
	}
}
