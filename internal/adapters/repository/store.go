// Package repository holds the ranking store: an in-process treap and a
// Redis sorted-set implementation behind one interface.
package repository

import (
	"context"

	"github.com/okian/scoreboard/internal/domain/model"
)

// DefaultMaxLimit bounds the size of a top-K read.
const DefaultMaxLimit = 100

// Store owns the participant -> score mapping and answers rank queries.
// Ordering is score DESC, then participant id ASC.
type Store interface {
	// Upsert sets the participant's score, replacing any previous one.
	Upsert(ctx context.Context, participantID string, score int64) error
	// Top returns at most k rows. k is clamped to the configured maximum and
	// k <= 0 yields an empty snapshot.
	Top(ctx context.Context, k int) (model.RankedSnapshot, error)
	// RankOf returns the 1-based rank; ok is false for unknown participants.
	RankOf(ctx context.Context, participantID string) (rank int, ok bool, err error)
	// ScoreOf returns the current score; ok is false for unknown participants.
	ScoreOf(ctx context.Context, participantID string) (score int64, ok bool, err error)
	// Remove deletes the participant. Removing a non-member is a no-op.
	Remove(ctx context.Context, participantID string) error
	// Size returns the number of distinct participants.
	Size(ctx context.Context) (int, error)
	// Close releases background resources.
	Close() error
}

func clampLimit(k, maxLimit int) int {
	if k <= 0 {
		return 0
	}
	if maxLimit > 0 && k > maxLimit {
		return maxLimit
	}
	return k
}
