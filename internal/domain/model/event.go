// Package model contains domain models passed between layers.
package model

import "time"

// ScoreEvent is a validated score submission. It is the unit of ingestion
// and the element of a persistence batch.
type ScoreEvent struct {
	ParticipantID string    `json:"participant_id"`
	Score         int64     `json:"score"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ScoreEntry is a participant's current score in the ranking store.
type ScoreEntry struct {
	ParticipantID string
	Score         int64
}

// DeadLetterRecord is an append-only record of a batch that exhausted its
// retry budget.
type DeadLetterRecord struct {
	ID           string       `json:"id"`
	RecordedAt   time.Time    `json:"recorded_at"`
	Entries      []ScoreEvent `json:"entries"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
}
