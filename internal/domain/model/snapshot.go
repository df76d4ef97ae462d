package model

import "time"

// EnrichmentStatus describes how a row's display attributes were resolved.
type EnrichmentStatus string

const (
	// EnrichmentFound means a profile was located.
	EnrichmentFound EnrichmentStatus = "found"
	// EnrichmentNotFound means the participant has no profile.
	EnrichmentNotFound EnrichmentStatus = "not_found"
	// EnrichmentFailed means the lookup failed or returned malformed data.
	EnrichmentFailed EnrichmentStatus = "failed"
)

// Display name placeholders used when no profile can be attached.
const (
	PlaceholderUnknown     = "Unknown"
	PlaceholderUnavailable = "Unavailable"
)

// RankedRow is one position of a RankedSnapshot. Rank is 1-based.
type RankedRow struct {
	ParticipantID string           `json:"participant_id"`
	Score         int64            `json:"score"`
	Rank          int              `json:"rank"`
	DisplayName   string           `json:"display_name,omitempty"`
	AvatarURL     string           `json:"avatar_url,omitempty"`
	Country       string           `json:"country,omitempty"`
	Enrichment    EnrichmentStatus `json:"enrichment,omitempty"`
}

// RankedSnapshot is the ordered top-K view of the ranking store.
type RankedSnapshot struct {
	Rows []RankedRow `json:"rows"`
}

// Len returns the number of rows.
func (s RankedSnapshot) Len() int { return len(s.Rows) }

// Clone returns a deep copy so callers can enrich rows without touching
// cached state.
func (s RankedSnapshot) Clone() RankedSnapshot {
	rows := make([]RankedRow, len(s.Rows))
	copy(rows, s.Rows)
	return RankedSnapshot{Rows: rows}
}

// RankChange lists a participant whose rank moved between two snapshots.
// OldRank is nil for new entrants.
type RankChange struct {
	ParticipantID string `json:"participant_id"`
	OldRank       *int   `json:"old_rank"`
	NewRank       int    `json:"new_rank"`
}

// UpdateEvent is produced each time the throttle engine decides to publish.
type UpdateEvent struct {
	Snapshot    RankedSnapshot `json:"snapshot"`
	GeneratedAt time.Time      `json:"generated_at"`
	Fingerprint string         `json:"fingerprint"`
	Changed     []RankChange   `json:"changed"`
}

// PublishedState is the shared throttle state: the clock and the last
// published event.
type PublishedState struct {
	Version     int64        `json:"version"`
	PublishedAt time.Time    `json:"published_at"`
	Event       *UpdateEvent `json:"event,omitempty"`
}

// Fingerprint returns the fingerprint of the last published event or "".
func (p *PublishedState) Fingerprint() string {
	if p == nil || p.Event == nil {
		return ""
	}
	return p.Event.Fingerprint
}

// Profile carries the display attributes used for enrichment.
type Profile struct {
	ParticipantID string `json:"participant_id" gorm:"primaryKey;column:participant_id;size:255"`
	DisplayName   string `json:"display_name" gorm:"column:display_name"`
	AvatarURL     string `json:"avatar_url,omitempty" gorm:"column:avatar_url"`
	Country       string `json:"country,omitempty" gorm:"column:country;size:2"`
}

// TableName pins the gorm table name.
func (Profile) TableName() string { return "profiles" }
