// Package sink persists accepted score events in batches.
package sink

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/logger"
)

const defaultChunkSize = 500

// Sink accepts a batch as a unit: it either stores every entry or fails.
type Sink interface {
	PersistBatch(ctx context.Context, batch []model.ScoreEvent) error
}

// scoreEventRow is the score_events table layout.
type scoreEventRow struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	ParticipantID string    `gorm:"column:participant_id;size:255;index;not null"`
	Score         int64     `gorm:"column:score;not null"`
	OccurredAt    time.Time `gorm:"column:occurred_at;not null"`
	PersistedAt   time.Time `gorm:"column:persisted_at;autoCreateTime"`
}

func (scoreEventRow) TableName() string { return "score_events" }

// GormSink writes batches to postgres in one transaction.
type GormSink struct {
	db        *gorm.DB
	chunkSize int
}

// NewGormSink wraps an open connection.
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db, chunkSize: defaultChunkSize}
}

// Migrate creates the score_events table when missing.
func (s *GormSink) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&scoreEventRow{})
}

// PersistBatch inserts the batch atomically. Any failure is reported as
// model.ErrSinkRejected.
func (s *GormSink) PersistBatch(ctx context.Context, batch []model.ScoreEvent) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]scoreEventRow, len(batch))
	for i, e := range batch {
		rows[i] = scoreEventRow{ParticipantID: e.ParticipantID, Score: e.Score, OccurredAt: e.OccurredAt.UTC()}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, s.chunkSize).Error
	})
	if err != nil {
		return fmt.Errorf("persist %d events: %w: %w", len(batch), model.ErrSinkRejected, err)
	}
	return nil
}

// LogSink only logs batches. It stands in for the database in local runs.
type LogSink struct {
	logger logger.Logger
}

// NewLogSink returns a sink that logs batch sizes.
func NewLogSink(l logger.Logger) *LogSink {
	if l == nil {
		l = logger.Get().Named("sink")
	}
	return &LogSink{logger: l}
}

// PersistBatch logs the batch and succeeds.
func (s *LogSink) PersistBatch(ctx context.Context, batch []model.ScoreEvent) error {
	s.logger.Debug(ctx, "batch persisted to log sink", logger.Int("entries", len(batch)))
	return nil
}
