package profilestore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/internal/domain/profile"
)

// GormLookup reads profiles from the "profiles" table.
type GormLookup struct {
	db *gorm.DB
}

var _ profile.Lookup = (*GormLookup)(nil)

// NewGormLookup wraps an open connection.
func NewGormLookup(db *gorm.DB) *GormLookup {
	return &GormLookup{db: db}
}

// Migrate creates the profiles table when missing.
func (l *GormLookup) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&model.Profile{})
}

// Lookup returns nil, nil when the participant has no row.
func (l *GormLookup) Lookup(ctx context.Context, participantID string) (*model.Profile, error) {
	var p model.Profile
	err := l.db.WithContext(ctx).Where("participant_id = ?", participantID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup profile %q: %w", participantID, err)
	}
	return &p, nil
}
