// Package deadletter stores batches that exhausted their persistence retry
// budget so they can be recovered by hand.
package deadletter

import (
	"context"
	"errors"
	"sync"

	"github.com/okian/scoreboard/internal/domain/model"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("dead-letter store closed")

// Store is append-only.
type Store interface {
	Append(ctx context.Context, rec model.DeadLetterRecord) error
	List(ctx context.Context, limit int) ([]model.DeadLetterRecord, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records []model.DeadLetterRecord
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Append stores a copy of rec.
func (m *MemoryStore) Append(ctx context.Context, rec model.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.Entries = append([]model.ScoreEvent(nil), rec.Entries...)
	m.records = append(m.records, rec)
	return nil
}

// List returns up to limit records, oldest first. limit <= 0 returns all.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]model.DeadLetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.DeadLetterRecord, n)
	copy(out, m.records[:n])
	return out, nil
}

// Count returns the number of records.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Close rejects further appends.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
