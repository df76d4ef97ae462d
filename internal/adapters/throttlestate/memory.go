// Package throttlestate stores the shared "last published" throttle state.
package throttlestate

import (
	"context"
	"sync"

	"github.com/okian/scoreboard/internal/domain/model"
)

// MemoryState keeps the throttle state in process. It is only correct for
// a single service instance.
type MemoryState struct {
	mu    sync.Mutex
	state *model.PublishedState
}

// NewMemoryState returns an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{}
}

// Load returns a copy of the current state or nil if nothing was published.
func (m *MemoryState) Load(ctx context.Context) (*model.PublishedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

// CompareAndSwap installs next when the stored version equals expected.
func (m *MemoryState) CompareAndSwap(ctx context.Context, expected int64, next model.PublishedState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if m.state != nil {
		current = m.state.Version
	}
	if current != expected {
		return false, nil
	}
	m.state = &next
	return true, nil
}
