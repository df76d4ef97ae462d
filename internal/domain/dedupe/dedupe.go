// Package dedupe tracks recently seen submissions so that a client retry of
// the same score event is acknowledged without being applied twice.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/okian/scoreboard/internal/domain/model"
)

const defaultMaxSize = 50000

// Deduper records seen keys to ensure at-most-once application.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets key so a submission rejected downstream (for example
	// by queue backpressure) can be retried.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// Key derives the content key of a score event: the same participant,
// score and timestamp always produce the same key.
func Key(e model.ScoreEvent) string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(e.ParticipantID)))
	h.Write(buf[:])
	h.Write([]byte(e.ParticipantID))
	binary.BigEndian.PutUint64(buf[:], uint64(e.Score))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.OccurredAt.UnixNano()))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

type slot struct {
	key  string
	used bool
}

// inMemoryDeduper keeps keys in a map. In bounded mode (maxSize > 0) a ring
// of insertion slots evicts the oldest key once full; in unbounded mode the
// map simply grows.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]int // key -> ring slot, -1 in unbounded mode
	ring    []slot
	next    int
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]int)
	if d.maxSize > 0 {
		d.ring = make([]slot, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.ring == nil {
		d.seen[key] = -1
		d.size.Add(1)
		return false
	}

	s := &d.ring[d.next]
	if s.used {
		delete(d.seen, s.key)
		d.size.Add(-1)
	}
	s.key, s.used = key, true
	d.seen[key] = d.next
	d.next = (d.next + 1) % len(d.ring)
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.seen[key]
	if !ok {
		return
	}
	delete(d.seen, key)
	if idx >= 0 {
		d.ring[idx] = slot{}
	}
	d.size.Add(-1)
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
