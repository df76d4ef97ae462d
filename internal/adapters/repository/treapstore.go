package repository

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/metrics"
)

// Treap-based, in-memory Store implementation.
//
// Ordering: score DESC, then participant id ASC (deterministic).
// "less" means ranks earlier, so in-order traversal yields the leaderboard
// from best to worst. Every node carries its subtree size so rank is a
// single root-to-node walk.

type node struct {
	id    string
	score int64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aID) appears before (bScore, bID).
func less(aScore int64, aID string, bScore int64, bID string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id string, score int64, prio uint64) *node {
	if n == nil {
		return &node{id: id, score: score, prio: prio, size: 1}
	}
	if less(score, id, n.score, n.id) {
		n.left = insert(n.left, id, score, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, score, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, id string, score int64) *node {
	if n == nil {
		return nil
	}
	switch {
	case score == n.score && id == n.id:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, id, score)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, id, score)
		}
	case less(score, id, n.score, n.id):
		n.left = deleteNode(n.left, id, score)
	default:
		n.right = deleteNode(n.right, id, score)
	}
	fix(n)
	return n
}

// rankOf counts the nodes ordered before (score, id), plus one.
func rankOf(n *node, id string, score int64) int {
	before := 0
	for n != nil {
		switch {
		case score == n.score && id == n.id:
			return before + nsize(n.left) + 1
		case less(score, id, n.score, n.id):
			n = n.left
		default:
			before += nsize(n.left) + 1
			n = n.right
		}
	}
	return 0
}

// collectTop appends up to limit rows in rank order.
func collectTop(n *node, limit int, out *[]model.RankedRow) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTop(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, model.RankedRow{ParticipantID: n.id, Score: n.score, Rank: len(*out) + 1})
	}
	if len(*out) < limit {
		collectTop(n.right, limit, out)
	}
}

// TreapStore is an in-process Store. The treap and the point index are
// mutated together under one lock.
type TreapStore struct {
	mu       sync.RWMutex
	root     *node
	byID     map[string]int64
	maxLimit int

	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

var _ Store = (*TreapStore)(nil)

// NewTreapStore constructs a treap store and starts its metrics updater,
// which runs until ctx is done or Close is called.
func NewTreapStore(ctx context.Context, opts ...Option) *TreapStore {
	s := &TreapStore{
		byID:                  make(map[string]int64),
		maxLimit:              DefaultMaxLimit,
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Upsert implements Store.Upsert in O(log n) expected time.
func (s *TreapStore) Upsert(ctx context.Context, participantID string, score int64) error {
	if participantID == "" {
		return ErrInvalidArgument
	}
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("upsert", float64(time.Since(start).Microseconds())/1000)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[participantID]; ok {
		if old == score {
			return nil
		}
		s.root = deleteNode(s.root, participantID, old)
	}
	s.byID[participantID] = score
	s.root = insert(s.root, participantID, score, rand.Uint64())
	return nil
}

// Top returns the top-k rows with positional ranks.
func (s *TreapStore) Top(ctx context.Context, k int) (model.RankedSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("top", float64(time.Since(start).Microseconds())/1000)
	}()

	k = clampLimit(k, s.maxLimit)
	out := make([]model.RankedRow, 0, k)
	if k == 0 {
		return model.RankedSnapshot{Rows: out}, nil
	}

	s.mu.RLock()
	collectTop(s.root, k, &out)
	s.mu.RUnlock()
	return model.RankedSnapshot{Rows: out}, nil
}

// RankOf returns the participant's rank in O(log n).
func (s *TreapStore) RankOf(ctx context.Context, participantID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.byID[participantID]
	if !ok {
		return 0, false, nil
	}
	return rankOf(s.root, participantID, score), true, nil
}

// ScoreOf returns the participant's score in O(1).
func (s *TreapStore) ScoreOf(ctx context.Context, participantID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.byID[participantID]
	return score, ok, nil
}

// Remove deletes a participant.
func (s *TreapStore) Remove(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.byID[participantID]
	if !ok {
		return nil
	}
	s.root = deleteNode(s.root, participantID, score)
	delete(s.byID, participantID)
	return nil
}

// Size returns the number of participants.
func (s *TreapStore) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

// Close stops the background metrics updater.
func (s *TreapStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

func (s *TreapStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				n, _ := s.Size(ctx)
				metrics.UpdateParticipants(n)
			}
		}
	}()
}
