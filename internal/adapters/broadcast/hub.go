// Package broadcast fans published leaderboard updates out to live
// subscribers.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

const (
	defaultSendTimeout       = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultParallelism       = 64
)

// Subscriber is a live connection. The hub only tracks membership; it
// never owns subscriber-side state.
type Subscriber interface {
	ID() string
	Ready() bool
	Send(ctx context.Context, m Message) error
	Close() error
}

// Result counts the outcome of one fan-out.
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Hub holds the subscriber registry.
type Hub struct {
	sendTimeout       time.Duration
	heartbeatInterval time.Duration
	parallelism       int
	now               func() time.Time
	logger            logger.Logger

	mu     sync.RWMutex
	subs   map[string]Subscriber
	closed bool
	last   Result
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sendTimeout:       defaultSendTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		parallelism:       defaultParallelism,
		now:               time.Now,
		logger:            logger.Get().Named("broadcast"),
		subs:              make(map[string]Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds s. After Shutdown the subscriber is closed and ErrHubClosed
// is returned.
func (h *Hub) Register(s Subscriber) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = s.Close()
		return ErrHubClosed
	}
	h.subs[s.ID()] = s
	n := len(h.subs)
	h.mu.Unlock()

	metrics.UpdateSubscriberCount(n)
	return nil
}

// Unregister removes the subscriber with the given id. Unknown ids are
// ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	metrics.UpdateSubscriberCount(n)
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// LastResult returns the outcome of the most recent Broadcast.
func (h *Hub) LastResult() Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Broadcast delivers ev to every registered subscriber. Subscribers that
// are not ready or whose send fails are removed and closed.
func (h *Hub) Broadcast(ctx context.Context, ev *model.UpdateEvent) Result {
	res := h.deliver(ctx, NewUpdateMessage(ev))
	h.mu.Lock()
	h.last = res
	h.mu.Unlock()
	metrics.RecordBroadcast(res.Delivered, res.Failed)
	return res
}

// Heartbeat sends a liveness ping with the same removal rules as Broadcast.
func (h *Hub) Heartbeat(ctx context.Context) Result {
	return h.deliver(ctx, HeartbeatMessage{Timestamp: h.now().UTC()})
}

// Run sends heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := h.Heartbeat(ctx)
			if res.Failed > 0 {
				h.logger.Debug(ctx, "heartbeat dropped subscribers", logger.Int("failed", res.Failed))
			}
		}
	}
}

// Shutdown notifies and closes every subscriber and refuses new ones.
// Calling it again is a no-op.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.snapshotLocked()
	clear(h.subs)
	h.mu.Unlock()
	metrics.UpdateSubscriberCount(0)

	msg := ShutdownMessage{Reason: "server shutting down", Timestamp: h.now().UTC()}
	g := new(errgroup.Group)
	g.SetLimit(h.parallelism)
	for _, s := range subs {
		g.Go(func() error {
			if s.Ready() {
				if err := h.send(ctx, s, msg); err != nil {
					h.logger.Debug(ctx, "shutdown notice not delivered", logger.String("subscriber_id", s.ID()), logger.Error(err))
				}
			}
			_ = s.Close()
			return nil
		})
	}
	_ = g.Wait()
	h.logger.Info(ctx, "broadcast hub shut down", logger.Int("subscribers", len(subs)))
}

func (h *Hub) snapshotLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	return subs
}

func (h *Hub) deliver(ctx context.Context, msg Message) Result {
	h.mu.RLock()
	subs := h.snapshotLocked()
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		failed []Subscriber
	)
	g := new(errgroup.Group)
	g.SetLimit(h.parallelism)
	for _, s := range subs {
		g.Go(func() error {
			err := h.send(ctx, s, msg)
			if err == nil {
				metrics.RecordBroadcastSend(string(msg.Kind()), "delivered")
				return nil
			}
			metrics.RecordBroadcastSend(string(msg.Kind()), "failed")
			h.logger.Debug(ctx, "dropping subscriber", logger.String("subscriber_id", s.ID()), logger.Error(err))
			mu.Lock()
			failed = append(failed, s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, s := range failed {
			if cur, ok := h.subs[s.ID()]; ok && cur == s {
				delete(h.subs, s.ID())
			}
		}
		n := len(h.subs)
		h.mu.Unlock()
		metrics.UpdateSubscriberCount(n)
		for _, s := range failed {
			_ = s.Close()
		}
	}
	return Result{Delivered: len(subs) - len(failed), Failed: len(failed)}
}

func (h *Hub) send(ctx context.Context, s Subscriber, msg Message) error {
	if !s.Ready() {
		return fmt.Errorf("subscriber %s not ready: %w", s.ID(), model.ErrSubscriberUnreachable)
	}
	sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := s.Send(sctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), s.ID(), err)
	}
	return nil
}
