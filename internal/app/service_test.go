package service_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/scoreboard/internal/adapters/broadcast"
	"github.com/okian/scoreboard/internal/adapters/deadletter"
	"github.com/okian/scoreboard/internal/adapters/profilestore"
	"github.com/okian/scoreboard/internal/adapters/repository"
	"github.com/okian/scoreboard/internal/adapters/throttlestate"
	service "github.com/okian/scoreboard/internal/app"
	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/internal/domain/profile"
	"github.com/okian/scoreboard/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

type recordingSink struct {
	mu      sync.Mutex
	entries []model.ScoreEvent
	fail    bool
}

func (r *recordingSink) PersistBatch(_ context.Context, batch []model.ScoreEvent) error {
	if r.fail {
		return model.ErrSinkRejected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, batch...)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type chanSub struct {
	id     string
	msgs   chan broadcast.Message
	closed atomic.Bool
}

func newChanSub(id string) *chanSub {
	return &chanSub{id: id, msgs: make(chan broadcast.Message, 64)}
}

func (c *chanSub) ID() string  { return c.id }
func (c *chanSub) Ready() bool { return !c.closed.Load() }
func (c *chanSub) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *chanSub) Send(ctx context.Context, m broadcast.Message) error {
	select {
	case c.msgs <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next returns the next message that is not a heartbeat.
func (c *chanSub) next(timeout time.Duration) broadcast.Message {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-c.msgs:
			if m.Kind() == broadcast.KindHeartbeat {
				continue
			}
			return m
		case <-deadline:
			return nil
		}
	}
}

// gatedStore blocks every Upsert until gate is closed.
type gatedStore struct {
	*repository.TreapStore
	gate chan struct{}
}

func (g *gatedStore) Upsert(ctx context.Context, id string, score int64) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.TreapStore.Upsert(ctx, id, score)
}

func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func score(id string, s int64, at time.Time) model.ScoreEvent {
	return model.ScoreEvent{ParticipantID: id, Score: s, OccurredAt: at}
}

func startService(opts ...service.Option) *service.Service {
	base := []service.Option{
		service.WithWorkerCount(2),
		service.WithQueueSize(100),
		service.WithThrottleWindow(0),
		service.WithRefreshInterval(10 * time.Millisecond),
		service.WithRetryPolicy(1, time.Millisecond),
	}
	svc := service.New(append(base, opts...)...)
	So(svc.Start(context.Background()), ShouldBeNil)
	return svc
}

func stop(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = svc.Stop(ctx)
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a service that was never started", t, func() {
		svc := service.New()
		ctx := context.Background()

		Convey("Then it rejects work and reports itself stopped", func() {
			_, err := svc.Submit(ctx, score("alice", 1, time.Now()))
			So(errors.Is(err, service.ErrNotRunning), ShouldBeTrue)
			So(errors.Is(svc.Remove(ctx, "alice"), service.ErrNotRunning), ShouldBeTrue)
			So(errors.Is(svc.Healthy(ctx), service.ErrNotRunning), ShouldBeTrue)
			So(svc.GetStats(ctx).Started, ShouldBeFalse)
			So(svc.Stop(ctx), ShouldBeNil)
		})

		Convey("And a subscriber is refused and left to the caller", func() {
			sub := newChanSub("early")
			So(errors.Is(svc.Subscribe(ctx, sub), service.ErrNotRunning), ShouldBeTrue)
			So(sub.closed.Load(), ShouldBeFalse)
			So(sub.next(10*time.Millisecond), ShouldBeNil)
		})
	})

	Convey("Given a started service", t, func() {
		svc := startService()
		ctx := context.Background()

		Convey("Start is idempotent and the service is healthy", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Healthy(ctx), ShouldBeNil)
			stats := svc.GetStats(ctx)
			So(stats.Started, ShouldBeTrue)
			So(stats.Workers, ShouldEqual, 2)
			So(stats.QueueCapacity, ShouldEqual, 100)
			stop(svc)
		})

		Convey("After Stop it rejects submissions", func() {
			stop(svc)
			_, err := svc.Submit(ctx, score("alice", 1, time.Now()))
			So(errors.Is(err, service.ErrNotRunning), ShouldBeTrue)
			So(svc.Stop(ctx), ShouldBeNil)
		})
	})
}

func TestService_SubmitAndRead(t *testing.T) {
	Convey("Given a service with a recording sink", t, func() {
		sink := &recordingSink{}
		svc := startService(service.WithSink(sink))
		ctx := context.Background()
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		dup, err := svc.Submit(ctx, score("alice", 100, at))
		So(err, ShouldBeNil)
		So(dup, ShouldBeFalse)
		dup, err = svc.Submit(ctx, score("bob", 200, at))
		So(err, ShouldBeNil)
		So(dup, ShouldBeFalse)

		So(eventually(2*time.Second, func() bool {
			rows, err := svc.Leaderboard(ctx, 10)
			return err == nil && len(rows) == 2
		}), ShouldBeTrue)

		Convey("Then the leaderboard is ordered by score", func() {
			rows, err := svc.Leaderboard(ctx, 10)
			So(err, ShouldBeNil)
			So(rows[0].ParticipantID, ShouldEqual, "bob")
			So(rows[0].Rank, ShouldEqual, 1)
			So(rows[1].ParticipantID, ShouldEqual, "alice")

			row, err := svc.Rank(ctx, "alice")
			So(err, ShouldBeNil)
			So(row.Rank, ShouldEqual, 2)
			So(row.Score, ShouldEqual, 100)

			_, err = svc.Rank(ctx, "zed")
			So(errors.Is(err, service.ErrParticipantNotFound), ShouldBeTrue)
			stop(svc)
		})

		Convey("Then a repeated submission is reported as duplicate", func() {
			dup, err := svc.Submit(ctx, score("alice", 100, at))
			So(err, ShouldBeNil)
			So(dup, ShouldBeTrue)

			dup, err = svc.Submit(ctx, score("alice", 100, at.Add(time.Second)))
			So(err, ShouldBeNil)
			So(dup, ShouldBeFalse)
			stop(svc)
		})

		Convey("Then a removed participant leaves the leaderboard", func() {
			So(svc.Remove(ctx, "bob"), ShouldBeNil)
			rows, err := svc.Leaderboard(ctx, 10)
			So(err, ShouldBeNil)
			So(rows, ShouldHaveLength, 1)
			So(rows[0].ParticipantID, ShouldEqual, "alice")
			So(rows[0].Rank, ShouldEqual, 1)
			stop(svc)
		})

		Convey("Then Stop flushes accepted events to the sink", func() {
			So(sink.count(), ShouldEqual, 0)
			stop(svc)
			So(sink.count(), ShouldEqual, 2)

			stats := svc.GetStats(ctx)
			So(stats.Started, ShouldBeFalse)
		})

		Convey("Then the stats reflect the pipeline", func() {
			So(eventually(time.Second, func() bool {
				return svc.GetStats(ctx).LastFingerprint != ""
			}), ShouldBeTrue)
			stats := svc.GetStats(ctx)
			So(stats.Participants, ShouldEqual, 2)
			So(stats.Processed, ShouldEqual, 2)
			So(stats.DedupeEntries, ShouldEqual, 2)
			So(stats.Batch.Pending, ShouldEqual, 2)
			So(stats.LastPublishedAt, ShouldNotBeNil)
			stop(svc)
		})
	})
}

func TestService_DeadLetters(t *testing.T) {
	Convey("Given a sink that rejects every batch", t, func() {
		dl := deadletter.NewMemoryStore()
		svc := startService(
			service.WithSink(&recordingSink{fail: true}),
			service.WithDeadLetters(dl),
			service.WithBatchPolicy(1, time.Hour),
		)
		ctx := context.Background()

		_, err := svc.Submit(ctx, score("alice", 1, time.Now()))
		So(err, ShouldBeNil)

		Convey("Then the batch lands in the dead-letter store", func() {
			So(eventually(2*time.Second, func() bool {
				return svc.GetStats(ctx).DeadLetters == 1
			}), ShouldBeTrue)
			recs, err := dl.List(ctx, 10)
			So(err, ShouldBeNil)
			So(recs, ShouldHaveLength, 1)
			So(recs[0].Entries[0].ParticipantID, ShouldEqual, "alice")
			So(recs[0].AttemptCount, ShouldEqual, 1)
			So(svc.GetStats(ctx).Batch.DeadLettered, ShouldEqual, 1)
			stop(svc)
		})
	})
}

func TestService_Backpressure(t *testing.T) {
	Convey("Given a single worker stuck on a slow store and a one-slot queue", t, func() {
		ctx := context.Background()
		store := &gatedStore{TreapStore: repository.NewTreapStore(ctx), gate: make(chan struct{})}
		svc := startService(
			service.WithStore(store),
			service.WithWorkerCount(1),
			service.WithQueueSize(1),
		)
		at := time.Now()

		var rejected model.ScoreEvent
		sawBackpressure := false
		for i := 0; i < 10 && !sawBackpressure; i++ {
			e := score("p", int64(i), at)
			if _, err := svc.Submit(ctx, e); errors.Is(err, service.ErrBackpressure) {
				sawBackpressure = true
				rejected = e
			}
		}

		Convey("Then the overflowing submission is rejected", func() {
			So(sawBackpressure, ShouldBeTrue)

			Convey("And can be retried once the queue drains", func() {
				close(store.gate)
				So(eventually(2*time.Second, func() bool {
					return svc.GetStats(ctx).QueueLength == 0
				}), ShouldBeTrue)

				var dup bool
				var err error
				So(eventually(time.Second, func() bool {
					dup, err = svc.Submit(ctx, rejected)
					return !errors.Is(err, service.ErrBackpressure)
				}), ShouldBeTrue)
				So(err, ShouldBeNil)
				So(dup, ShouldBeFalse)
				stop(svc)
			})
		})

		Reset(func() {
			select {
			case <-store.gate:
			default:
				close(store.gate)
			}
			stop(svc)
		})
	})
}

func TestService_Subscribe(t *testing.T) {
	Convey("Given a started service and a subscriber", t, func() {
		svc := startService()
		ctx := context.Background()
		sub := newChanSub("sub-1")
		So(svc.Subscribe(ctx, sub), ShouldBeNil)

		Convey("Then it is greeted first", func() {
			m := sub.next(time.Second)
			hello, ok := m.(broadcast.ConnectedMessage)
			So(ok, ShouldBeTrue)
			So(hello.SubscriberID, ShouldEqual, "sub-1")
			So(svc.GetStats(ctx).Subscribers, ShouldEqual, 1)
			stop(svc)
		})

		Convey("When a score arrives", func() {
			So(sub.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})
			_, err := svc.Submit(ctx, score("alice", 42, time.Now()))
			So(err, ShouldBeNil)

			Convey("Then an update carrying the leaderboard is pushed", func() {
				upd, ok := sub.next(2 * time.Second).(broadcast.UpdateMessage)
				So(ok, ShouldBeTrue)
				So(upd.Leaderboard, ShouldHaveLength, 1)
				So(upd.Leaderboard[0].ParticipantID, ShouldEqual, "alice")
				So(upd.Changed, ShouldHaveLength, 1)
				So(upd.Fingerprint, ShouldNotBeEmpty)

				Convey("And a late subscriber receives the last update on connect", func() {
					late := newChanSub("sub-2")
					So(svc.Subscribe(ctx, late), ShouldBeNil)
					So(late.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})
					initial, ok := late.next(time.Second).(broadcast.UpdateMessage)
					So(ok, ShouldBeTrue)
					So(initial.Fingerprint, ShouldEqual, upd.Fingerprint)
					stop(svc)
				})
			})
		})

		Convey("When the subscriber unsubscribes", func() {
			svc.Unsubscribe("sub-1")
			So(svc.GetStats(ctx).Subscribers, ShouldEqual, 0)
			stop(svc)
		})

		Convey("When the service stops", func() {
			So(sub.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})
			stop(svc)

			Convey("Then the subscriber is told and closed", func() {
				So(sub.next(time.Second), ShouldHaveSameTypeAs, broadcast.ShutdownMessage{})
				So(sub.closed.Load(), ShouldBeTrue)
			})
		})
	})
}

// racingState commits race once, right after the first Load returns.
type racingState struct {
	*throttlestate.MemoryState
	once sync.Once
	race func()
}

func (r *racingState) Load(ctx context.Context) (*model.PublishedState, error) {
	st, err := r.MemoryState.Load(ctx)
	if r.race != nil {
		r.once.Do(r.race)
	}
	return st, err
}

func published(version int64, fingerprint string) model.PublishedState {
	return model.PublishedState{
		Version:     version,
		PublishedAt: time.Now(),
		Event: &model.UpdateEvent{
			Snapshot:    model.RankedSnapshot{Rows: []model.RankedRow{{ParticipantID: fingerprint, Score: version, Rank: 1}}},
			GeneratedAt: time.Now(),
			Fingerprint: fingerprint,
			Changed:     []model.RankChange{},
		},
	}
}

func TestService_SubscribeDuringPublish(t *testing.T) {
	Convey("Given a publish that commits while a subscriber is being added", t, func() {
		ctx := context.Background()
		state := &racingState{MemoryState: throttlestate.NewMemoryState()}
		ok, err := state.CompareAndSwap(ctx, 0, published(1, "first"))
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
		state.race = func() {
			_, _ = state.MemoryState.CompareAndSwap(ctx, 1, published(2, "second"))
		}

		svc := startService(service.WithThrottleState(state), service.WithRefreshInterval(time.Hour))
		sub := newChanSub("racer")
		So(svc.Subscribe(ctx, sub), ShouldBeNil)

		Convey("Then the subscriber receives the initial board and the newer one", func() {
			So(sub.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})
			first, ok := sub.next(time.Second).(broadcast.UpdateMessage)
			So(ok, ShouldBeTrue)
			So(first.Fingerprint, ShouldEqual, "first")
			second, ok := sub.next(time.Second).(broadcast.UpdateMessage)
			So(ok, ShouldBeTrue)
			So(second.Fingerprint, ShouldEqual, "second")
			So(svc.GetStats(ctx).Subscribers, ShouldEqual, 1)
			stop(svc)
		})
	})
}

func TestService_SharedState(t *testing.T) {
	Convey("Given two instances sharing a ranking store and throttle state", t, func() {
		ctx := context.Background()
		store := repository.NewTreapStore(ctx)
		state := throttlestate.NewMemoryState()
		a := startService(service.WithStore(store), service.WithThrottleState(state))
		b := startService(service.WithStore(store), service.WithThrottleState(state))
		subA := newChanSub("a")
		subB := newChanSub("b")
		So(a.Subscribe(ctx, subA), ShouldBeNil)
		So(b.Subscribe(ctx, subB), ShouldBeNil)
		So(subA.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})
		So(subB.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})

		Convey("When a score is submitted to one instance", func() {
			_, err := a.Submit(ctx, score("alice", 7, time.Now()))
			So(err, ShouldBeNil)

			Convey("Then subscribers of both instances get the same update", func() {
				updA, ok := subA.next(2 * time.Second).(broadcast.UpdateMessage)
				So(ok, ShouldBeTrue)
				updB, ok := subB.next(2 * time.Second).(broadcast.UpdateMessage)
				So(ok, ShouldBeTrue)
				So(updB.Fingerprint, ShouldEqual, updA.Fingerprint)
				So(updB.Leaderboard[0].ParticipantID, ShouldEqual, "alice")

				Convey("And neither instance sends it twice", func() {
					So(subA.next(100*time.Millisecond), ShouldBeNil)
					So(subB.next(100*time.Millisecond), ShouldBeNil)
					stop(a)
					stop(b)
				})
			})
		})
	})
}

func TestService_Throttle(t *testing.T) {
	Convey("Given a service with a long throttle window", t, func() {
		svc := startService(service.WithThrottleWindow(time.Hour))
		ctx := context.Background()
		sub := newChanSub("sub")
		So(svc.Subscribe(ctx, sub), ShouldBeNil)
		So(sub.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})

		_, err := svc.Submit(ctx, score("alice", 1, time.Now()))
		So(err, ShouldBeNil)
		first, ok := sub.next(2 * time.Second).(broadcast.UpdateMessage)
		So(ok, ShouldBeTrue)

		Convey("Then changes inside the window are held back", func() {
			_, err := svc.Submit(ctx, score("bob", 2, time.Now()))
			So(err, ShouldBeNil)
			So(eventually(time.Second, func() bool {
				rows, _ := svc.Leaderboard(ctx, 10)
				return len(rows) == 2
			}), ShouldBeTrue)

			So(sub.next(150*time.Millisecond), ShouldBeNil)
			So(svc.GetStats(ctx).LastFingerprint, ShouldEqual, first.Fingerprint)
			stop(svc)
		})
	})
}

func TestService_Enrichment(t *testing.T) {
	Convey("Given a service with a profile enricher", t, func() {
		lookup := profilestore.StaticLookup{
			"bob": {ParticipantID: "bob", DisplayName: "Bob", Country: "NL"},
		}
		svc := startService(service.WithEnricher(profile.NewEnricher(profilestore.NewMemoryCache(), lookup)))
		ctx := context.Background()
		sub := newChanSub("sub")
		So(svc.Subscribe(ctx, sub), ShouldBeNil)
		So(sub.next(time.Second), ShouldHaveSameTypeAs, broadcast.ConnectedMessage{})

		at := time.Now()
		_, err := svc.Submit(ctx, score("bob", 2, at))
		So(err, ShouldBeNil)
		_, err = svc.Submit(ctx, score("alice", 1, at))
		So(err, ShouldBeNil)
		So(eventually(2*time.Second, func() bool {
			rows, _ := svc.Leaderboard(ctx, 10)
			return len(rows) == 2
		}), ShouldBeTrue)

		Convey("Then reads carry profiles or placeholders", func() {
			rows, err := svc.Leaderboard(ctx, 10)
			So(err, ShouldBeNil)
			So(rows[0].DisplayName, ShouldEqual, "Bob")
			So(rows[0].Enrichment, ShouldEqual, model.EnrichmentFound)
			So(rows[1].DisplayName, ShouldEqual, model.PlaceholderUnknown)
			So(rows[1].Enrichment, ShouldEqual, model.EnrichmentNotFound)

			row, err := svc.Rank(ctx, "bob")
			So(err, ShouldBeNil)
			So(row.Country, ShouldEqual, "NL")
			stop(svc)
		})

		Convey("Then pushed updates are enriched", func() {
			var last broadcast.UpdateMessage
			So(eventually(2*time.Second, func() bool {
				if m, ok := sub.next(50 * time.Millisecond).(broadcast.UpdateMessage); ok {
					last = m
				}
				return len(last.Leaderboard) == 2
			}), ShouldBeTrue)
			So(last.Leaderboard[0].DisplayName, ShouldEqual, "Bob")
			stop(svc)
		})
	})
}
