package broadcast

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/scoreboard/internal/domain/model"
	"github.com/okian/scoreboard/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

type fakeSub struct {
	id       string
	broken   bool
	notReady bool
	block    bool
	onSend   func()

	mu       sync.Mutex
	received []Message
	closed   atomic.Bool
}

func (f *fakeSub) ID() string  { return f.id }
func (f *fakeSub) Ready() bool { return !f.notReady && !f.closed.Load() }
func (f *fakeSub) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSub) Send(ctx context.Context, m Message) error {
	if f.onSend != nil {
		f.onSend()
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.broken {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, m)
	return nil
}

func (f *fakeSub) kinds() []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Kind, 0, len(f.received))
	for _, m := range f.received {
		out = append(out, m.Kind())
	}
	return out
}

func sampleEvent() *model.UpdateEvent {
	return &model.UpdateEvent{
		Snapshot:    model.RankedSnapshot{Rows: []model.RankedRow{{ParticipantID: "bob", Score: 2000, Rank: 1}}},
		GeneratedAt: time.Now(),
		Fingerprint: "f1",
	}
}

func TestHubBroadcast(t *testing.T) {
	Convey("Given a hub with three subscribers, one broken", t, func() {
		ctx := context.Background()
		hub := NewHub()
		a := &fakeSub{id: "a"}
		b := &fakeSub{id: "b", broken: true}
		c := &fakeSub{id: "c"}
		for _, s := range []*fakeSub{a, b, c} {
			So(hub.Register(s), ShouldBeNil)
		}
		So(hub.Count(), ShouldEqual, 3)

		Convey("When an update is broadcast", func() {
			res := hub.Broadcast(ctx, sampleEvent())

			Convey("Then two are delivered and the broken one is removed and closed", func() {
				So(res, ShouldResemble, Result{Delivered: 2, Failed: 1})
				So(hub.LastResult(), ShouldResemble, res)
				So(hub.Count(), ShouldEqual, 2)
				So(b.closed.Load(), ShouldBeTrue)
				So(a.kinds(), ShouldResemble, []Kind{KindUpdate})
				So(c.kinds(), ShouldResemble, []Kind{KindUpdate})
			})

			Convey("Then a later heartbeat no longer targets the broken one", func() {
				hb := hub.Heartbeat(ctx)
				So(hb, ShouldResemble, Result{Delivered: 2, Failed: 0})
				So(a.kinds(), ShouldResemble, []Kind{KindUpdate, KindHeartbeat})
				So(b.kinds(), ShouldBeEmpty)
				So(hub.LastResult(), ShouldResemble, res)
			})
		})
	})

	Convey("Given a subscriber that is not ready", t, func() {
		hub := NewHub()
		s := &fakeSub{id: "idle", notReady: true}
		So(hub.Register(s), ShouldBeNil)

		Convey("It counts as failed without a send attempt", func() {
			res := hub.Broadcast(context.Background(), sampleEvent())
			So(res, ShouldResemble, Result{Delivered: 0, Failed: 1})
			So(s.kinds(), ShouldBeEmpty)
			So(hub.Count(), ShouldEqual, 0)
		})
	})

	Convey("Given a subscriber that never completes a send", t, func() {
		hub := NewHub(WithSendTimeout(20 * time.Millisecond))
		slow := &fakeSub{id: "slow", block: true}
		fast := &fakeSub{id: "fast"}
		So(hub.Register(slow), ShouldBeNil)
		So(hub.Register(fast), ShouldBeNil)

		Convey("The fan-out is bounded by the send timeout", func() {
			start := time.Now()
			res := hub.Broadcast(context.Background(), sampleEvent())
			So(time.Since(start), ShouldBeLessThan, time.Second)
			So(res, ShouldResemble, Result{Delivered: 1, Failed: 1})
			So(fast.kinds(), ShouldResemble, []Kind{KindUpdate})
		})
	})

	Convey("Given a subscriber unregistered while a broadcast is running", t, func() {
		hub := NewHub(WithParallelism(1))
		c := &fakeSub{id: "c"}
		a := &fakeSub{id: "a", onSend: func() { hub.Unregister("c") }}
		b := &fakeSub{id: "b"}
		for _, s := range []*fakeSub{a, b, c} {
			So(hub.Register(s), ShouldBeNil)
		}

		Convey("The remaining subscribers still receive the update", func() {
			res := hub.Broadcast(context.Background(), sampleEvent())
			So(res.Failed, ShouldEqual, 0)
			So(a.kinds(), ShouldResemble, []Kind{KindUpdate})
			So(b.kinds(), ShouldResemble, []Kind{KindUpdate})
			So(hub.Count(), ShouldEqual, 2)
		})
	})
}

func TestHubMembership(t *testing.T) {
	Convey("Given an empty hub", t, func() {
		hub := NewHub()

		Convey("Unregister is idempotent", func() {
			s := &fakeSub{id: "x"}
			So(hub.Register(s), ShouldBeNil)
			hub.Unregister("x")
			hub.Unregister("x")
			hub.Unregister("never-registered")
			So(hub.Count(), ShouldEqual, 0)
		})

		Convey("Broadcast to nobody reports zero", func() {
			So(hub.Broadcast(context.Background(), sampleEvent()), ShouldResemble, Result{})
		})
	})
}

func TestHubShutdown(t *testing.T) {
	Convey("Given a hub with live and stale subscribers", t, func() {
		ctx := context.Background()
		hub := NewHub()
		live := &fakeSub{id: "live"}
		stale := &fakeSub{id: "stale", notReady: true}
		So(hub.Register(live), ShouldBeNil)
		So(hub.Register(stale), ShouldBeNil)

		Convey("When the hub shuts down", func() {
			hub.Shutdown(ctx)

			Convey("Then live subscribers are notified and everyone is closed", func() {
				So(live.kinds(), ShouldResemble, []Kind{KindShutdown})
				So(stale.kinds(), ShouldBeEmpty)
				So(live.closed.Load(), ShouldBeTrue)
				So(stale.closed.Load(), ShouldBeTrue)
				So(hub.Count(), ShouldEqual, 0)
			})

			Convey("Then new registrations are refused and closed", func() {
				late := &fakeSub{id: "late"}
				So(hub.Register(late), ShouldEqual, ErrHubClosed)
				So(late.closed.Load(), ShouldBeTrue)
				So(hub.Count(), ShouldEqual, 0)
			})

			Convey("Then a second shutdown is a no-op", func() {
				hub.Shutdown(ctx)
				So(live.kinds(), ShouldHaveLength, 1)
			})
		})
	})
}

func TestHubRun(t *testing.T) {
	Convey("Given a running hub with a short heartbeat interval", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		hub := NewHub(WithHeartbeatInterval(5 * time.Millisecond))
		s := &fakeSub{id: "s"}
		So(hub.Register(s), ShouldBeNil)

		done := make(chan struct{})
		go func() {
			hub.Run(ctx)
			close(done)
		}()

		Convey("Heartbeats arrive until the context ends", func() {
			deadline := time.Now().Add(2 * time.Second)
			for len(s.kinds()) == 0 && time.Now().Before(deadline) {
				time.Sleep(2 * time.Millisecond)
			}
			So(s.kinds(), ShouldNotBeEmpty)
			So(s.kinds()[0], ShouldEqual, KindHeartbeat)

			cancel()
			select {
			case <-done:
			case <-time.After(time.Second):
				So("run did not stop", ShouldBeEmpty)
			}
		})
		Reset(cancel)
	})
}
