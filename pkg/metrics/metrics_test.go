package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then it registers its collectors on that registry", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "test")
				So(manager.subsystem, ShouldEqual, "unit")

				manager.participants.Set(3)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
			})
		})

		Convey("When empty options are supplied", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithHistogramBuckets(nil),
				WithPrometheusRegistry(registry),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "scoreboard")
				So(manager.subsystem, ShouldEqual, "leaderboard")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics manager", t, func() {
		Convey("When recording batch state", func() {
			UpdateBatchPending(42)
			SetBatchFlushInProgress(true)

			Convey("Then the gauges reflect it", func() {
				So(testutil.ToFloat64(globalManager.batchPending), ShouldEqual, 42)
				So(testutil.ToFloat64(globalManager.batchFlushInProgress), ShouldEqual, 1)
				SetBatchFlushInProgress(false)
				So(testutil.ToFloat64(globalManager.batchFlushInProgress), ShouldEqual, 0)
			})
		})

		Convey("When recording a broadcast", func() {
			RecordBroadcast(2, 1)

			Convey("Then the last result is exposed", func() {
				So(testutil.ToFloat64(globalManager.broadcastDelivered), ShouldEqual, 2)
				So(testutil.ToFloat64(globalManager.broadcastFailed), ShouldEqual, 1)
			})
		})

		Convey("When recording the last publish time", func() {
			at := time.Unix(1_700_000_000, 0)
			UpdateThrottleLastPublished(at)

			Convey("Then the gauge holds the unix seconds", func() {
				So(testutil.ToFloat64(globalManager.throttleLastPublished), ShouldEqual, 1_700_000_000)
			})
		})

		Convey("When counting labelled events", func() {
			before := testutil.ToFloat64(globalManager.throttleDecisions.WithLabelValues("throttled"))
			RecordThrottleDecision("throttled")
			RecordThrottleDecision("throttled")

			Convey("Then the labelled counter grows", func() {
				after := testutil.ToFloat64(globalManager.throttleDecisions.WithLabelValues("throttled"))
				So(after-before, ShouldEqual, 2)
			})
		})

		Convey("When calling every recorder", func() {
			Convey("Then none of them panic", func() {
				So(func() {
					RecordEventIngested()
					RecordEventDuplicate()
					RecordEventRejected("queue_full")
					RecordStoreLatency("upsert", 0.2)
					RecordStoreError("top")
					UpdateParticipants(10)
					UpdateQueueSize(1)
					UpdateQueueCapacity(10)
					RecordQueueEnqueue()
					RecordQueueDequeue()
					RecordQueueEnqueueError()
					UpdateWorkerCount(4)
					RecordWorkerProcessingLatency(1.5)
					RecordWorkerError()
					RecordBatchFlush("persisted", 12)
					RecordBatchRetry()
					RecordDeadLetter()
					RecordOverflowFailure()
					UpdateSubscriberCount(3)
					RecordBroadcastSend("update", "delivered")
					RecordEnrichment("cache", "found")
					RecordHTTPRequest("/leaderboard", "GET", "200")
					RecordHTTPRequestDuration("/leaderboard", "GET", "200", 3)
					UpdateSystemMemoryUsage(1 << 20)
					UpdateSystemGoroutineCount(12)
				}, ShouldNotPanic)
			})
		})
	})
}

func TestMetricsConcurrency(t *testing.T) {
	Convey("Given concurrent recorders", t, func() {
		before := testutil.ToFloat64(globalManager.batchRetries)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				RecordBatchRetry()
			}()
		}
		wg.Wait()

		Convey("Then every increment is counted", func() {
			So(testutil.ToFloat64(globalManager.batchRetries)-before, ShouldEqual, 50)
		})
	})
}

func TestGetRegistry(t *testing.T) {
	Convey("Given the package registry", t, func() {
		Convey("Then it is the registry the global manager uses", func() {
			So(GetRegistry(), ShouldEqual, customRegistry)
		})
	})
}
