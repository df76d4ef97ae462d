package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	app "github.com/okian/scoreboard/internal/app"
	"github.com/okian/scoreboard/internal/config"
	"github.com/okian/scoreboard/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init()
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.New()
	cfg.Addr = "127.0.0.1:0"
	cfg.WorkerCount = 2
	cfg.EventQueueSize = 100
	cfg.DeadLetterPath = filepath.Join(t.TempDir(), "deadletter.db")
	return cfg
}

func TestWiring(t *testing.T) {
	convey.Convey("Given the default in-process configuration", t, func() {
		ctx := context.Background()
		cfg := testConfig(t)

		deps, err := openBackends(ctx, cfg)
		convey.So(err, convey.ShouldBeNil)
		convey.So(deps.redis, convey.ShouldBeNil)
		convey.So(deps.db, convey.ShouldBeNil)
		convey.So(deps.deadLetters, convey.ShouldNotBeNil)

		svc := app.New(deps.serviceOptions(cfg)...)
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		mux := newMux(ctx, cfg, svc, deps)

		convey.Convey("Then the API, docs and probes are served", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scores",
				strings.NewReader(`{"participant_id":"alice","score":10,"occurred_at":"2026-01-02T03:04:05Z"}`)))
			convey.So(w.Code, convey.ShouldEqual, http.StatusAccepted)

			for _, path := range []string{"/", "/healthz", "/openapi.yaml", "/api-docs", "/stats", "/metrics", "/leaderboard"} {
				w := httptest.NewRecorder()
				mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
				convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			}

			w = httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/leaderboard?limit=101", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusBadRequest)
		})

		convey.Reset(func() {
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_ = svc.Stop(sctx)
			deps.close(ctx)
		})
	})

	convey.Convey("Given a redis backend that cannot be reached", t, func() {
		cfg := testConfig(t)
		cfg.RankingBackend = config.BackendRedis
		cfg.RedisAddr = "127.0.0.1:1"

		convey.Convey("Then startup fails before the service is built", func() {
			_, err := openBackends(context.Background(), cfg)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(err.Error(), convey.ShouldContainSubstring, "ping redis")
		})
	})
}

func TestRun(t *testing.T) {
	convey.Convey("Given a cancelled context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		convey.Convey("Then run shuts down cleanly", func() {
			convey.So(run(ctx, testConfig(t)), convey.ShouldBeNil)
		})
	})
}

func TestSystemMetrics(t *testing.T) {
	convey.Convey("Given the system metrics updater", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		convey.So(func() {
			updateSystemMetrics()
			startSystemMetricsUpdater(ctx)
		}, convey.ShouldNotPanic)
	})
}
