package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/okian/scoreboard/internal/adapters/deadletter"
	"github.com/okian/scoreboard/internal/adapters/http/api"
	"github.com/okian/scoreboard/internal/adapters/http/site"
	"github.com/okian/scoreboard/internal/adapters/http/swagger"
	"github.com/okian/scoreboard/internal/adapters/postgres"
	"github.com/okian/scoreboard/internal/adapters/profilestore"
	"github.com/okian/scoreboard/internal/adapters/repository"
	"github.com/okian/scoreboard/internal/adapters/sink"
	"github.com/okian/scoreboard/internal/adapters/throttlestate"
	app "github.com/okian/scoreboard/internal/app"
	"github.com/okian/scoreboard/internal/config"
	"github.com/okian/scoreboard/internal/domain/profile"
	"github.com/okian/scoreboard/pkg/logger"
	"github.com/okian/scoreboard/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	systemMetricsInterval = 10 * time.Second
	startupPingTimeout    = 5 * time.Second
)

func main() {
	if err := logger.Init(); err != nil {
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "scoreboard exited with error", logger.Error(err))
		os.Exit(1)
	}
}

// run wires the service from cfg and serves HTTP until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if cfg.PyroscopeAddr != "" {
		profiler, err := startProfiler(cfg.PyroscopeAddr)
		if err != nil {
			log.Warn(ctx, "pyroscope disabled", logger.Error(err))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	deps, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close(ctx)

	svc := app.New(deps.serviceOptions(cfg)...)
	if err := svc.Start(ctx); err != nil {
		_ = deps.deadLetters.Close()
		return fmt.Errorf("start service: %w", err)
	}

	go startSystemMetricsUpdater(ctx)

	mux := newMux(ctx, cfg, svc, deps)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	log.Info(ctx, "shutting down", logger.Duration("timeout", cfg.ShutdownTimeout()))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "service shutdown incomplete", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return runErr
}

// backends holds the external connections opened for the service.
type backends struct {
	redis       redis.UniversalClient
	db          *gorm.DB
	deadLetters *deadletter.SQLiteStore
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	if cfg.UsesRedis() {
		b.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		err := b.redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
	}
	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(ctx, postgres.Options{DSN: cfg.PostgresDSN, MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour})
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		b.db = db
		if err := sink.NewGormSink(db).Migrate(ctx); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("migrate score_events: %w", err)
		}
		if err := profilestore.NewGormLookup(db).Migrate(ctx); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("migrate profiles: %w", err)
		}
	}
	dl, err := deadletter.Open(cfg.DeadLetterPath)
	if err != nil {
		b.close(ctx)
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	b.deadLetters = dl
	return b, nil
}

// serviceOptions translates cfg and the open backends into service options.
// The service owns and closes the ranking store and the dead-letter store.
func (b *backends) serviceOptions(cfg *config.Config) []app.Option {
	opts := []app.Option{
		app.WithLogger(logger.Get().Named("service")),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.EventQueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithTopK(cfg.TopK),
		app.WithThrottleWindow(cfg.ThrottleWindow()),
		app.WithRefreshInterval(cfg.RefreshInterval()),
		app.WithBatchPolicy(cfg.BatchSize, cfg.FlushInterval()),
		app.WithRetryPolicy(cfg.MaxRetries, cfg.RetryDelay()),
		app.WithBroadcastPolicy(cfg.HeartbeatInterval(), cfg.SendTimeout()),
		app.WithDeadLetters(b.deadLetters),
	}

	prefix := cfg.RedisKeyPrefix
	if cfg.RankingBackend == config.BackendRedis {
		opts = append(opts, app.WithStore(repository.NewRedisStore(b.redis,
			repository.WithKeyPrefix(prefix),
			repository.WithRedisMaxLimit(cfg.MaxLeaderboardLimit))))
	} else {
		opts = append(opts, app.WithStore(repository.NewTreapStore(context.Background(),
			repository.WithMaxLimit(cfg.MaxLeaderboardLimit))))
	}
	if cfg.ThrottleBackend == config.BackendRedis {
		opts = append(opts, app.WithThrottleState(throttlestate.NewRedisState(b.redis, throttlestate.WithKeyPrefix(prefix))))
	}

	if b.db != nil {
		opts = append(opts, app.WithSink(sink.NewGormSink(b.db)))

		var cache profile.Cache = profilestore.NewMemoryCache()
		if b.redis != nil {
			cache = profilestore.NewRedisCache(b.redis, prefix)
		}
		opts = append(opts, app.WithEnricher(profile.NewEnricher(cache, profilestore.NewGormLookup(b.db),
			profile.WithTTL(cfg.ProfileCacheTTL()))))
	}
	return opts
}

func (b *backends) healthChecks() []api.Option {
	var opts []api.Option
	if b.redis != nil {
		opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		}))
	}
	if b.db != nil {
		opts = append(opts, api.WithHealthCheck("postgres", func(ctx context.Context) error {
			sqlDB, err := b.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	}
	return opts
}

// close releases the connections the service does not own.
func (b *backends) close(ctx context.Context) {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Get().Warn(ctx, "close redis", logger.Error(err))
		}
	}
	if err := postgres.Close(b.db); err != nil {
		logger.Get().Warn(ctx, "close postgres", logger.Error(err))
	}
}

func newMux(ctx context.Context, cfg *config.Config, svc *app.Service, b *backends) *http.ServeMux {
	mux := http.NewServeMux()
	site.Register(ctx, mux)
	swagger.Register(ctx, mux)

	opts := append([]api.Option{
		api.WithMaxLimit(cfg.MaxLeaderboardLimit),
		api.WithDefaultLimit(cfg.TopK),
		api.WithOriginCheck(func(*http.Request) bool { return true }),
	}, b.healthChecks()...)
	api.NewServer(svc, opts...).Register(ctx, mux)
	return mux
}

func startProfiler(addr string) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: "scoreboard",
		ServerAddress:   addr,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

// startSystemMetricsUpdater refreshes process gauges until ctx ends.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
}
