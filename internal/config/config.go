// Package config defines service configuration and its loading hooks.
package config

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"
)

// Backend names accepted by RankingBackend and ThrottleBackend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// EventQueueSize bounds the ingestion queue.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of ingestion workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many recent submissions are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit and top-K reads.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	// TopK is the snapshot size published to subscribers.
	TopK int `koanf:"top_k"`

	ThrottleWindowMS    int `koanf:"throttle_window_ms"`
	RefreshIntervalMS   int `koanf:"refresh_interval_ms"`
	BatchSize           int `koanf:"batch_size"`
	FlushIntervalMS     int `koanf:"flush_interval_ms"`
	MaxRetries          int `koanf:"max_retries"`
	RetryDelayMS        int `koanf:"retry_delay_ms"`
	HeartbeatIntervalMS int `koanf:"heartbeat_interval_ms"`
	SendTimeoutMS       int `koanf:"send_timeout_ms"`
	ShutdownTimeoutMS   int `koanf:"shutdown_timeout_ms"`

	// RankingBackend selects the ranking store: memory or redis.
	RankingBackend string `koanf:"ranking_backend"`
	// ThrottleBackend selects where the shared throttle state lives.
	ThrottleBackend string `koanf:"throttle_backend"`

	RedisAddr      string `koanf:"redis_addr"`
	RedisPassword  string `koanf:"redis_password"`
	RedisDB        int    `koanf:"redis_db"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	// PostgresDSN enables the database sink and profile lookup. Empty means
	// batches are only logged.
	PostgresDSN string `koanf:"postgres_dsn"`

	// DeadLetterPath is the SQLite file receiving batches that exhaust
	// their retries.
	DeadLetterPath string `koanf:"deadletter_path"`

	ProfileCacheTTLMS int `koanf:"profile_cache_ttl_ms"`

	// PyroscopeAddr enables continuous profiling when set.
	PyroscopeAddr string `koanf:"pyroscope_addr"`
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":9080",
		EventQueueSize:      100_000,
		WorkerCount:         runtime.NumCPU() * 2,
		DedupeSize:          500_000,
		MaxLeaderboardLimit: 100,
		TopK:                10,
		ThrottleWindowMS:    500,
		RefreshIntervalMS:   1000,
		BatchSize:           100,
		FlushIntervalMS:     5000,
		MaxRetries:          3,
		RetryDelayMS:        1000,
		HeartbeatIntervalMS: 30_000,
		SendTimeoutMS:       2000,
		ShutdownTimeoutMS:   10_000,
		RankingBackend:      BackendMemory,
		ThrottleBackend:     BackendMemory,
		RedisAddr:           "localhost:6379",
		RedisKeyPrefix:      "scoreboard",
		DeadLetterPath:      "deadletter.db",
		ProfileCacheTTLMS:   300_000,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ThrottleWindow() time.Duration    { return ms(c.ThrottleWindowMS) }
func (c *Config) RefreshInterval() time.Duration   { return ms(c.RefreshIntervalMS) }
func (c *Config) FlushInterval() time.Duration     { return ms(c.FlushIntervalMS) }
func (c *Config) RetryDelay() time.Duration        { return ms(c.RetryDelayMS) }
func (c *Config) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMS) }
func (c *Config) SendTimeout() time.Duration       { return ms(c.SendTimeoutMS) }
func (c *Config) ShutdownTimeout() time.Duration   { return ms(c.ShutdownTimeoutMS) }
func (c *Config) ProfileCacheTTL() time.Duration   { return ms(c.ProfileCacheTTLMS) }

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.RankingBackend == BackendRedis || c.ThrottleBackend == BackendRedis
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"queue_size", c.EventQueueSize},
		{"worker_count", c.WorkerCount},
		{"max_leaderboard_limit", c.MaxLeaderboardLimit},
		{"top_k", c.TopK},
		{"refresh_interval_ms", c.RefreshIntervalMS},
		{"batch_size", c.BatchSize},
		{"flush_interval_ms", c.FlushIntervalMS},
		{"max_retries", c.MaxRetries},
		{"retry_delay_ms", c.RetryDelayMS},
		{"heartbeat_interval_ms", c.HeartbeatIntervalMS},
		{"send_timeout_ms", c.SendTimeoutMS},
		{"shutdown_timeout_ms", c.ShutdownTimeoutMS},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d: %w", p.name, p.v, ErrInvalidConfig)
		}
	}
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("addr must not be empty: %w", ErrInvalidConfig)
	case c.ThrottleWindowMS < 0:
		return fmt.Errorf("throttle_window_ms must not be negative: %w", ErrInvalidConfig)
	case c.TopK > c.MaxLeaderboardLimit:
		return fmt.Errorf("top_k %d exceeds max_leaderboard_limit %d: %w", c.TopK, c.MaxLeaderboardLimit, ErrInvalidConfig)
	case c.MaxRetries > 16:
		return fmt.Errorf("max_retries %d is above 16: %w", c.MaxRetries, ErrInvalidConfig)
	case c.DeadLetterPath == "":
		return fmt.Errorf("deadletter_path must not be empty: %w", ErrInvalidConfig)
	}
	backends := []string{BackendMemory, BackendRedis}
	if !slices.Contains(backends, c.RankingBackend) {
		return fmt.Errorf("ranking_backend %q: %w", c.RankingBackend, ErrInvalidConfig)
	}
	if !slices.Contains(backends, c.ThrottleBackend) {
		return fmt.Errorf("throttle_backend %q: %w", c.ThrottleBackend, ErrInvalidConfig)
	}
	if c.UsesRedis() && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required for the redis backend: %w", ErrInvalidConfig)
	}
	return nil
}
