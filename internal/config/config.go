package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the job queue server and CLI.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	CORSOrigin         string
	RateLimitPerMinute int
}

type StoreConfig struct {
	Driver        string
	SQLitePath    string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; an empty URL disables the status cache, rate
// limiting and cross-process wake-ups.
type RedisConfig struct {
	URL string
}

// NATSConfig is optional; an empty URL disables lifecycle event publishing.
type NATSConfig struct {
	URL string
}

// WorkerConfig tunes the execution engine.
type WorkerConfig struct {
	ID                 string
	PoolSize           int
	VisibilityTimeout  time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	BackoffJitter      float64
	ReaperInterval     time.Duration
	PollInterval       time.Duration
	DefaultMaxAttempts int
	// ShutdownGrace is how long in-flight handlers may run after a shutdown
	// signal before they are cancelled.
	ShutdownGrace time.Duration
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("JOBQUEUE_PORT", 8080),
			Env:                envString("JOBQUEUE_ENV", "development"),
			CORSOrigin:         envString("CORS_ORIGIN", "http://localhost:3000"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(envString("STORE_DRIVER", "postgres")),
			SQLitePath:    envString("SQLITE_PATH", "jobqueue.db"),
			MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Worker: WorkerConfig{
			ID:                 envString("WORKER_ID", defaultWorkerID()),
			PoolSize:           envInt("WORKER_POOL_SIZE", 4),
			VisibilityTimeout:  envDuration("VISIBILITY_TIMEOUT", 5*time.Minute),
			BackoffBase:        envDuration("BACKOFF_BASE", time.Second),
			BackoffMax:         envDuration("BACKOFF_MAX", 5*time.Minute),
			BackoffJitter:      envFloat("BACKOFF_JITTER", 0.2),
			ReaperInterval:     envDuration("REAPER_INTERVAL", 30*time.Second),
			PollInterval:       envDuration("POLL_INTERVAL", time.Second),
			DefaultMaxAttempts: envInt("DEFAULT_MAX_ATTEMPTS", 3),
			ShutdownGrace:      envDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory; got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}
	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.NATS.URL)
	}

	if c.Server.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.Server.RateLimitPerMinute)
	}

	w := c.Worker
	if w.PoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", w.PoolSize)
	}
	if w.VisibilityTimeout <= 0 {
		return fmt.Errorf("VISIBILITY_TIMEOUT must be positive, got %s", w.VisibilityTimeout)
	}
	if w.BackoffBase <= 0 || w.BackoffMax < w.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and not exceed BACKOFF_MAX, got %s and %s", w.BackoffBase, w.BackoffMax)
	}
	if w.BackoffJitter < 0 || w.BackoffJitter > 1 {
		return fmt.Errorf("BACKOFF_JITTER must be between 0 and 1, got %g", w.BackoffJitter)
	}
	if w.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %s", w.ReaperInterval)
	}
	if w.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", w.PollInterval)
	}
	if w.DefaultMaxAttempts < 1 {
		return fmt.Errorf("DEFAULT_MAX_ATTEMPTS must be at least 1, got %d", w.DefaultMaxAttempts)
	}
	if w.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be positive, got %s", w.ShutdownGrace)
	}

	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
