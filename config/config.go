/*
Package config loads server configuration from flags and environment.

Every flag defaults to its environment variable, so containers can be
configured without arguments and developers can override on the command line.

  PORT                 -port                HTTP port (8080)
  DB_PATH              -db                  SQLite path, ":memory:" allowed (settlements.db)
  LOG_LEVEL            -log-level           debug|info|warn|error (info)
  DISPATCH_MODE        -dispatch            async|inline (async)
  QUEUE_SIZE           -queue-size          async queue capacity (64)
  QUEUE_WORKERS        -queue-workers       async workers (2)
  DRIVER_CONCURRENCY   -driver-concurrency  drivers generated in parallel per company (4)
  DRIVER_TIMEOUT       -driver-timeout      per-driver budget, 0 = none (0)
  SCHEDULER_ENABLED    -scheduler           run the generation scheduler (false)
  SCHEDULER_INTERVAL   -scheduler-interval  tick interval (1h)
  ALLOWED_ORIGINS      -allowed-origins     comma-separated CORS origins (*)
*/
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

type Config struct {
	Port     int
	DBPath   string
	LogLevel string

	DispatchMode settlement.DispatchMode
	QueueSize    int
	QueueWorkers int

	DriverConcurrency int
	DriverTimeout     time.Duration

	SchedulerEnabled  bool
	SchedulerInterval time.Duration

	AllowedOrigins []string
}

// Load parses args (without the program name) on top of environment defaults.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("settlement-engine", flag.ContinueOnError)

	port := fs.Int("port", envInt("PORT", 8080), "HTTP server port")
	db := fs.String("db", getEnv("DB_PATH", "settlements.db"), "SQLite database path")
	level := fs.String("log-level", getEnv("LOG_LEVEL", "info"), "log level")
	mode := fs.String("dispatch", getEnv("DISPATCH_MODE", string(settlement.ModeAsync)), "dispatch mode: async|inline")
	queueSize := fs.Int("queue-size", envInt("QUEUE_SIZE", 64), "async queue capacity")
	workers := fs.Int("queue-workers", envInt("QUEUE_WORKERS", 2), "async queue workers")
	concurrency := fs.Int("driver-concurrency", envInt("DRIVER_CONCURRENCY", 4), "drivers generated in parallel")
	timeout := fs.Duration("driver-timeout", envDuration("DRIVER_TIMEOUT", 0), "per-driver timeout (0 = none)")
	scheduler := fs.Bool("scheduler", envBool("SCHEDULER_ENABLED", false), "enable generation scheduler")
	interval := fs.Duration("scheduler-interval", envDuration("SCHEDULER_INTERVAL", time.Hour), "scheduler tick interval")
	origins := fs.String("allowed-origins", getEnv("ALLOWED_ORIGINS", "*"), "comma-separated CORS origins")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              *port,
		DBPath:            *db,
		LogLevel:          *level,
		DispatchMode:      settlement.DispatchMode(strings.ToLower(*mode)),
		QueueSize:         *queueSize,
		QueueWorkers:      *workers,
		DriverConcurrency: *concurrency,
		DriverTimeout:     *timeout,
		SchedulerEnabled:  *scheduler,
		SchedulerInterval: *interval,
		AllowedOrigins:    splitList(*origins),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	switch c.DispatchMode {
	case settlement.ModeAsync, settlement.ModeInline:
	default:
		return fmt.Errorf("invalid dispatch mode %q (want async or inline)", c.DispatchMode)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("queue workers must be positive, got %d", c.QueueWorkers)
	}
	if c.DriverConcurrency < 1 {
		return fmt.Errorf("driver concurrency must be positive, got %d", c.DriverConcurrency)
	}
	if c.DriverTimeout < 0 {
		return fmt.Errorf("driver timeout must not be negative")
	}
	if c.SchedulerEnabled && c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// =============================================================================
// ENV HELPERS
// =============================================================================

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
