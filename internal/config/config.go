// Package config loads worker settings from the environment, after reading
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgefit/deferred/backoff"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/scheduler"
	"github.com/forgefit/deferred/workitem"
	"github.com/forgefit/deferred/zap"
	"github.com/joho/godotenv"
)

// Config holds worker configuration.
type Config struct {
	ServiceName string
	Environment string
	LogLevel    string

	PrimaryDSN        string
	ReplicaDSN        string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	MigrateOnStart    bool

	Pollers         int
	BatchSize       int
	FanOutBatchSize int
	PollInterval    time.Duration
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration

	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Lease          time.Duration
	HandlerTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string
	// RelayEventTypes are the event types published to AMQPExchange.
	RelayEventTypes []string
}

// Load reads .env files when present (the process environment wins), then
// the environment.
func Load(files ...string) *Config {
	_ = godotenv.Load(files...)

	primary := strings.TrimSpace(getenv("DB_PRIMARY_DSN", ""))

	return &Config{
		ServiceName: getenv("SERVICE_NAME", "deferred"),
		Environment: strings.ToLower(getenv("ENV_NAME", string(zap.EnvironmentDevelopment))),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),

		PrimaryDSN:        primary,
		ReplicaDSN:        strings.TrimSpace(getenv("DB_REPLICA_DSN", primary)),
		DBMaxOpenConns:    getenvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getenvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: getenvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", false),

		Pollers:         getenvInt("WORKER_POLLERS", scheduler.DefaultPollers),
		BatchSize:       getenvInt("WORKER_BATCH_SIZE", workitem.DefaultBatchSize),
		FanOutBatchSize: getenvInt("OUTBOX_FANOUT_BATCH_SIZE", outbox.DefaultFanOutBatchSize),
		PollInterval:    getenvDuration("WORKER_POLL_INTERVAL", scheduler.DefaultPollInterval),
		RateLimit:       getenvFloat("WORKER_RATE_LIMIT", 0),
		RateBurst:       getenvInt("WORKER_RATE_BURST", 1),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		MaxAttempts:    getenvInt("RETRY_MAX_ATTEMPTS", workitem.DefaultMaxAttempts),
		BackoffBase:    getenvDuration("RETRY_BACKOFF_BASE", workitem.DefaultBackoffBase),
		BackoffMax:     getenvDuration("RETRY_BACKOFF_MAX", workitem.DefaultBackoffMax),
		Lease:          getenvDuration("WORKER_LEASE", workitem.DefaultLease),
		HandlerTimeout: getenvDuration("HANDLER_TIMEOUT", workitem.DefaultHandlerTimeout),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		AMQPURL:         strings.TrimSpace(getenv("AMQP_URL", "")),
		AMQPExchange:    strings.TrimSpace(getenv("AMQP_EXCHANGE", "deferred.events")),
		RelayEventTypes: splitList(getenv("AMQP_RELAY_EVENT_TYPES", "")),
	}
}

// RetryPolicy builds the shared retry policy.
func (c *Config) RetryPolicy() workitem.RetryPolicy {
	return workitem.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		Backoff:        backoff.Policy{Base: c.BackoffBase, Max: c.BackoffMax},
		HandlerTimeout: c.HandlerTimeout,
		Lease:          c.Lease,
	}
}

func (c *Config) Logger() zap.Config {
	return zap.Config{
		Environment: zap.Environment(c.Environment),
		Level:       c.LogLevel,
		ServiceName: c.ServiceName,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.PrimaryDSN == "" {
		errs = append(errs, errors.New("DB_PRIMARY_DSN is required"))
	}

	switch zap.Environment(c.Environment) {
	case zap.EnvironmentProduction, zap.EnvironmentStaging, zap.EnvironmentDevelopment, zap.EnvironmentLocal:
	default:
		errs = append(errs, fmt.Errorf("ENV_NAME %q is not one of production, staging, development, local", c.Environment))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"WORKER_POLLERS", c.Pollers},
		{"WORKER_BATCH_SIZE", c.BatchSize},
		{"OUTBOX_FANOUT_BATCH_SIZE", c.FanOutBatchSize},
		{"DB_MAX_OPEN_CONNS", c.DBMaxOpenConns},
	}

	for _, p := range positive {
		if p.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", p.name, p.value))
		}
	}

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}

	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("WORKER_RATE_LIMIT must not be negative, got %v", c.RateLimit))
	}

	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("WORKER_RATE_BURST must be at least 1, got %d", c.RateBurst))
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry policy: %w", err))
	}

	if len(c.RelayEventTypes) > 0 && c.AMQPURL == "" {
		errs = append(errs, errors.New("AMQP_URL is required when AMQP_RELAY_EVENT_TYPES is set"))
	}

	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}

	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}

	return parsed
}

// getenvDuration accepts Go durations ("90s") or bare seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}

	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
