// Package config loads the process configuration surface from the
// environment via github.com/kelseyhightower/envconfig.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full process configuration surface.
type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Engine retry/backoff schedule.
	MaxAttemptsPerTransport int           `envconfig:"MAX_ATTEMPTS_PER_TRANSPORT" default:"3"`
	InitialRetryDelay       time.Duration `envconfig:"INITIAL_RETRY_DELAY" default:"1s"`
	MaxRetryDelay           time.Duration `envconfig:"MAX_RETRY_DELAY" default:"30s"`
	RetryMultiplier         float64       `envconfig:"RETRY_MULTIPLIER" default:"2"`
	EnableBreaker           bool          `envconfig:"ENABLE_BREAKER" default:"true"`
	EnableQueue             bool          `envconfig:"ENABLE_QUEUE" default:"true"`

	// Breaker
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerOpenDuration     time.Duration `envconfig:"BREAKER_OPEN_DURATION" default:"30s"`

	// Rate limiting
	RateCapacity int           `envconfig:"RATE_CAPACITY" default:"100"`
	RateWindow   time.Duration `envconfig:"RATE_WINDOW" default:"60s"`

	// JobQueue
	QueueMaxConcurrency     int           `envconfig:"QUEUE_MAX_CONCURRENCY" default:"5"`
	QueuePollInterval       time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueJobTimeout         time.Duration `envconfig:"QUEUE_JOB_TIMEOUT" default:"90s"`
	QueueRetryBaseDelay     time.Duration `envconfig:"QUEUE_RETRY_BASE_DELAY" default:"5s"`
	QueueStuckSweepInterval time.Duration `envconfig:"QUEUE_STUCK_SWEEP_INTERVAL" default:"60s"`
	QueueMaxRetries         int           `envconfig:"QUEUE_MAX_RETRIES" default:"0"`
	QueueHistoryLimit       int           `envconfig:"QUEUE_HISTORY_LIMIT" default:"100"`
	QueueHistoryMaxAge      time.Duration `envconfig:"QUEUE_HISTORY_MAX_AGE" default:"24h"`

	// Idempotency
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	// Events (C7)
	EventsSink    string `envconfig:"EVENTS_SINK" default:"none"` // none | nats | amqp
	EventsNatsURL string `envconfig:"EVENTS_NATS_URL"`
	EventsAmqpURL string `envconfig:"EVENTS_AMQP_URL"`

	// Admin (C8)
	AdminTokenHash string `envconfig:"ADMIN_TOKEN_HASH"`

	// Tracing
	TracingEnabled      bool   `envconfig:"TRACING_ENABLED" default:"false"`
	TracingOTLPEndpoint string `envconfig:"TRACING_OTLP_ENDPOINT" default:"localhost:4317"`

	// Validation
	ValidationStrict bool `envconfig:"VALIDATION_STRICT" default:"true"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Redis-backed HTTP layer replay cache / distributed limiter (outside
	// the in-process core; see internal/api/ratelimit_redis.go).
	RedisURL string `envconfig:"REDIS_URL"`
}

// Load reads the process configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
