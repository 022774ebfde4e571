// Package configs parses application configuration from the environment.
package configs

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// -- Database --

	DatabaseDSN  string `env:"DATABASE_DSN" envDefault:"blaze.db"`
	DatabaseType string `env:"DATABASE_TYPE" envDefault:"sqlite"`

	// -- Key material --

	// EncryptionKey is used to encrypt key records at rest. Its meaning
	// depends on EncryptionKeyType: the raw 32 byte AES key for "local",
	// a key ARN for "aws_kms" or a key resource name for "google_kms".
	// Leave empty to store records unencrypted.
	EncryptionKey     string `env:"ENCRYPTION_KEY"`
	EncryptionKeyType string `env:"ENCRYPTION_KEY_TYPE" envDefault:"local"`

	// How many one-time prekeys to generate per batch and the count below
	// which a refresh job is scheduled.
	PreKeyBatchSize    int `env:"PREKEY_BATCH_SIZE" envDefault:"100"`
	PreKeyMinAvailable int `env:"PREKEY_MIN_AVAILABLE" envDefault:"20"`

	// Signed prekeys older than this are purged after a rotation.
	SignedPreKeyMaxAge time.Duration `env:"SIGNED_PREKEY_MAX_AGE" envDefault:"720h"`
	// How often a new signed prekey is published. 0 disables rotation.
	SignedPreKeyRotationInterval time.Duration `env:"SIGNED_PREKEY_ROTATION_INTERVAL" envDefault:"168h"`

	// -- Job scheduling --

	// Concurrency of the general purpose job pool.
	WorkerCount uint `env:"WORKER_COUNT" envDefault:"6"`
	// Concurrency of the ordered upload pool. 1 makes it a strict FIFO.
	UploadWorkerCount uint `env:"UPLOAD_WORKER_COUNT" envDefault:"1"`
	// Maximum number of transport retries before a job is failed.
	MaxJobErrorCount int `env:"MAX_JOB_ERROR_COUNT" envDefault:"10"`
	// Bounds for the jittered delay between transport retries of a job.
	JobRetryMin time.Duration `env:"JOB_RETRY_MIN" envDefault:"500ms"`
	JobRetryMax time.Duration `env:"JOB_RETRY_MAX" envDefault:"1m"`
	// Whether job state transitions are persisted to the jobs table.
	PersistJobHistory bool `env:"PERSIST_JOB_HISTORY" envDefault:"true"`

	// -- Blaze queue --

	// "gorm" or "redis"
	BlazeStoreType string `env:"BLAZE_STORE_TYPE" envDefault:"gorm"`
	BlazeRedisURL  string `env:"BLAZE_REDIS_URL"`
	// Number of queued messages handled per drain round.
	BlazeBatchSize int `env:"BLAZE_BATCH_SIZE" envDefault:"50"`

	// -- Transport --

	TransportURL        string        `env:"TRANSPORT_URL" envDefault:"ws://localhost:8080/v1/websocket"`
	TransportAuthToken  string        `env:"TRANSPORT_AUTH_TOKEN"`
	TransportAckTimeout time.Duration `env:"TRANSPORT_ACK_TIMEOUT" envDefault:"15s"`
	ReconnectMin        time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax        time.Duration `env:"RECONNECT_MAX" envDefault:"1m"`
	// Outbound messages per second.
	MessageMaxSendRate int `env:"MESSAGE_MAX_SEND_RATE" envDefault:"25"`
	// Consecutive seal/open failures for one peer before a broken session
	// is reported.
	BrokenSessionThreshold int `env:"BROKEN_SESSION_THRESHOLD" envDefault:"3"`

	// -- Local account --

	// Name part of the local address, device id of this installation.
	LocalName     string `env:"LOCAL_NAME"`
	LocalDeviceID uint32 `env:"LOCAL_DEVICE_ID" envDefault:"1"`

	// -- Admin API --

	Host          string        `env:"HOST"`
	Port          int           `env:"PORT" envDefault:"3030"`
	ServerTimeout time.Duration `env:"SERVER_TIMEOUT" envDefault:"60s"`
	DisableAdmin  bool          `env:"DISABLE_ADMIN" envDefault:"false"`

	// Idempotency-Key handling of admin POST /messages: "local", "shared"
	// (the main database) or "redis".
	DisableIdempotencyMiddleware      bool          `env:"DISABLE_IDEMPOTENCY_MIDDLEWARE" envDefault:"false"`
	IdempotencyMiddlewareDatabaseType string        `env:"IDEMPOTENCY_MIDDLEWARE_DATABASE_TYPE" envDefault:"local"`
	IdempotencyMiddlewareRedisURL     string        `env:"IDEMPOTENCY_MIDDLEWARE_REDIS_URL"`
	IdempotencyKeyExpiry              time.Duration `env:"IDEMPOTENCY_KEY_EXPIRY" envDefault:"1h"`

	// -- Tracing --

	// Google Cloud project spans are exported to. Empty disables tracing.
	TracingProjectID   string  `env:"TRACING_PROJECT_ID"`
	TracingSampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"0.1"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type Options struct {
	// Prefix of every environment variable.
	Prefix string
}

const DefaultPrefix = "BLAZE_"

// Parse parses environment variables with the default prefix.
func Parse() (*Config, error) {
	return ParseConfig(&Options{Prefix: DefaultPrefix})
}

// ParseConfig parses environment variables into a validated Config.
func ParseConfig(opt *Options) (*Config, error) {
	cfg := Config{}

	prefix := DefaultPrefix
	if opt != nil && opt.Prefix != "" {
		prefix = opt.Prefix
	}

	if err := env.Parse(&cfg, env.Options{Prefix: prefix}); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if cfg.UploadWorkerCount < 1 {
		return fmt.Errorf("UPLOAD_WORKER_COUNT must be at least 1")
	}
	if cfg.JobRetryMin > cfg.JobRetryMax {
		return fmt.Errorf("JOB_RETRY_MIN (%s) is larger than JOB_RETRY_MAX (%s)", cfg.JobRetryMin, cfg.JobRetryMax)
	}
	switch cfg.BlazeStoreType {
	case "gorm":
	case "redis":
		if cfg.BlazeRedisURL == "" {
			return fmt.Errorf("BLAZE_STORE_TYPE set to redis but BLAZE_REDIS_URL is empty")
		}
	default:
		return fmt.Errorf("blaze store type '%s' not supported", cfg.BlazeStoreType)
	}
	switch cfg.IdempotencyMiddlewareDatabaseType {
	case "local", "shared":
	case "redis":
		if !cfg.DisableIdempotencyMiddleware && cfg.IdempotencyMiddlewareRedisURL == "" {
			return fmt.Errorf("idempotency middleware db set to redis but IDEMPOTENCY_MIDDLEWARE_REDIS_URL is empty")
		}
	default:
		return fmt.Errorf("idempotency store type '%s' not supported", cfg.IdempotencyMiddlewareDatabaseType)
	}
	if cfg.BrokenSessionThreshold < 1 {
		return fmt.Errorf("BROKEN_SESSION_THRESHOLD must be at least 1")
	}
	return nil
}

// ConfigureLogger sets the global logrus format and level.
func ConfigureLogger(level string) {
	log.SetFormatter(&log.JSONFormatter{})

	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithFields(log.Fields{"level": level}).Warn("Invalid log level, falling back to info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
