// Package config provides configuration loading and validation for the audit
// service. It uses koanf to merge environment variables with optional file
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Adapter names accepted by the adapter_type setting.
const (
	AdapterDirect = "direct"
	AdapterPubSub = "pubsub"
	AdapterQueue  = "queue"
)

// Config holds all configuration values for the audit service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Delivery adapter selection
	AdapterType string `koanf:"adapter_type"`

	// Redis pub/sub transport
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisChannel  string `koanf:"redis_channel"`

	// Durable queue transport
	AMQPURL   string `koanf:"amqp_url"`
	QueueName string `koanf:"queue_name"`

	// Integrity subsystem
	IntegrityEnabled bool   `koanf:"integrity_enabled"`
	SigningKeyPath   string `koanf:"signing_key_path"` // PEM private key; generated when empty
	SigningKeyID     string `koanf:"signing_key_id"`
	KeyBits          int    `koanf:"key_bits"`
	BatchSize        int    `koanf:"batch_size"` // integrity check batch size

	// Transport resilience
	MaxRetries        int `koanf:"max_retries"`
	RetryDelaySeconds int `koanf:"retry_delay_seconds"`
	ConnectTimeoutSec int `koanf:"connect_timeout_seconds"`
	WorkerMaxAttempts int `koanf:"worker_max_attempts"`

	// Monitoring
	MonitorBufferSize int `koanf:"monitor_buffer_size"`

	// Tracing
	TracingEnabled bool   `koanf:"tracing_enabled"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`

	// Export archive (S3-compatible object storage)
	ExportBucketName      string `koanf:"export_bucket_name"`
	ExportAccessKeyID     string `koanf:"export_access_key_id"`
	ExportSecretAccessKey string `koanf:"export_secret_access_key"`
	ExportEndpoint        string `koanf:"export_endpoint"`
	ExportKeyPrefix       string `koanf:"export_key_prefix"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL  = errors.New("DATABASE_URL is required")
	ErrInvalidAdapterType  = errors.New("ADAPTER_TYPE must be direct, pubsub, or queue")
	ErrMissingRedisAddr    = errors.New("REDIS_ADDR is required for the pubsub adapter")
	ErrMissingRedisChannel = errors.New("REDIS_CHANNEL is required for the pubsub adapter")
	ErrMissingAMQPURL      = errors.New("AMQP_URL is required for the queue adapter")
	ErrMissingQueueName    = errors.New("QUEUE_NAME is required for the queue adapter")
	ErrWeakKeyBits         = errors.New("KEY_BITS must be at least 2048")
	ErrInvalidPort         = errors.New("PORT must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultAdapterType       = AdapterDirect
	DefaultRedisChannel      = "audit.events"
	DefaultQueueName         = "audit.queue"
	DefaultKeyBits           = 2048
	DefaultBatchSize         = 500
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 1
	DefaultConnectTimeoutSec = 10
	DefaultWorkerMaxAttempts = 10
	DefaultMonitorBufferSize = 256
	DefaultExportKeyPrefix   = "audit-exports"
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over file values. Returns the
// loaded config and a slice of validation errors (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("AUDIT_PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	intSetting := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefault("AUDIT_ENV", k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),

		AdapterType: strings.ToLower(getEnvOrDefault("ADAPTER_TYPE", k.String("adapter_type"), DefaultAdapterType)),

		RedisAddr:     getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		RedisPassword: getEnvOrKoanf("REDIS_PASSWORD", k, "redis_password"),
		RedisDB:       intSetting("REDIS_DB", "redis_db", 0),
		RedisChannel:  getEnvOrDefault("REDIS_CHANNEL", k.String("redis_channel"), DefaultRedisChannel),

		AMQPURL:   getEnvOrKoanf("AMQP_URL", k, "amqp_url"),
		QueueName: getEnvOrDefault("QUEUE_NAME", k.String("queue_name"), DefaultQueueName),

		IntegrityEnabled: getEnvBoolOrDefault("INTEGRITY_ENABLED", k, "integrity_enabled", true),
		SigningKeyPath:   getEnvOrKoanf("SIGNING_KEY_PATH", k, "signing_key_path"),
		SigningKeyID:     getEnvOrKoanf("SIGNING_KEY_ID", k, "signing_key_id"),
		KeyBits:          intSetting("KEY_BITS", "key_bits", DefaultKeyBits),
		BatchSize:        intSetting("BATCH_SIZE", "batch_size", DefaultBatchSize),

		MaxRetries:        intSetting("MAX_RETRIES", "max_retries", DefaultMaxRetries),
		RetryDelaySeconds: intSetting("RETRY_DELAY_SECONDS", "retry_delay_seconds", DefaultRetryDelaySeconds),
		ConnectTimeoutSec: intSetting("CONNECT_TIMEOUT_SECONDS", "connect_timeout_seconds", DefaultConnectTimeoutSec),
		WorkerMaxAttempts: intSetting("WORKER_MAX_ATTEMPTS", "worker_max_attempts", DefaultWorkerMaxAttempts),

		MonitorBufferSize: intSetting("MONITOR_BUFFER_SIZE", "monitor_buffer_size", DefaultMonitorBufferSize),

		TracingEnabled: getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		OTLPEndpoint:   getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),

		ExportBucketName:      getEnvOrKoanf("EXPORT_BUCKET_NAME", k, "export_bucket_name"),
		ExportAccessKeyID:     getEnvOrKoanf("EXPORT_ACCESS_KEY_ID", k, "export_access_key_id"),
		ExportSecretAccessKey: getEnvOrKoanf("EXPORT_SECRET_ACCESS_KEY", k, "export_secret_access_key"),
		ExportEndpoint:        getEnvOrKoanf("EXPORT_ENDPOINT", k, "export_endpoint"),
		ExportKeyPrefix:       getEnvOrDefault("EXPORT_KEY_PREFIX", k.String("export_key_prefix"), DefaultExportKeyPrefix),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// RetryDelay returns the transport retry delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// ConnectTimeout returns the transport connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	switch c.AdapterType {
	case AdapterDirect:
	case AdapterPubSub:
		if c.RedisAddr == "" {
			errs = append(errs, ErrMissingRedisAddr)
		}
		if c.RedisChannel == "" {
			errs = append(errs, ErrMissingRedisChannel)
		}
	case AdapterQueue:
		if c.AMQPURL == "" {
			errs = append(errs, ErrMissingAMQPURL)
		}
		if c.QueueName == "" {
			errs = append(errs, ErrMissingQueueName)
		}
	default:
		errs = append(errs, ErrInvalidAdapterType)
	}

	if c.IntegrityEnabled && c.KeyBits < 2048 {
		errs = append(errs, ErrWeakKeyBits)
	}

	return errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the
// koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise
// the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set,
// otherwise the koanf value, or default. Returns an error if the environment
// variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault reads a boolean setting, env var over file over
// default. Accepts the usual truthy/falsy spellings.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}
