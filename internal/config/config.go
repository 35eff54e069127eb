// Package config loads and validates client engine config from env and an optional .env file using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverMemory   = "memory"
	StoreDriverRedis    = "redis"
	StoreDriverPostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the root of the credential and game-stats REST API (e.g. http://localhost:5000/api).
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// HTTPAddr is the loopback address the daemon API listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// HTTPTimeout is the per-request gateway timeout (e.g. "10s").
	HTTPTimeout string `mapstructure:"HTTP_TIMEOUT"`

	// RefreshThreshold is how long before expiry a proactive refresh is attempted (e.g. "5m").
	RefreshThreshold string `mapstructure:"REFRESH_THRESHOLD"`
	// InactivityTimeout is the maximum gap since the last activity before the session is force-expired (e.g. "30m").
	InactivityTimeout string `mapstructure:"INACTIVITY_TIMEOUT"`
	// ValidationInterval is the period of the session validator (e.g. "60s").
	ValidationInterval string `mapstructure:"VALIDATION_INTERVAL"`

	// StoreDriver selects the Local Store Adapter: memory, redis or postgres.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// StoreNamespace prefixes every persisted key so several apps can share one backend.
	StoreNamespace string `mapstructure:"STORE_NAMESPACE"`
	// StoreEncryptionKey is an optional base64 32-byte key; when set, session and user blobs are sealed at rest.
	StoreEncryptionKey string `mapstructure:"STORE_ENCRYPTION_KEY"`
	// RedisAddr is host:port of the Redis server; required when StoreDriver is redis.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	// DatabaseURL is the Postgres DSN; required when StoreDriver is postgres and by cmd/migrate.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// ProbeURL is the HTTP reachability probe target; defaults to APIBaseURL + "/health".
	ProbeURL string `mapstructure:"PROBE_URL"`
	// ProbeGRPCAddr is an optional gRPC health-check target; when set it is used instead of ProbeURL.
	ProbeGRPCAddr string `mapstructure:"PROBE_GRPC_ADDR"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel resource service.name.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables the Kafka emitter.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for lifecycle events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the telemetry worker pushes events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// SentryDSN enables error reporting for swallowed background failures.
	SentryDSN string `mapstructure:"SENTRY_DSN"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "http://localhost:5000/api")
	v.SetDefault("HTTP_ADDR", "127.0.0.1:7070")
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("REFRESH_THRESHOLD", "5m")
	v.SetDefault("INACTIVITY_TIMEOUT", "30m")
	v.SetDefault("VALIDATION_INTERVAL", "60s")
	v.SetDefault("STORE_DRIVER", StoreDriverMemory)
	v.SetDefault("STORE_NAMESPACE", "geoquiz")
	v.SetDefault("STORE_ENCRYPTION_KEY", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PROBE_URL", "")
	v.SetDefault("PROBE_GRPC_ADDR", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "geoquiz-client")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "geoquiz-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "geoquiz-telemetry-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("SENTRY_DSN", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.APIBaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: API_BASE_URL must be set")
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("config: REDIS_ADDR must be set when STORE_DRIVER=redis")
		}
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	default:
		return nil, errors.New("config: STORE_DRIVER must be one of memory, redis, postgres")
	}

	if cfg.StoreEncryptionKey != "" {
		if _, err := cfg.EncryptionKey(); err != nil {
			return nil, err
		}
	}

	if cfg.RefreshThresholdDuration() >= cfg.InactivityTimeoutDuration() {
		return nil, errors.New("config: REFRESH_THRESHOLD must be shorter than INACTIVITY_TIMEOUT")
	}

	return &cfg, nil
}

// RefreshThresholdDuration parses RefreshThreshold. Returns 5m if unset or invalid.
func (c *Config) RefreshThresholdDuration() time.Duration {
	return parseDuration(c.RefreshThreshold, 5*time.Minute)
}

// InactivityTimeoutDuration parses InactivityTimeout. Returns 30m if unset or invalid.
func (c *Config) InactivityTimeoutDuration() time.Duration {
	return parseDuration(c.InactivityTimeout, 30*time.Minute)
}

// ValidationIntervalDuration parses ValidationInterval. Returns 60s if unset or invalid.
func (c *Config) ValidationIntervalDuration() time.Duration {
	return parseDuration(c.ValidationInterval, time.Minute)
}

// HTTPTimeoutDuration parses HTTPTimeout. Returns 10s if unset or invalid.
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return parseDuration(c.HTTPTimeout, 10*time.Second)
}

// ProbeTarget returns ProbeURL, or APIBaseURL + "/health" when ProbeURL is empty.
func (c *Config) ProbeTarget() string {
	if c.ProbeURL != "" {
		return c.ProbeURL
	}
	return c.APIBaseURL + "/health"
}

// EncryptionKey decodes StoreEncryptionKey. Returns nil, nil when unset.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.StoreEncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.StoreEncryptionKey)
	if err != nil {
		return nil, errors.New("config: STORE_ENCRYPTION_KEY must be base64")
	}
	if len(key) != 32 {
		return nil, errors.New("config: STORE_ENCRYPTION_KEY must decode to 32 bytes")
	}
	return key, nil
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka emitter is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
