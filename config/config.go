// Package config loads ambient configuration from environment variables:
// which storage backend to run against, the work queue's Redis
// connection, and service-level logging defaults. CLI flags (see cmd/)
// take precedence over anything loaded here; these are the fallbacks a
// scheduled/cron invocation relies on when flags are omitted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads environment variables under an optional prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig returns a loader that reads "{prefix}_KEY" when prefix is
// non-empty, or bare "KEY" otherwise.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// GetString returns the env var's value, or defaultValue if unset.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetInt returns the env var parsed as an int, or defaultValue if unset
// or unparseable.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool returns the env var parsed as a bool, or defaultValue.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration returns the env var parsed per time.ParseDuration, or
// defaultValue.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetStringSlice splits a comma-separated env var, trimming whitespace.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(ec.buildKey(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// StorageBackend selects which storage.Engine a scheduler/worker process
// connects to.
type StorageBackend string

const (
	BackendMemory   StorageBackend = "memory"
	BackendEmbedded StorageBackend = "bbolt"
	BackendPostgres StorageBackend = "postgres"
)

// StorageConfig selects and parameterizes the storage.Engine to open.
type StorageConfig struct {
	Backend     StorageBackend
	PostgresURL string
	BoltPath    string
}

// LoadStorageConfig reads SPINE_DB (memory|bbolt|postgres, default
// memory), SPINE_POSTGRES_URL, and SPINE_BOLT_PATH.
func LoadStorageConfig() StorageConfig {
	env := NewEnvConfig("SPINE")
	return StorageConfig{
		Backend:     StorageBackend(env.GetString("DB", string(BackendMemory))),
		PostgresURL: env.GetString("POSTGRES_URL", "postgres://localhost:5432/marketspine"),
		BoltPath:    env.GetString("BOLT_PATH", "./marketspine.db"),
	}
}

// QueueBackend selects which workqueue.Queue implementation to run.
type QueueBackend string

const (
	QueueBackendStorage QueueBackend = "storage"
	QueueBackendRedis   QueueBackend = "redis"
)

// QueueConfig selects and parameterizes the workqueue.Queue to open.
type QueueConfig struct {
	Backend   QueueBackend
	RedisURL  string
	KeyPrefix string
}

// LoadQueueConfig reads SPINE_QUEUE (storage|redis, default storage),
// SPINE_REDIS_URL, and SPINE_QUEUE_PREFIX.
func LoadQueueConfig() QueueConfig {
	env := NewEnvConfig("SPINE")
	return QueueConfig{
		Backend:   QueueBackend(env.GetString("QUEUE", string(QueueBackendStorage))),
		RedisURL:  env.GetString("REDIS_URL", "redis://localhost:6379/0"),
		KeyPrefix: env.GetString("QUEUE_PREFIX", "spine:workqueue:"),
	}
}

// ServiceConfig carries logging defaults common to every entry point.
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// LoadServiceConfig reads SPINE_LOG_LEVEL and SPINE_LOG_FORMAT.
func LoadServiceConfig(name string) ServiceConfig {
	env := NewEnvConfig("SPINE")
	return ServiceConfig{
		Name:      name,
		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "text"),
	}
}

// Validator accumulates configuration validation errors so all problems
// can be reported at once instead of failing on the first one found.
type Validator struct {
	errors []string
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// RequireString records an error if value is empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt records an error if value is not positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf records an error if value is not among allowed.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// Validate returns an error summarizing every recorded problem, or nil.
func (v *Validator) Validate() error {
	if len(v.errors) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}
