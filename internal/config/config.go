package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
	Executor ExecutorConfig `mapstructure:"executor" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// ShutdownTimeoutSeconds bounds graceful shutdown before in-flight
	// requests are abandoned.
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"required,min=1"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory stores; the pending set and task
// records then do not survive a restart.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// QueueConfig contains the admission and dispatch tunables.
type QueueConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"required,min=1"`
	MaxQueueSize  int `mapstructure:"max_queue_size" validate:"required,min=1"`

	// DefaultRetries is the retry budget applied to tasks that do not
	// set their own.
	DefaultRetries int `mapstructure:"default_retries" validate:"min=0"`

	// QueueTimeoutSeconds and StuckBufferSeconds drive the staleness
	// rule for dispatched tasks the scheduler has lost track of.
	QueueTimeoutSeconds int `mapstructure:"queue_timeout_seconds" validate:"required,min=1"`
	StuckBufferSeconds  int `mapstructure:"stuck_buffer_seconds"  validate:"required,min=1"`

	// SchedulerCacheTTLMillis bounds how stale a cached scheduler state
	// read may be.
	SchedulerCacheTTLMillis int `mapstructure:"scheduler_cache_ttl_millis" validate:"required,min=1"`
}

// SchedulerCacheTTL returns the cache TTL as a duration.
func (c QueueConfig) SchedulerCacheTTL() time.Duration {
	return time.Duration(c.SchedulerCacheTTLMillis) * time.Millisecond
}

// QueueTimeout returns the queue timeout as a duration.
func (c QueueConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

// StuckBuffer returns the stuck buffer as a duration.
func (c QueueConfig) StuckBuffer() time.Duration {
	return time.Duration(c.StuckBufferSeconds) * time.Second
}

// ExecutorConfig contains the HTTP attempt and backoff settings.
type ExecutorConfig struct {
	// AttemptTimeoutSeconds bounds a single attempt's round trip for
	// tasks that do not set their own timeout.
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds" validate:"required,min=1"`

	// BackoffCapSeconds caps the exponential retry backoff.
	BackoffCapSeconds int `mapstructure:"backoff_cap_seconds" validate:"required,min=1"`

	// ConnectivityWaitSeconds is the fixed pause between attempts while
	// the target host is unreachable.
	ConnectivityWaitSeconds int `mapstructure:"connectivity_wait_seconds" validate:"required,min=1"`

	// MaxBodyBytes bounds how much of a response body is captured into
	// the task result.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"required,min=1"`
}

// AttemptTimeout returns the attempt timeout as a duration.
func (c ExecutorConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// BackoffCap returns the backoff cap as a duration.
func (c ExecutorConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// ConnectivityWait returns the connectivity pause as a duration.
func (c ExecutorConfig) ConnectivityWait() time.Duration {
	return time.Duration(c.ConnectivityWaitSeconds) * time.Second
}
