package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// TASKRELAY_SERVER_PORT or TASKRELAY_QUEUE_MAX_CONCURRENT.
const EnvPrefix = "TASKRELAY"

// Load reads configuration from an optional config.yaml and from
// environment variables, with the environment taking precedence.
// Returns a populated Config struct or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has defaults and
		// environment overrides.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a default for every key so AutomaticEnv can
// resolve nested keys without explicit binds.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 15)

	v.SetDefault("database.url", "")

	v.SetDefault("queue.max_concurrent", 2)
	v.SetDefault("queue.max_queue_size", 100)
	v.SetDefault("queue.default_retries", 3)
	v.SetDefault("queue.queue_timeout_seconds", 600)
	v.SetDefault("queue.stuck_buffer_seconds", 60)
	v.SetDefault("queue.scheduler_cache_ttl_millis", 1000)

	v.SetDefault("executor.attempt_timeout_seconds", 30)
	v.SetDefault("executor.backoff_cap_seconds", 512)
	v.SetDefault("executor.connectivity_wait_seconds", 5)
	v.SetDefault("executor.max_body_bytes", 1<<20)
}
