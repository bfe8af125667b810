package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "PIXPIPE"

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over values
// from the file. Returns a populated Config or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFile is Load with an explicit config file path. The file must exist.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("pipeline.download_concurrency", 8)
	v.SetDefault("pipeline.decode_concurrency", runtime.NumCPU())
	v.SetDefault("pipeline.cache_capacity_bytes", 4<<20)
	v.SetDefault("pipeline.decode_retry_count", 2)
	v.SetDefault("pipeline.decode_retry_delay_ms", 250)
	v.SetDefault("pipeline.max_idle_slots", 0)

	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_bytes", 32<<20)
	v.SetDefault("fetch.user_agent", "pixpipe/1.0")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
