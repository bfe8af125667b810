package config

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required"`
	Fetch    FetchConfig    `mapstructure:"fetch" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// ShutdownTimeoutSeconds bounds graceful HTTP shutdown
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"gte=1"`
}

// PipelineConfig sizes the download and decode stages and the byte cache.
type PipelineConfig struct {
	DownloadConcurrency int   `mapstructure:"download_concurrency" validate:"gte=1"`
	DecodeConcurrency   int   `mapstructure:"decode_concurrency" validate:"gte=1"`
	CacheCapacityBytes  int64 `mapstructure:"cache_capacity_bytes" validate:"gte=0"`
	DecodeRetryCount    int   `mapstructure:"decode_retry_count" validate:"gte=0"`
	DecodeRetryDelayMS  int   `mapstructure:"decode_retry_delay_ms" validate:"gte=1"`
	MaxIdleSlots        int   `mapstructure:"max_idle_slots" validate:"gte=0"`
}

// FetchConfig contains settings for the HTTP fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gte=1"`
	MaxBytes       int64  `mapstructure:"max_bytes" validate:"gte=0"`
	UserAgent      string `mapstructure:"user_agent"`
}
