package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/pixpipe/internal/config"
)

// loadAppConfig loads configuration from path, or from the environment and
// an optional ./config.yaml when path is empty.
func loadAppConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel)
	slog.Debug("Pipeline configuration",
		"download_concurrency", cfg.Pipeline.DownloadConcurrency,
		"decode_concurrency", cfg.Pipeline.DecodeConcurrency,
		"cache_capacity_bytes", cfg.Pipeline.CacheCapacityBytes)

	return cfg, nil
}
