package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/pixpipe/internal/config"
	"github.com/phrazzld/pixpipe/internal/platform/logger"
)

// setupAppLogger configures and installs the application logger.
func setupAppLogger(cfg *config.Config) (*slog.Logger, error) {
	l, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return l, nil
}
