package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig selects the level and destination of the application logger.
type LoggerConfig struct {
	Level string
	// Output defaults to os.Stdout
	Output    io.Writer
	AddSource bool
}

// ParseLevel maps a case-insensitive level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Setup builds a JSON logger at the configured level and installs it as the
// slog default. An unknown level falls back to info with a warning.
func Setup(cfg LoggerConfig) (*slog.Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level, err := ParseLevel(cfg.Level)

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}))
	slog.SetDefault(logger)

	if err != nil {
		logger.Warn("invalid log level configured, using default level",
			"configured_level", cfg.Level,
			"default_level", "info")
	}

	return logger, nil
}
