// Package main implements the entry point for the pixpipe server, which
// fetches source images, caches their bytes and serves resized thumbnails.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to ./config.yaml if present)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Printf("pixpipe: %v", err)
		os.Exit(1)
	}
}

// run loads configuration, builds the application and serves until ctx is done.
func run(ctx context.Context, configPath string) error {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := setupAppLogger(cfg)
	if err != nil {
		return err
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.Run(ctx)
}
