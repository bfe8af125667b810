package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/phrazzld/pixpipe/internal/cache"
	"github.com/phrazzld/pixpipe/internal/config"
	"github.com/phrazzld/pixpipe/internal/platform/httpfetch"
	"github.com/phrazzld/pixpipe/internal/platform/imaging"
	"github.com/phrazzld/pixpipe/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// thumbnailQuality is the JPEG quality of served thumbnails.
const thumbnailQuality = 85

// application holds the shared dependencies and owns their shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	registry   *prometheus.Registry
	metrics    *task.Metrics
	fetcher    *httpfetch.Fetcher
	decoder    *imaging.Decoder
	dispatcher *task.Dispatcher
}

// newApplication wires the fetcher, decoder, byte cache and dispatcher.
// The dispatcher is created but not started.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = task.NewMetrics(app.registry)

	app.fetcher = httpfetch.New(httpfetch.Config{
		Timeout:   time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
	}, logger)
	app.decoder = imaging.NewDecoder()

	pipelineCfg := pipelineConfig(cfg)
	byteCache := cache.New(pipelineCfg.CacheCapacityBytes)

	var err error
	app.dispatcher, err = task.NewDispatcher(
		pipelineCfg,
		app.fetcher.Fetch,
		app.decoder.Decode,
		logger,
		task.WithCache(byteCache),
		task.WithMetrics(app.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// pipelineConfig translates loaded settings into a dispatcher config.
func pipelineConfig(cfg *config.Config) task.Config {
	return task.Config{
		DownloadConcurrency: cfg.Pipeline.DownloadConcurrency,
		DecodeConcurrency:   cfg.Pipeline.DecodeConcurrency,
		CacheCapacityBytes:  cfg.Pipeline.CacheCapacityBytes,
		DecodeRetryCount:    cfg.Pipeline.DecodeRetryCount,
		DecodeRetryDelay:    time.Duration(cfg.Pipeline.DecodeRetryDelayMS) * time.Millisecond,
		MaxDownloadBytes:    cfg.Fetch.MaxBytes,
		MaxIdleSlots:        cfg.Pipeline.MaxIdleSlots,
	}
}

// Run starts the dispatcher and serves HTTP on the configured port until ctx
// is done.
func (app *application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		app.cleanup()
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serve(ctx, ln)
}

// cleanup stops the dispatcher, which reports any in-flight requests.
func (app *application) cleanup() {
	if app.dispatcher != nil {
		app.dispatcher.Stop()
	}
	app.logger.Info("Application shutdown completed")
}
