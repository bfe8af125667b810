package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// serve starts the dispatcher and an HTTP server on ln. When ctx is done the
// server is shut down gracefully, then the dispatcher is stopped.
func (app *application) serve(ctx context.Context, ln net.Listener) error {
	if err := app.dispatcher.Start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer app.cleanup()

	server := &http.Server{
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("Starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("Shutting down server...")

		timeout := time.Duration(app.config.Server.ShutdownTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	app.logger.Info("Server shutdown completed")
	return nil
}
