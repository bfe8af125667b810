package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/pixpipe/internal/api"
	apiMiddleware "github.com/phrazzld/pixpipe/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRouter creates the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))
	r.Use(middleware.Recoverer)

	thumbnailHandler := api.NewThumbnailHandler(app.dispatcher, thumbnailQuality, app.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/thumbnails", thumbnailHandler.GetThumbnail)
	})

	r.Get("/healthz", api.HealthHandler(app.dispatcher))
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	return r
}
