package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/pixpipe/internal/api/shared"
)

// NewTraceMiddleware adds a trace ID to the request context and echoes it in
// the response header. An incoming X-Trace-ID is reused.
func NewTraceMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context(), r.Header.Get(shared.TraceIDHeader))
			traceID := shared.GetTraceID(ctx)
			w.Header().Set(shared.TraceIDHeader, traceID)

			logger.Debug("request started",
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
