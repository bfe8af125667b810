// Package httpfetch retrieves image bytes over HTTP for the download stage.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/phrazzld/pixpipe/internal/redact"
	"github.com/phrazzld/pixpipe/internal/task"
)

var (
	ErrInvalidURL       = errors.New("invalid fetch url")
	ErrUnexpectedStatus = errors.New("unexpected http status")
)

// Config controls the fetcher's client.
type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

// Fetcher opens HTTP(S) URLs. Its Fetch method satisfies task.FetchFunc.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// New creates a Fetcher backed by a pooled cleanhttp client.
func New(config Config, logger *slog.Logger) *Fetcher {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = config.Timeout

	return &Fetcher{
		client:    client,
		maxBytes:  config.MaxBytes,
		userAgent: config.UserAgent,
		logger:    logger.With("component", "http_fetcher"),
	}
}

// Fetch issues a GET for key and returns the response body. Non-2xx
// responses and bodies declared larger than MaxBytes are errors.
func (f *Fetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	f.logger.Debug("fetching", "key", redact.URL(key))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drainAndClose(resp.Body)
		f.logger.Debug("upstream rejected fetch",
			"key", redact.URL(key),
			"status_code", resp.StatusCode)
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: content length %d exceeds %d",
			task.ErrPayloadTooLarge, resp.ContentLength, f.maxBytes)
	}

	return resp.Body, nil
}

// drainAndClose lets the connection go back to the pool.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}
