package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/pixpipe/internal/api"
	"github.com/phrazzld/pixpipe/internal/config"
	"github.com/phrazzld/pixpipe/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, LogLevel: "debug", ShutdownTimeoutSeconds: 5},
		Pipeline: config.PipelineConfig{
			DownloadConcurrency: 2,
			DecodeConcurrency:   2,
			CacheCapacityBytes:  1 << 20,
			DecodeRetryCount:    1,
			DecodeRetryDelayMS:  1,
		},
		Fetch: config.FetchConfig{TimeoutSeconds: 5, MaxBytes: 1 << 20, UserAgent: "pixpipe-test"},
	}
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// imageOrigin serves a PNG at /cat.png and counts requests.
func imageOrigin(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := 0; i < 64; i++ {
		img.Set(i, i, color.RGBA{G: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	hits := new(atomic.Int32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cat.png" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(server.Close)
	return server, hits
}

func TestPipelineConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.DecodeRetryDelayMS = 250
	cfg.Pipeline.MaxIdleSlots = 16

	pc := pipelineConfig(cfg)

	assert.Equal(t, 2, pc.DownloadConcurrency)
	assert.Equal(t, 2, pc.DecodeConcurrency)
	assert.Equal(t, int64(1<<20), pc.CacheCapacityBytes)
	assert.Equal(t, 1, pc.DecodeRetryCount)
	assert.Equal(t, 250*time.Millisecond, pc.DecodeRetryDelay)
	assert.Equal(t, int64(1<<20), pc.MaxDownloadBytes)
	assert.Equal(t, 16, pc.MaxIdleSlots)
}

func TestRouter_EndToEnd(t *testing.T) {
	origin, hits := imageOrigin(t)

	app, err := newApplication(testConfig(), setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, app.dispatcher.Start())
	t.Cleanup(app.cleanup)

	server := httptest.NewServer(app.setupRouter())
	t.Cleanup(server.Close)

	thumbURL := server.URL + "/v1/thumbnails?" + url.Values{
		"url":   {origin.URL + "/cat.png"},
		"width": {"16"},
	}.Encode()

	for i, wantCache := range []string{"MISS", "HIT"} {
		resp, err := http.Get(thumbURL)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d: %s", i, body)
		assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
		assert.Equal(t, wantCache, resp.Header.Get(api.CacheStatusHeader))
		assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

		img, err := jpeg.Decode(bytes.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, 16, img.Bounds().Dx())
		assert.Equal(t, 16, img.Bounds().Dy())
	}
	assert.Equal(t, int32(1), hits.Load(), "second request should be served from the byte cache")

	resp, err := http.Get(server.URL + "/v1/thumbnails?url=" + url.QueryEscape(origin.URL+"/missing.png"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.CacheEntries)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "pixpipe_requests_submitted_total 3")
	assert.Contains(t, string(metrics), "pixpipe_cache_hits_total 1")
	assert.Contains(t, string(metrics), `pixpipe_requests_finished_total{outcome="io_error"} 1`)
	assert.Contains(t, string(metrics), "go_goroutines")
}

func TestServe_GracefulShutdown(t *testing.T) {
	app, err := newApplication(testConfig(), setupTestLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, ln) }()

	healthURL := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}

	_, err = app.dispatcher.Submit(task.Request{
		Key:  "https://images.example.com/late.png",
		Sink: task.SinkFunc(func(task.Update) {}),
	})
	assert.ErrorIs(t, err, task.ErrStopped, "dispatcher should be stopped after shutdown")
}

func TestLoadAppConfig(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7171\n"), 0o600))

	cfg, err := loadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7171, cfg.Server.Port)

	_, err = loadAppConfig(path + ".missing")
	assert.ErrorContains(t, err, "failed to load configuration")
}

func TestSetupAppLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	l, err := setupAppLogger(testConfig())
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
}
