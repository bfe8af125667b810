package api

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/pixpipe/internal/api/shared"
	"github.com/phrazzld/pixpipe/internal/platform/imaging"
	"github.com/phrazzld/pixpipe/internal/redact"
	"github.com/phrazzld/pixpipe/internal/task"
)

// CacheStatusHeader reports whether the source bytes came from the byte cache.
const CacheStatusHeader = "X-Pixpipe-Cache"

// Pipeline is the part of the dispatcher the HTTP layer needs.
type Pipeline interface {
	Submit(req task.Request) (task.Handle, error)
	Cancel(h task.Handle) bool
}

// ThumbnailRequest is the validated query of GET /v1/thumbnails.
type ThumbnailRequest struct {
	URL    string `validate:"required,url"`
	Width  int    `validate:"gte=0,lte=4096"`
	Height int    `validate:"gte=0,lte=4096"`
}

// ThumbnailHandler serves resized images produced by the pipeline.
type ThumbnailHandler struct {
	pipeline  Pipeline
	validator *validator.Validate
	quality   int
	logger    *slog.Logger
}

// NewThumbnailHandler creates a ThumbnailHandler encoding JPEG at quality.
func NewThumbnailHandler(pipeline Pipeline, quality int, logger *slog.Logger) *ThumbnailHandler {
	return &ThumbnailHandler{
		pipeline:  pipeline,
		validator: validator.New(),
		quality:   quality,
		logger:    logger.With("component", "thumbnail_handler"),
	}
}

// waitSink hands the terminal update to a waiting handler. Once the handler
// has given up it reports itself dead so the dispatcher stops delivering.
type waitSink struct {
	terminal chan task.Update
	cacheHit atomic.Bool
	alive    atomic.Bool
}

func newWaitSink() *waitSink {
	s := &waitSink{terminal: make(chan task.Update, 1)}
	s.alive.Store(true)
	return s
}

func (s *waitSink) Deliver(u task.Update) {
	if u.State == task.StateCacheHit || u.FromCache {
		s.cacheHit.Store(true)
	}
	if u.State.Terminal() {
		select {
		case s.terminal <- u:
		default:
		}
	}
}

func (s *waitSink) Alive() bool {
	return s.alive.Load()
}

// GetThumbnail handles GET /v1/thumbnails?url=&width=&height= requests
func (h *ThumbnailHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	req, err := parseThumbnailRequest(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid thumbnail request", err)
		return
	}

	sink := newWaitSink()
	handle, err := h.pipeline.Submit(task.Request{
		Key:       req.URL,
		Width:     req.Width,
		Height:    req.Height,
		Sink:      sink,
		Cacheable: true,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		shared.RespondWithErrorAndLog(w, r, status, "Failed to submit request", err)
		return
	}

	var update task.Update
	select {
	case update = <-sink.terminal:
	case <-r.Context().Done():
		sink.alive.Store(false)
		h.pipeline.Cancel(handle)
		h.logger.Debug("client went away, request cancelled",
			"request_id", handle.ID(),
			"key", redact.URL(req.URL))
		return
	}

	if update.State == task.StateFailed {
		shared.RespondWithErrorAndLog(w, r,
			MapFailureToStatusCode(update), GetSafeFailureMessage(update), update.Err)
		return
	}

	thumb, ok := update.Result.(*imaging.Thumbnail)
	if !ok {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"An unexpected error occurred", fmt.Errorf("unexpected result type %T", update.Result))
		return
	}

	var body bytes.Buffer
	if err := imaging.EncodeJPEG(&body, thumb, h.quality); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to encode thumbnail", err)
		return
	}

	cacheStatus := "MISS"
	if sink.cacheHit.Load() {
		cacheStatus = "HIT"
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.Header().Set(CacheStatusHeader, cacheStatus)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body.Bytes()); err != nil {
		h.logger.Error("failed to write thumbnail", "error", err, "request_id", handle.ID())
	}
}

func parseThumbnailRequest(r *http.Request) (ThumbnailRequest, error) {
	q := r.URL.Query()
	req := ThumbnailRequest{URL: q.Get("url")}

	var err error
	if req.Width, err = parseDimension(q.Get("width")); err != nil {
		return req, fmt.Errorf("invalid width: %w", err)
	}
	if req.Height, err = parseDimension(q.Get("height")); err != nil {
		return req, fmt.Errorf("invalid height: %w", err)
	}
	return req, nil
}

func parseDimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
