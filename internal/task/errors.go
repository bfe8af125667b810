package task

import "errors"

// Common errors returned by the pipeline
var (
	// ErrCancelled is reported when a request was cancelled before it finished
	ErrCancelled = errors.New("request cancelled")

	// ErrFetchFailed wraps any error from the injected fetch function
	ErrFetchFailed = errors.New("fetch failed")

	// ErrDecodeFailed wraps the last error from the injected decode function
	// once retries are exhausted
	ErrDecodeFailed = errors.New("decode failed")

	// ErrPermanentDecode may be wrapped by a decode function to skip the
	// remaining retry attempts
	ErrPermanentDecode = errors.New("permanent decode error")

	// ErrPayloadTooLarge is returned when a fetched body exceeds the configured limit
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")

	// ErrStopped is returned by Submit after the dispatcher has been stopped
	ErrStopped = errors.New("dispatcher is stopped")

	// ErrAlreadyRunning is returned when the control loop is started twice
	ErrAlreadyRunning = errors.New("dispatcher is already running")

	// ErrInvalidRequest is returned by Submit for malformed requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrQueueClosed is returned when pushing onto a closed queue
	ErrQueueClosed = errors.New("task queue is closed")
)
