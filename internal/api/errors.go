package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/pixpipe/internal/platform/httpfetch"
	"github.com/phrazzld/pixpipe/internal/task"
)

// MapFailureToStatusCode maps a failed update to an HTTP status code without
// leaking internal error types to clients.
func MapFailureToStatusCode(u task.Update) int {
	switch u.Kind {
	case task.FailureIO:
		switch {
		case errors.Is(u.Err, httpfetch.ErrInvalidURL):
			return http.StatusBadRequest
		case errors.Is(u.Err, task.ErrPayloadTooLarge):
			return http.StatusRequestEntityTooLarge
		default:
			return http.StatusBadGateway
		}
	case task.FailureDecode:
		return http.StatusUnprocessableEntity
	case task.FailureCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeFailureMessage returns a client-facing message for a failed update.
func GetSafeFailureMessage(u task.Update) string {
	switch u.Kind {
	case task.FailureIO:
		switch {
		case errors.Is(u.Err, httpfetch.ErrInvalidURL):
			return "Invalid image URL"
		case errors.Is(u.Err, task.ErrPayloadTooLarge):
			return "Source image is too large"
		default:
			return "Failed to fetch source image"
		}
	case task.FailureDecode:
		return "Source is not a decodable image"
	case task.FailureCancelled:
		return "Request was cancelled"
	default:
		return "An unexpected error occurred"
	}
}
