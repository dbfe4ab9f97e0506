package http

import (
	"net/http"

	"github.com/itsharex/SolidUI/errors"
)

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsFatal(err):
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrConnectionTimeout):
		return http.StatusGatewayTimeout
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a message safe for clients. Details stay in the logs.
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.Is(err, errors.ErrSpawn):
		return "kernel manager failed to start"
	case errors.Is(err, errors.ErrShuttingDown):
		return "service is shutting down"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.Is(err, errors.ErrConnectionTimeout):
		return "request timeout"
	case errors.IsFatal(err):
		return "internal server error"
	case errors.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}
