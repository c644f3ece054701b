// Package infosentry provides a Go client for the infoSentry push decision API.
package infosentry

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error represents an error from the infoSentry API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server's Retry-After hint on 429 and 503 responses.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("infosentry: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsConflict returns true if the error is a 409, e.g. replaying a run that
// is still running.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the error is a 503: the worker queue is full
// or the server is shutting down. Retry after Error.RetryAfter.
func IsUnavailable(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }
