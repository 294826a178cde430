package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is returned for responses with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string

	// Reason is the "reason" or "error" field of a JSON error body, if any.
	Reason string
}

// Error implements error.
func (e *HTTPError) Error() string {
	text := http.StatusText(e.StatusCode)
	if e.Reason != "" {
		text = e.Reason
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, text)
}

// HTTPStatus implements retry.StatusCoder.
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsStatus reports whether err is an HTTPError with the given status.
func IsStatus(err error, code int) bool {
	return StatusOf(err) == code
}

// StatusFromError maps the "error" string of a per-document bulk result to
// an HTTP status.
func StatusFromError(errorName string) int {
	switch errorName {
	case "":
		return http.StatusOK
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
