package changes

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a running tracker.
	ErrAlreadyRunning = errors.New("change tracker already running")

	// ErrBadJSON is returned when a feed response is not valid JSON.
	ErrBadJSON = errors.New("malformed changes feed response")

	// errProxyIdle marks a long-poll response that closed before any JSON
	// arrived, typically a proxy timing out an idle connection.
	errProxyIdle = errors.New("changes feed closed before responding")
)
