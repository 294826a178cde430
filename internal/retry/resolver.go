package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// Classification flags describe why an operation failed.
type Classification uint8

const (
	// Transient failures are expected to clear up on their own.
	Transient Classification = 1 << iota
	// Connectivity failures mean the remote cannot be reached at all.
	Connectivity
	// Permanent failures will not succeed no matter how often they are retried.
	Permanent
	// OutOfRetries marks a transient failure whose retry budget is spent.
	OutOfRetries
)

// Has reports whether all flags in f are set.
func (c Classification) Has(f Classification) bool {
	return f != 0 && c&f == f
}

// String returns the set flags joined by "|".
func (c Classification) String() string {
	if c == 0 {
		return "none"
	}

	var parts []string
	for _, f := range []struct {
		flag Classification
		name string
	}{
		{Transient, "transient"},
		{Connectivity, "connectivity"},
		{Permanent, "permanent"},
		{OutOfRetries, "out_of_retries"},
	} {
		if c.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Resolution is the action to take after an error.
type Resolution int

const (
	// Ignore means the error is expected (e.g. the operation was cancelled).
	Ignore Resolution = iota
	// RetryNow means reconnect immediately.
	RetryNow
	// BackoffAndRetry means sleep for the backoff time, then retry.
	BackoffAndRetry
	// RetryLater means the retry budget is spent but a continuous
	// replication should try again after a long pause.
	RetryLater
	// GoOffline means wait until the remote becomes reachable again.
	GoOffline
	// Stop means give up and surface the error.
	Stop
)

// String returns a human-readable representation of the resolution.
func (r Resolution) String() string {
	switch r {
	case Ignore:
		return "ignore"
	case RetryNow:
		return "retry_now"
	case BackoffAndRetry:
		return "backoff_and_retry"
	case RetryLater:
		return "retry_later"
	case GoOffline:
		return "go_offline"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Context carries the replication state that influences a resolution.
type Context struct {
	Continuous          bool
	HasRetriesRemaining bool
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EINPROGRESS,
	syscall.EALREADY,
	syscall.ETIMEDOUT,
	syscall.ENETRESET,
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.ENOBUFS,
	syscall.EPIPE,
	syscall.EAGAIN,
}

var connectivityErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
	syscall.ENETDOWN,
	syscall.ENETUNREACH,
	syscall.ENOTCONN,
}

// Classify inspects the error chain. Timeouts and the transient socket
// errors win over connectivity errors, which win over HTTP statuses.
// Anything unrecognized is permanent.
func Classify(err error) Classification {
	if err == nil {
		return 0
	}

	if isTimeout(err) {
		return Transient
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		for _, e := range transientErrnos {
			if errno == e {
				return Transient
			}
		}
		for _, e := range connectivityErrnos {
			if errno == e {
				return Connectivity
			}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary {
			return Transient
		}
		return Connectivity
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if c := ClassifyStatus(sc.HTTPStatus()); c != 0 {
			return c
		}
	}

	// A response cut off mid-body behaves like a connection reset.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}

	if errors.Is(err, ErrOffline) {
		return Connectivity
	}

	return Permanent
}

// ClassifyStatus classifies an HTTP status. Success statuses return 0.
func ClassifyStatus(code int) Classification {
	switch {
	case code < 400:
		return 0
	case code == http.StatusInternalServerError,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests:
		return Transient
	default:
		return Permanent
	}
}

// Resolve maps an error and the replication context onto an action. A nil
// error resolves to RetryNow for continuous replications (the connection
// simply ended) and Stop for one-shot ones.
func Resolve(err error, ctx Context) (Resolution, Classification) {
	if err == nil {
		if ctx.Continuous {
			return RetryNow, 0
		}
		return Stop, 0
	}

	if errors.Is(err, context.Canceled) {
		return Ignore, 0
	}

	class := Classify(err)
	switch {
	case class.Has(Connectivity):
		return GoOffline, class
	case class.Has(Transient):
		if ctx.HasRetriesRemaining {
			return BackoffAndRetry, class
		}
		class |= OutOfRetries
		if ctx.Continuous {
			return RetryLater, class
		}
		return Stop, class
	default:
		return Stop, class
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
