package retry

import "errors"

// Common errors used when deciding whether to retry.
var (
	// ErrOutOfRetries is returned when a retry loop gives up on a transient
	// failure.
	ErrOutOfRetries = errors.New("out of retries")

	// ErrOffline is returned when the remote is unreachable and the caller
	// should wait for connectivity instead of retrying.
	ErrOffline = errors.New("remote unreachable")
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsTransient reports whether err is worth retrying after a delay.
func IsTransient(err error) bool {
	return Classify(err).Has(Transient)
}

// IsConnectivity reports whether err means the remote cannot be reached.
func IsConnectivity(err error) bool {
	return Classify(err).Has(Connectivity)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return Classify(err).Has(Permanent)
}
