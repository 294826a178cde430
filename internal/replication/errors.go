package replication

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the replicator is running.
	ErrAlreadyRunning = errors.New("replication already running")

	// ErrMissingBlob is returned when a revision to push references an
	// attachment whose content is not in the blob store.
	ErrMissingBlob = errors.New("attachment content missing")

	// ErrRevisionMismatch is returned when the remote answers a document
	// request with a different revision than the one asked for.
	ErrRevisionMismatch = errors.New("remote returned a different revision")
)
