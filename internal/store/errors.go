package store

import "errors"

var (
	// ErrNotFound is returned when a document, revision, blob or checkpoint
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a local edit does not extend a current
	// leaf revision.
	ErrConflict = errors.New("document update conflict")

	// ErrForbidden is returned when the validator rejects a revision.
	ErrForbidden = errors.New("forbidden")

	// ErrBadRequest is returned for malformed revisions or attachment
	// metadata.
	ErrBadRequest = errors.New("bad request")

	// ErrInvalidDigest is returned for digests that are not "sha1-" or "md5-"
	// followed by base64.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// IsRejection reports whether err rejects a single revision rather than
// signalling a storage failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrBadRequest)
}

// StatusCode maps a store error to the HTTP status a remote would use.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidDigest):
		return 400
	default:
		return 500
	}
}
