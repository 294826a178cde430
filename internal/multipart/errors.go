package multipart

import "errors"

// Errors returned while reading multipart documents.
var (
	// ErrParse is returned for malformed multipart framing or headers, or
	// for data that arrives after the closing boundary.
	ErrParse = errors.New("multipart parse error")

	// ErrMissingAttachment is returned when an attachment is declared with
	// "follows" but no streamed part matches it.
	ErrMissingAttachment = errors.New("attachment body missing")

	// ErrDigestMismatch is returned when a declared digest does not match
	// the streamed part.
	ErrDigestMismatch = errors.New("attachment digest mismatch")

	// ErrLengthMismatch is returned when a declared length does not match
	// the streamed part.
	ErrLengthMismatch = errors.New("attachment length mismatch")

	// ErrUnexpectedPart is returned when more parts were streamed than
	// attachments declared "follows".
	ErrUnexpectedPart = errors.New("unexpected attachment part")
)

// IsDocumentError reports whether err means the document body itself is
// unusable, as opposed to an I/O failure while reading it.
func IsDocumentError(err error) bool {
	return errors.Is(err, ErrParse) ||
		errors.Is(err, ErrMissingAttachment) ||
		errors.Is(err, ErrDigestMismatch) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrUnexpectedPart)
}
