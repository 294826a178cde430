package importer

import "errors"

var (
	// ErrNotDocumentFile is returned for paths that do not name a document
	// file (*.json, not hidden).
	ErrNotDocumentFile = errors.New("not a document file")

	// ErrBadDocument is returned when a file is not a JSON object or an
	// array of JSON objects.
	ErrBadDocument = errors.New("invalid document file")
)
