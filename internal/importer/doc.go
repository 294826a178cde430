// Package importer keeps a local document store in step with a directory of
// JSON files.
//
// Overview
//
// Each file named <docid>.json holds the body of one document. Importing a
// file stores its content as a new local revision on top of the document's
// current revision; deleting the file stores a tombstone. Local revisions
// created this way show up in the store's change notifications, so a running
// continuous push replication sends them to the remote as they appear.
//
// A file whose top-level value is an array imports every element as its own
// document. Elements carry their ID in "_id"; elements without one get a
// random UUID.
//
// Usage
//
//	im, err := importer.New(st, "./docs")
//	if err != nil {
//	    return err
//	}
//	// Imports everything, then watches until ctx is cancelled.
//	return im.Run(ctx)
//
// Editors often write a file several times per save, so watched changes are
// debounced (Config.DebounceInterval) before they are imported.
//
// Error Handling
//
// Files that cannot be parsed are logged and skipped; they do not stop the
// watch. SyncFile and ImportDocument return ErrBadDocument for malformed
// content and the store's errors (store.ErrForbidden, revision.ErrInvalidDocID)
// unchanged.
package importer
