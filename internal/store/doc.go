// Package store is the local document store that replication reads from and
// writes to.
//
// Revisions live in an embedded SQLite database (ncruces/go-sqlite3, opened in
// WAL mode) as a per-document revision tree:
//
//   - revs: one row per known revision. Rows with a NULL body are stubs for
//     ancestors that were learned only through a "_revisions" history.
//     "current" marks the leaves of the tree.
//   - checkpoints: last replicated sequence per replication checkpoint ID.
//   - info: store-wide values such as the private UUID.
//
// Attachment bodies are kept outside the database in a content-addressed
// BlobStore keyed by "sha1-<base64>" digest. Revision bodies only carry
// attachment metadata with "stub": true.
//
// Two write paths exist:
//
//	// Local edit: generates the next revision ID, rejects stale parents.
//	rev, err := s.PutRevision(ctx, "doc1", "", map[string]any{"title": "hi"}, false)
//
//	// Replicated revision: inserted as-is together with its ancestry.
//	err := s.ForceInsert(ctx, rev, []string{"2-b", "1-a"}, remoteURL)
//
// ForceInsert is idempotent: replaying a revision the store already has is a
// no-op, so a replication resumed from an older checkpoint is safe.
//
// Every committed revision is announced to Subscribe listeners together with
// the URL it came from, which lets a pusher skip revisions that were just
// pulled from the same remote.
package store
