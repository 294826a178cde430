// Package revision defines document revisions as they move between the local
// store and a remote database.
//
// A revision is identified by its document ID and a revision ID of the form
// "<generation>-<suffix>". The generation grows by one per edit along a
// branch, so revision IDs can be ordered without consulting storage:
//
//	gen, suffix, err := revision.ParseRevID("3-8c4a")
//	// gen == 3, suffix == "8c4a"
//
// Revision history travels on the wire in the compact "_revisions" form
// ({"start": N, "ids": [...]}) and is expanded into a newest-first list of
// full revision IDs by ParseHistory.
//
// PulledRevision is the pull-side wrapper: it remembers the opaque remote
// sequence token the revision was learned from, which is what the replicator
// eventually checkpoints.
package revision
