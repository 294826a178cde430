// Package remotetest runs an in-process remote database for replication
// tests.
//
// A Server speaks the subset of the CouchDB-style HTTP protocol the
// replicator uses, backed by its own store.Store:
//
//	PUT  /db/                          create the database (412 if it exists)
//	GET  /db/                          database info
//	GET  /db/_changes                  feed=normal|longpoll|continuous|websocket
//	POST /db/_changes                  same, options in a JSON body
//	POST /db/_revs_diff                missing revisions
//	POST /db/_bulk_docs                new_edits=false inserts
//	GET  /db/<docid>                   rev, revs, attachments, atts_since
//	PUT  /db/<docid>?new_edits=false   JSON or multipart/related body
//	GET  /db/_local/<id>               checkpoint documents
//	PUT  /db/_local/<id>
//
// Every request is recorded so tests can assert on what the replicator sent,
// and failures can be injected per path.
package remotetest
