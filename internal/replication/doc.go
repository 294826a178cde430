// Package replication copies document revisions between the local store and
// a remote database.
//
// Overview
//
// A Replicator runs one direction of replication. NewPuller brings remote
// revisions into the local store; NewPusher sends local revisions to the
// remote. Both are driven by the same session machinery:
//
//	Start
//	  ├── derive checkpoint ID, compare local and remote checkpoints
//	  ├── strategy.begin(since)
//	  │     puller: changes tracker → inbox → revs lookup → fetch → insert
//	  │     pusher: ChangesSince/Subscribe → inbox → _revs_diff → upload
//	  ├── tasks reach zero → one-shot stops, continuous goes Idle
//	  └── Stop: cancel network work, flush inserts, save checkpoint
//
// Usage
//
// One-shot pull:
//
//	r, err := replication.NewPuller(st, "https://db.example.com/notes", replication.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	if err := r.Run(ctx); err != nil {
//	    return err
//	}
//
// Continuous push with progress reporting:
//
//	opts := replication.DefaultOptions()
//	opts.Continuous = true
//	r, _ := replication.NewPusher(st, remoteURL, opts)
//	unsubscribe := r.OnEvent(func(ev replication.Event) {
//	    fmt.Printf("%s %d/%d\n", ev.Status, ev.Completed, ev.Total)
//	})
//	defer unsubscribe()
//	_ = r.Start()
//	defer r.Stop()
//
// Checkpoints
//
// The checkpoint ID is a SHA-1 over the local store's private UUID, the
// remote URL, the direction and the filter settings. The last sequence is
// stored both locally and in the remote's _local/<id> document; a session
// resumes from it only when both copies agree. Saves are coalesced: at most
// one remote PUT is in flight and a final save is forced on Stop.
//
// Pull checkpoints are remote feed sequences. Entries may finish out of
// order, so a dense SequenceMap tracks which entries are still in flight and
// the checkpoint only moves past a contiguous completed prefix. Push
// checkpoints are local sequences tracked the same way by PendingSequences.
//
// Error Handling
//
// Per-revision failures are recorded as LastError and do not stop the
// session. A revision rejected as forbidden is logged and skipped. Transient
// request failures are retried with backoff by the remote client. Connectivity
// failures stop one-shot replications; continuous ones go Offline and probe
// the remote until it answers, then resume.
package replication
