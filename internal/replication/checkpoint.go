package replication

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/steveyegge/docsync/internal/remote"
)

const checkpointTimeout = 30 * time.Second

// checkpointer tracks the session's last sequence and what has been saved.
type checkpointer struct {
	mu        sync.Mutex
	id        string
	remoteRev string
	current   string
	saved     string
	timer     *time.Timer

	// saveMu serializes saves so at most one PUT is in flight.
	saveMu sync.Mutex
}

// checkpointDoc is the remote _local document.
type checkpointDoc struct {
	Rev          string `json:"_rev,omitempty"`
	LastSequence string `json:"lastSequence"`
}

// CheckpointID derives the checkpoint document ID. It changes whenever the
// local store, the remote, the direction or the filter settings change.
func (r *Replicator) CheckpointID(ctx context.Context) (string, error) {
	localUUID, err := r.store.PrivateUUID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read store UUID: %w", err)
	}

	key := map[string]any{
		"localUUID": localUUID,
		"remoteURL": r.remote.URL(),
		"push":      r.direction == Push,
	}
	if r.opts.Filter != "" {
		key["filter"] = r.opts.Filter
		key["filterParams"] = r.opts.FilterParams
	}
	if len(r.opts.DocIDs) > 0 {
		key["docIDs"] = r.opts.DocIDs
	}
	if len(r.opts.Channels) > 0 {
		key["channels"] = r.opts.Channels
	}

	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint key: %w", err)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// Checkpoint returns the last saved sequence.
func (r *Replicator) Checkpoint() string {
	r.cp.mu.Lock()
	defer r.cp.mu.Unlock()
	return r.cp.saved
}

// loadCheckpoint returns the sequence to start from: the stored checkpoint
// when the local and remote copies agree, "" otherwise.
func (r *Replicator) loadCheckpoint(ctx context.Context) (string, error) {
	id, err := r.CheckpointID(ctx)
	if err != nil {
		return "", err
	}

	local, _, err := r.store.GetCheckpoint(ctx, id)
	if err != nil {
		return "", err
	}

	var doc checkpointDoc
	err = r.remote.SendJSON(ctx, http.MethodGet, checkpointPath(id), nil, nil, &doc)
	switch {
	case remote.IsStatus(err, http.StatusNotFound):
		doc = checkpointDoc{}
	case err != nil:
		return "", err
	}

	since := ""
	if doc.LastSequence == local {
		since = local
	} else {
		r.logger.Printf("Checkpoint %s mismatch (local %q, remote %q), starting from scratch", id, local, doc.LastSequence)
	}

	r.cp.mu.Lock()
	if r.cp.timer != nil {
		r.cp.timer.Stop()
		r.cp.timer = nil
	}
	r.cp.id = id
	r.cp.remoteRev = doc.Rev
	r.cp.current = since
	r.cp.saved = since
	r.cp.mu.Unlock()

	if r.opts.Verbose {
		r.logger.Printf("%s replication %s starting after %q", r.direction, id, since)
	}
	return since, nil
}

// setLastSequence records progress and schedules a save.
func (r *Replicator) setLastSequence(seq string) {
	r.cp.mu.Lock()
	defer r.cp.mu.Unlock()
	if seq == r.cp.current {
		return
	}
	r.cp.current = seq
	if r.cp.timer == nil {
		r.cp.timer = time.AfterFunc(r.opts.CheckpointInterval, r.saveCheckpoint)
	}
}

// saveCheckpoint writes the current sequence to the remote and then to the
// local store, if it changed since the last save.
func (r *Replicator) saveCheckpoint() {
	r.cp.saveMu.Lock()
	defer r.cp.saveMu.Unlock()

	r.cp.mu.Lock()
	if r.cp.timer != nil {
		r.cp.timer.Stop()
		r.cp.timer = nil
	}
	id, seq, rev := r.cp.id, r.cp.current, r.cp.remoteRev
	unchanged := id == "" || seq == r.cp.saved
	r.cp.mu.Unlock()
	if unchanged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()

	newRev, err := r.putCheckpoint(ctx, id, seq, rev)
	if err != nil {
		r.logger.Printf("Warning: failed to save checkpoint %s: %v", id, err)
		return
	}
	if err := r.store.SetCheckpoint(ctx, id, seq); err != nil {
		r.logger.Printf("Warning: failed to save local checkpoint %s: %v", id, err)
		return
	}

	r.cp.mu.Lock()
	r.cp.saved = seq
	r.cp.remoteRev = newRev
	r.cp.mu.Unlock()

	r.metrics.CheckpointSaved(r.direction.String())
	if r.opts.Verbose {
		r.logger.Printf("Saved checkpoint %s = %q", id, seq)
	}
}

// putCheckpoint saves the remote document. A conflict means another session
// wrote it; the current _rev is fetched and the save retried once.
func (r *Replicator) putCheckpoint(ctx context.Context, id, seq, rev string) (string, error) {
	path := checkpointPath(id)

	var res remote.BulkDocsResult
	err := r.remote.SendJSON(ctx, http.MethodPut, path, nil, checkpointDoc{Rev: rev, LastSequence: seq}, &res)
	if remote.IsStatus(err, http.StatusConflict) {
		var current checkpointDoc
		if gerr := r.remote.SendJSON(ctx, http.MethodGet, path, nil, nil, &current); gerr != nil && !remote.IsStatus(gerr, http.StatusNotFound) {
			return "", gerr
		}
		err = r.remote.SendJSON(ctx, http.MethodPut, path, nil, checkpointDoc{Rev: current.Rev, LastSequence: seq}, &res)
	}
	if err != nil {
		return "", err
	}
	return res.Rev, nil
}

func checkpointPath(id string) string {
	return remote.DocPath("_local/" + id)
}
