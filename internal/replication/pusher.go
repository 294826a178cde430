package replication

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/batcher"
	"github.com/steveyegge/docsync/internal/multipart"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/retry"
	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/seqmap"
	"github.com/steveyegge/docsync/internal/store"
)

// upload is a local revision the remote is missing.
type upload struct {
	local *revision.Revision
	rev   *revision.Revision

	// knownGen is the generation of the newest ancestor the remote has.
	// Attachments with revpos at or below it are sent as stubs.
	knownGen int
}

// pusher is the push strategy.
type pusher struct {
	r     *Replicator
	seqs  *seqmap.PendingSequences
	inbox *batcher.Batcher[*revision.Revision]

	ctx      context.Context
	storeCtx context.Context

	// multipartDisabled is set once the remote answers 415 to a multipart
	// upload; later uploads inline their attachments.
	multipartDisabled atomic.Bool

	mu          sync.Mutex
	inflight    map[int64]bool
	unsubscribe func()
	offline     bool
	stopping    bool
}

func newPusher(r *Replicator) *pusher {
	p := &pusher{
		r:        r,
		seqs:     seqmap.NewPending(0),
		inflight: make(map[int64]bool),
	}
	p.inbox = batcher.New(r.opts.BatchSize, r.opts.ChangesBatchDelay, p.processInbox)
	return p
}

func (p *pusher) begin(ctx context.Context, since string) error {
	p.ctx = ctx
	p.storeCtx = storeContext(ctx)

	var sinceSeq int64
	if since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			p.r.logger.Printf("Warning: ignoring invalid push checkpoint %q", since)
		} else {
			sinceSeq = n
		}
	}
	p.seqs.Reset(sinceSeq)

	if p.r.opts.CreateTarget {
		if err := p.createTarget(ctx); err != nil {
			return err
		}
	}

	if p.r.opts.Continuous {
		unsubscribe := p.r.store.Subscribe(p.localChange)
		p.mu.Lock()
		if p.stopping {
			p.mu.Unlock()
			unsubscribe()
			return nil
		}
		p.unsubscribe = unsubscribe
		p.mu.Unlock()
	}

	if err := p.queueChangesSince(sinceSeq); err != nil {
		return err
	}
	p.inbox.FlushAll()
	p.r.caughtUp()
	return nil
}

// createTarget creates the remote database. An existing database is fine.
func (p *pusher) createTarget(ctx context.Context) error {
	err := p.r.remote.SendJSON(ctx, http.MethodPut, "", nil, nil, nil)
	if err == nil {
		p.r.logger.Printf("Created remote database %s", p.r.remote.URL())
		return nil
	}
	if remote.IsStatus(err, http.StatusPreconditionFailed) {
		return nil
	}
	return fmt.Errorf("failed to create remote database: %w", err)
}

func (p *pusher) queueChangesSince(since int64) error {
	revs, err := p.r.store.ChangesSince(p.storeCtx, since, store.ChangesOptions{
		IncludeConflicts: true,
		Filter:           p.filter(),
	})
	if err != nil {
		return fmt.Errorf("failed to list local changes: %w", err)
	}
	for _, rev := range revs {
		p.queue(rev)
	}
	return nil
}

// filter combines PushFilter and DocIDs.
func (p *pusher) filter() func(*revision.Revision) bool {
	opts := p.r.opts
	if opts.PushFilter == nil && len(opts.DocIDs) == 0 {
		return nil
	}
	return func(rev *revision.Revision) bool {
		if len(opts.DocIDs) > 0 && !slices.Contains(opts.DocIDs, rev.DocID) {
			return false
		}
		return opts.PushFilter == nil || opts.PushFilter(rev)
	}
}

// localChange queues a committed local revision, skipping revisions that
// were pulled from this same remote.
func (p *pusher) localChange(c store.Change) {
	if c.Source != "" && c.Source == p.r.remote.URL() {
		return
	}
	if f := p.filter(); f != nil && !f(c.Revision) {
		return
	}
	p.queue(c.Revision)
}

func (p *pusher) queue(rev *revision.Revision) {
	p.mu.Lock()
	if p.stopping || p.inflight[rev.Sequence] {
		p.mu.Unlock()
		return
	}
	p.inflight[rev.Sequence] = true
	p.seqs.Add(rev.Sequence)
	p.mu.Unlock()

	p.r.taskStarted(1)
	p.r.addTotal(1)
	p.inbox.QueueObject(rev)
}

// processInbox asks the remote which revisions it lacks and uploads them.
func (p *pusher) processInbox(batch []*revision.Revision) {
	ctx := p.ctx

	p.mu.Lock()
	offline := p.offline
	p.mu.Unlock()
	if offline {
		// Picked up again by goOnline.
		p.release(batch)
		p.r.taskFinished(len(batch))
		return
	}

	start := time.Now()
	var diff map[string]remote.RevsDiffResult
	err := p.r.remote.SendJSON(ctx, http.MethodPost, "_revs_diff", nil, revision.List(batch).ByDocID(), &diff)
	p.r.metrics.ObserveRequest("_revs_diff", start)
	if err != nil {
		p.release(batch)
		if ctx.Err() == nil {
			p.r.handleError(fmt.Errorf("_revs_diff failed: %w", err))
		}
		p.r.taskFinished(len(batch))
		return
	}

	var bulk, multi []*upload
	for _, rev := range batch {
		res, ok := diff[rev.DocID]
		if !ok || !slices.Contains(res.Missing, rev.RevID) {
			p.done(rev)
			continue
		}

		up, err := p.load(rev, res.PossibleAncestors)
		if errors.Is(err, store.ErrNotFound) {
			// Superseded and pruned; nothing left to send.
			p.done(rev)
			continue
		}
		if err != nil {
			p.failed(rev, err)
			continue
		}
		if p.needsMultipart(up) {
			multi = append(multi, up)
		} else {
			bulk = append(bulk, up)
		}
	}

	if p.r.opts.Verbose {
		p.r.logger.Printf("Push inbox: %d changes, %d via _bulk_docs, %d via multipart", len(batch), len(bulk), len(multi))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.r.remote.MaxConnections())
	if len(bulk) > 0 {
		g.Go(func() error {
			p.uploadBulk(gctx, bulk)
			return nil
		})
	}
	for _, up := range multi {
		g.Go(func() error {
			p.uploadMultipart(gctx, up)
			return nil
		})
	}
	_ = g.Wait()

	p.updateCheckpoint()
}

// load reads the full revision with its history.
func (p *pusher) load(local *revision.Revision, possibleAncestors []string) (*upload, error) {
	rev, err := p.r.store.GetRevision(p.storeCtx, local.DocID, local.RevID)
	if err != nil {
		return nil, err
	}
	if rev.Properties == nil {
		return nil, fmt.Errorf("revision %s: body: %w", local, store.ErrNotFound)
	}
	rev = rev.Copy()

	history, err := p.r.store.LoadRevisionHistory(p.storeCtx, local.DocID, local.RevID)
	if err != nil {
		return nil, err
	}
	rev.Properties[revision.KeyRevisions] = revision.EncodeHistory(history)

	up := &upload{local: local, rev: rev}
	for _, id := range possibleAncestors {
		if g := revision.Generation(id); g > up.knownGen && slices.Contains(history, id) {
			up.knownGen = g
		}
	}
	return up, nil
}

// changedAttachments returns the names of attachments the remote does not
// have, sorted.
func (up *upload) changedAttachments() []string {
	var names []string
	for name, meta := range up.rev.Attachments() {
		if revpos(meta) > up.knownGen {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (p *pusher) needsMultipart(up *upload) bool {
	if p.multipartDisabled.Load() {
		return false
	}
	atts := up.rev.Attachments()
	for _, name := range up.changedAttachments() {
		if store.AttachmentLength(atts[name]) >= p.r.opts.InlineThreshold {
			return true
		}
	}
	return false
}

// inlineBody returns the document body with new attachment contents inlined
// as base64.
func (p *pusher) inlineBody(up *upload) (map[string]any, error) {
	rev := up.rev.Copy()
	atts := rev.Attachments()
	for _, name := range up.changedAttachments() {
		meta := atts[name]
		digest, _ := meta["digest"].(string)
		data, err := p.r.store.Blobs().Get(digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %s attachment %q (%s): %v", ErrMissingBlob, up.rev, name, digest, err)
		}
		delete(meta, "stub")
		delete(meta, "follows")
		meta["data"] = base64.StdEncoding.EncodeToString(data)
	}
	rev.SetAttachments(atts)
	return rev.Properties, nil
}

// uploadBulk sends revisions through _bulk_docs with new_edits=false.
func (p *pusher) uploadBulk(ctx context.Context, ups []*upload) {
	docs := make([]map[string]any, 0, len(ups))
	sent := make([]*upload, 0, len(ups))
	for _, up := range ups {
		body, err := p.inlineBody(up)
		if err != nil {
			p.failed(up.local, err)
			continue
		}
		docs = append(docs, body)
		sent = append(sent, up)
	}
	if len(docs) == 0 {
		return
	}

	start := time.Now()
	var results []remote.BulkDocsResult
	err := p.r.remote.SendJSON(ctx, http.MethodPost, "_bulk_docs", nil, remote.BulkDocsRequest{Docs: docs, NewEdits: false}, &results)
	p.r.metrics.ObserveRequest("_bulk_docs", start)
	if err != nil {
		if ctx.Err() != nil {
			p.release(uploadsLocal(sent))
			return
		}
		for _, up := range sent {
			p.failed(up.local, err)
		}
		if retry.IsConnectivity(err) {
			p.r.handleError(err)
		}
		return
	}

	// With new_edits=false servers may only report failures; a document
	// without a result was stored.
	byRev := make(map[string]remote.BulkDocsResult, len(results))
	for _, res := range results {
		byRev[res.ID+"\x00"+res.Rev] = res
		if _, ok := byRev[res.ID]; !ok {
			byRev[res.ID] = res
		}
	}
	for _, up := range sent {
		res, ok := byRev[up.rev.DocID+"\x00"+up.rev.RevID]
		if !ok {
			res, ok = byRev[up.rev.DocID]
		}
		if !ok || res.Error == "" {
			p.transferred(up.local)
			continue
		}

		herr := &remote.HTTPError{
			StatusCode: res.StatusCode(),
			Method:     http.MethodPost,
			URL:        "_bulk_docs",
			Reason:     fmt.Sprintf("%s: %s", res.Error, res.Reason),
		}
		if herr.StatusCode == http.StatusForbidden {
			p.rejected(up.local, herr)
			continue
		}
		p.failed(up.local, herr)
	}
}

// uploadMultipart PUTs one revision with its attachments streamed as MIME
// parts, falling back to _bulk_docs if the remote refuses multipart.
func (p *pusher) uploadMultipart(ctx context.Context, up *upload) {
	err := p.r.remote.Retry(ctx, "PUT "+up.rev.DocID, func() error {
		return p.putMultipart(ctx, up)
	})
	switch {
	case err == nil:
		p.transferred(up.local)
	case remote.IsStatus(err, http.StatusUnsupportedMediaType):
		if !p.multipartDisabled.Swap(true) {
			p.r.logger.Printf("Remote %s does not accept multipart uploads, inlining attachments", p.r.remote.URL())
		}
		p.uploadBulk(ctx, []*upload{up})
	case remote.IsStatus(err, http.StatusForbidden):
		p.rejected(up.local, err)
	case ctx.Err() != nil:
		p.release([]*revision.Revision{up.local})
	default:
		p.failed(up.local, err)
		if retry.IsConnectivity(err) {
			p.r.handleError(err)
		}
	}
}

func (p *pusher) putMultipart(ctx context.Context, up *upload) error {
	start := time.Now()
	defer p.r.metrics.ObserveRequest("document", start)

	rev := up.rev.Copy()
	atts := rev.Attachments()
	names := up.changedAttachments()

	files := make([]*os.File, 0, len(names))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	mw := multipart.NewWriter("related")
	sizes := make([]int64, len(names))
	for i, name := range names {
		meta := atts[name]
		digest, _ := meta["digest"].(string)
		f, size, err := p.r.store.Blobs().Open(digest)
		if err != nil {
			return fmt.Errorf("%w: %s attachment %q (%s): %v", ErrMissingBlob, up.rev, name, digest, err)
		}
		files = append(files, f)
		sizes[i] = size
		delete(meta, "stub")
		meta["follows"] = true
	}
	rev.SetAttachments(atts)

	if err := mw.AddJSON(rev.Properties); err != nil {
		return err
	}
	for i, name := range names {
		contentType, _ := atts[name]["content_type"].(string)
		mw.AddAttachment(name, contentType, files[i], sizes[i])
	}

	req, err := p.r.remote.NewRequest(ctx, http.MethodPut, remote.DocPath(rev.DocID), url.Values{"new_edits": {"false"}}, mw.Reader())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.ContentType())
	if n := mw.Length(); n >= 0 {
		req.ContentLength = n
	}

	resp, err := p.r.remote.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// done finishes a revision the remote already has.
func (p *pusher) done(rev *revision.Revision) {
	p.seqs.Remove(rev.Sequence)
	p.finish(rev)
}

func (p *pusher) transferred(rev *revision.Revision) {
	p.r.metrics.RevisionTransferred(Push.String())
	p.done(rev)
}

func (p *pusher) rejected(rev *revision.Revision, err error) {
	p.r.logger.Printf("Revision %s rejected by remote: %v", rev, err)
	p.r.metrics.RevisionRejected(Push.String())
	p.done(rev)
}

// failed finishes a revision that could not be pushed. It stays pending so
// the checkpoint does not move past it.
func (p *pusher) failed(rev *revision.Revision, err error) {
	p.r.logger.Printf("Warning: failed to push %s: %v", rev, err)
	p.r.setLastError(err)
	p.r.metrics.RevisionFailed(Push.String())
	p.finish(rev)
}

func (p *pusher) finish(rev *revision.Revision) {
	p.mu.Lock()
	delete(p.inflight, rev.Sequence)
	p.mu.Unlock()
	p.r.addCompleted(1)
	p.r.taskFinished(1)
}

// release forgets revisions without counting them, so they can be queued
// again after going back online.
func (p *pusher) release(revs []*revision.Revision) {
	p.mu.Lock()
	for _, rev := range revs {
		delete(p.inflight, rev.Sequence)
	}
	p.mu.Unlock()
}

func uploadsLocal(ups []*upload) []*revision.Revision {
	out := make([]*revision.Revision, len(ups))
	for i, up := range ups {
		out[i] = up.local
	}
	return out
}

func (p *pusher) updateCheckpoint() {
	p.r.metrics.SetPending(Push.String(), p.seqs.Len())
	if seq := p.seqs.Checkpoint(); seq > 0 {
		p.r.setLastSequence(strconv.FormatInt(seq, 10))
	}
}

func (p *pusher) goOffline() {
	p.mu.Lock()
	p.offline = true
	p.mu.Unlock()
}

// goOnline queues everything after the checkpoint that is not already in
// flight, which includes revisions that failed while offline.
func (p *pusher) goOnline(ctx context.Context) error {
	p.mu.Lock()
	p.offline = false
	p.mu.Unlock()

	if err := p.queueChangesSince(p.seqs.Checkpoint()); err != nil {
		return err
	}
	p.inbox.FlushAll()
	return nil
}

func (p *pusher) stop() {
	p.mu.Lock()
	p.stopping = true
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	p.inbox.Clear()
	p.inbox.Wait()
	p.updateCheckpoint()
}

func (p *pusher) pending() int {
	return p.seqs.Len()
}

func revpos(meta map[string]any) int {
	switch n := meta["revpos"].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
