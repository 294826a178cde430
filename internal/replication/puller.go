package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/docsync/internal/batcher"
	"github.com/steveyegge/docsync/internal/changes"
	"github.com/steveyegge/docsync/internal/multipart"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/retry"
	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/seqmap"
	"github.com/steveyegge/docsync/internal/store"
)

const (
	// inboxHighWater blocks the changes feed while this many revisions wait
	// for processing.
	inboxHighWater = 1000

	// maxAttsSince caps the known ancestors sent as atts_since.
	maxAttsSince = 50

	findMissingAttempts = 3
	findMissingMinSleep = 100 * time.Millisecond
)

// download is a fetched revision waiting to be inserted.
type download struct {
	pulled  *revision.PulledRevision
	rev     *revision.Revision
	history []string
}

// puller is the pull strategy. It is the changes tracker's client.
type puller struct {
	r       *Replicator
	seqs    *seqmap.SequenceMap
	inbox   *batcher.Batcher[*revision.PulledRevision]
	inserts *batcher.Batcher[*download]

	ctx      context.Context
	storeCtx context.Context

	mu          sync.Mutex
	tracker     *changes.Tracker
	feedSeq     string
	queue       []*revision.PulledRevision
	connections int
	offline     bool
	stopping    bool
	fetches     sync.WaitGroup

	inboxMu     sync.Mutex
	inboxCond   *sync.Cond
	inboxCount  int
	inboxClosed bool
}

func newPuller(r *Replicator) *puller {
	p := &puller{
		r:    r,
		seqs: seqmap.New(),
	}
	p.inboxCond = sync.NewCond(&p.inboxMu)
	p.inbox = batcher.New(r.opts.BatchSize, r.opts.ChangesBatchDelay, p.processInbox)
	p.inserts = batcher.New(r.opts.BatchSize, r.opts.InsertBatchDelay, p.insertDownloads)
	return p
}

func (p *puller) begin(ctx context.Context, since string) error {
	p.ctx = ctx
	p.storeCtx = storeContext(ctx)
	return p.startTracker(since)
}

func (p *puller) startTracker(since string) error {
	opts := p.r.opts
	t, err := changes.New(changes.Config{
		Remote:       p.r.remote,
		Mode:         opts.feedMode(),
		Since:        since,
		Heartbeat:    opts.Heartbeat,
		Filter:       opts.Filter,
		FilterParams: opts.FilterParams,
		DocIDs:       opts.DocIDs,
		Channels:     opts.Channels,
		UsePOST:      opts.UsePOST,
		MinBackoff:   opts.MinBackoff,
		MaxBackoff:   opts.MaxBackoff,
		Logger:       p.r.logger,
		Verbose:      opts.Verbose,
	}, p)
	if err != nil {
		return fmt.Errorf("failed to create changes tracker: %w", err)
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.tracker = t
	p.feedSeq = since
	p.mu.Unlock()

	return t.Start()
}

// ChangeTrackerReceivedChange queues every revision of the entry. It blocks
// while the inbox is over its high-water mark.
func (p *puller) ChangeTrackerReceivedChange(entry *changes.Entry) {
	p.mu.Lock()
	p.feedSeq = entry.Sequence()
	p.mu.Unlock()

	if !revision.IsValidDocID(entry.ID) {
		p.r.logger.Printf("Warning: skipping change with invalid document ID %q", entry.ID)
		return
	}
	revIDs := entry.RevIDs()
	if len(revIDs) == 0 {
		return
	}

	p.inboxMu.Lock()
	for p.inboxCount >= inboxHighWater && !p.inboxClosed {
		p.inboxCond.Wait()
	}
	closed := p.inboxClosed
	if !closed {
		p.inboxCount += len(revIDs)
	}
	p.inboxMu.Unlock()
	if closed {
		return
	}

	pulled := make([]*revision.PulledRevision, 0, len(revIDs))
	for _, revID := range revIDs {
		pr := revision.NewPulled(entry.ID, revID, entry.Deleted, entry.Sequence())
		pr.Conflicted = len(revIDs) > 1
		pulled = append(pulled, pr)
	}

	p.r.taskStarted(len(pulled))
	p.r.addTotal(len(pulled))
	p.inbox.QueueObjects(pulled)
}

// ChangeTrackerCaughtUp processes whatever the backlog left in the inbox.
func (p *puller) ChangeTrackerCaughtUp() {
	p.inbox.FlushAll()
	p.r.caughtUp()
}

// ChangeTrackerStopped reports feed failures to the session. A clean stop
// only happens for one-shot feeds, which have already caught up.
func (p *puller) ChangeTrackerStopped(t *changes.Tracker, err error) {
	p.mu.Lock()
	current := p.tracker == t
	if current {
		p.tracker = nil
	}
	stopping := p.stopping
	p.mu.Unlock()

	if !current || stopping {
		return
	}
	if err != nil {
		p.r.handleError(err)
		return
	}
	p.inbox.FlushAll()
	p.r.caughtUp()
}

func (p *puller) releaseInbox(n int) {
	p.inboxMu.Lock()
	p.inboxCount -= n
	if p.inboxCount < 0 {
		p.inboxCount = 0
	}
	p.inboxCond.Broadcast()
	p.inboxMu.Unlock()
}

// processInbox assigns sequences, drops revisions the store already has and
// queues the rest for download.
func (p *puller) processInbox(batch []*revision.PulledRevision) {
	p.releaseInbox(len(batch))

	for _, pr := range batch {
		pr.Sequence = p.seqs.AddValue(pr.RemoteSequenceID)
	}

	lookup := make(map[string][]string)
	for _, pr := range batch {
		lookup[pr.DocID] = append(lookup[pr.DocID], pr.RevID)
	}
	missing, err := p.findMissing(lookup)
	if err != nil {
		p.r.logger.Printf("Warning: failed to look up %d revisions, skipping them: %v", len(batch), err)
		p.r.setLastError(err)
		for _, pr := range batch {
			p.seqs.RemoveSequence(pr.Sequence)
		}
		p.r.addCompleted(len(batch))
		p.updateCheckpoint()
		p.r.taskFinished(len(batch))
		return
	}

	var fetch []*revision.PulledRevision
	known := 0
	for _, pr := range batch {
		if slices.Contains(missing[pr.DocID], pr.RevID) {
			fetch = append(fetch, pr)
			continue
		}
		p.seqs.RemoveSequence(pr.Sequence)
		known++
	}

	if p.r.opts.Verbose {
		p.r.logger.Printf("Pull inbox: %d changes, %d to fetch", len(batch), len(fetch))
	}

	p.queueFetches(fetch)
	if known > 0 {
		p.r.addCompleted(known)
		p.updateCheckpoint()
		p.r.taskFinished(known)
	}
}

func (p *puller) findMissing(lookup map[string][]string) (map[string][]string, error) {
	b := retry.NewBackoff(findMissingMinSleep, 0)
	return retryLocal(p.ctx, findMissingAttempts, b, func() (map[string][]string, error) {
		return p.r.store.FindMissingRevisions(p.storeCtx, lookup)
	})
}

// retryLocal calls fn up to attempts times, sleeping on b between failures.
// A cancelled ctx ends the wait and returns the last failure.
func retryLocal[T any](ctx context.Context, attempts int, b *retry.Backoff, fn func() (T, error)) (T, error) {
	var v T
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if attempt == attempts {
			break
		}
		if derr := b.Delay(ctx); derr != nil {
			return v, fmt.Errorf("%w (retry interrupted: %v)", err, derr)
		}
	}
	return v, err
}

func (p *puller) queueFetches(revs []*revision.PulledRevision) {
	if len(revs) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, revs...)
	p.mu.Unlock()
	p.startFetches()
}

// startFetches starts downloads until the connection cap is reached.
func (p *puller) startFetches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.connections < p.r.remote.MaxConnections() && len(p.queue) > 0 && !p.offline && !p.stopping {
		pr := p.queue[0]
		p.queue = p.queue[1:]
		p.connections++
		p.fetches.Add(1)
		go p.fetch(pr)
	}
}

func (p *puller) fetch(pr *revision.PulledRevision) {
	defer func() {
		p.mu.Lock()
		p.connections--
		p.mu.Unlock()
		p.fetches.Done()
		p.startFetches()
	}()

	rev, history, err := p.download(p.ctx, pr)
	if err == nil {
		p.inserts.QueueObject(&download{pulled: pr, rev: rev, history: history})
		return
	}

	if p.ctx.Err() != nil {
		// Stopping: the sequence stays unchecked.
		return
	}
	if retry.IsConnectivity(err) && p.r.opts.Continuous {
		p.mu.Lock()
		p.queue = append([]*revision.PulledRevision{pr}, p.queue...)
		p.mu.Unlock()
		p.r.handleError(err)
		return
	}

	p.r.logger.Printf("Warning: failed to fetch %s: %v", &pr.Revision, err)
	p.r.setLastError(err)
	p.r.metrics.RevisionFailed(Pull.String())
	// The sequence stays pending so a later session fetches it again.
	p.r.addCompleted(1)
	p.updateCheckpoint()
	p.r.taskFinished(1)
}

// download fetches one revision with its history and the attachments the
// local store does not already have.
func (p *puller) download(ctx context.Context, pr *revision.PulledRevision) (*revision.Revision, []string, error) {
	query := url.Values{
		"rev":  {pr.RevID},
		"revs": {"true"},
	}
	if !p.r.opts.SkipAttachments {
		query.Set("attachments", "true")
		known, err := p.r.store.GetPossibleAncestors(p.storeCtx, pr.DocID, pr.RevID, maxAttsSince, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find ancestors of %s: %w", &pr.Revision, err)
		}
		if len(known) > 0 {
			data, err := json.Marshal(known)
			if err != nil {
				return nil, nil, err
			}
			query.Set("atts_since", string(data))
		}
	}

	var rev *revision.Revision
	var history []string
	err := p.r.remote.Retry(ctx, "GET "+pr.DocID, func() error {
		var err error
		rev, history, err = p.downloadOnce(ctx, pr, query)
		return err
	})
	return rev, history, err
}

func (p *puller) downloadOnce(ctx context.Context, pr *revision.PulledRevision, query url.Values) (*revision.Revision, []string, error) {
	start := time.Now()
	defer p.r.metrics.ObserveRequest("document", start)

	req, err := p.r.remote.NewRequest(ctx, http.MethodGet, remote.DocPath(pr.DocID), query, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "multipart/related, application/json")

	resp, err := p.r.remote.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	props, err := multipart.ReadDocument(contentType, resp.Body, p.r.store.Blobs())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", &pr.Revision, err)
	}

	rev, err := revision.FromProperties(props)
	if err != nil {
		return nil, nil, err
	}
	if rev.DocID != pr.DocID || rev.RevID != pr.RevID {
		return nil, nil, fmt.Errorf("%w: asked for %s, got %s", ErrRevisionMismatch, &pr.Revision, rev)
	}
	history, err := revision.ParseHistory(props)
	if err != nil {
		return nil, nil, err
	}
	return rev, history, nil
}

// insertDownloads stores a batch of fetched revisions in one transaction.
func (p *puller) insertDownloads(batch []*download) {
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].pulled.Sequence < batch[j].pulled.Sequence
	})

	source := p.r.remote.URL()
	inserts := make([]store.Insert, len(batch))
	for i, d := range batch {
		inserts[i] = store.Insert{Revision: d.rev, History: d.history, Source: source}
	}

	errs, err := p.r.store.ForceInsertBatch(p.storeCtx, inserts)
	if err != nil {
		p.r.logger.Printf("Warning: failed to insert %d revisions: %v", len(batch), err)
		p.r.setLastError(err)
		for range batch {
			p.r.metrics.RevisionFailed(Pull.String())
		}
		p.r.addCompleted(len(batch))
		p.r.taskFinished(len(batch))
		return
	}

	for i, d := range batch {
		switch {
		case errs[i] == nil:
			p.r.metrics.RevisionTransferred(Pull.String())
		case errors.Is(errs[i], store.ErrForbidden):
			p.r.logger.Printf("Revision %s rejected: %v", d.rev, errs[i])
			p.r.metrics.RevisionRejected(Pull.String())
		default:
			p.r.logger.Printf("Warning: failed to insert %s: %v", d.rev, errs[i])
			p.r.setLastError(errs[i])
			p.r.metrics.RevisionFailed(Pull.String())
			continue
		}
		p.seqs.RemoveSequence(d.pulled.Sequence)
	}

	if p.r.opts.Verbose {
		p.r.logger.Printf("Inserted %d revisions", len(batch))
	}
	p.r.addCompleted(len(batch))
	p.updateCheckpoint()
	p.r.taskFinished(len(batch))
}

func (p *puller) updateCheckpoint() {
	p.r.metrics.SetPending(Pull.String(), p.seqs.Count())
	if seq, ok := p.seqs.CheckpointedValue(); ok {
		p.r.setLastSequence(seq)
	}
}

func (p *puller) goOffline() {
	p.mu.Lock()
	p.offline = true
	t := p.tracker
	p.tracker = nil
	p.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}

// goOnline resumes the feed after the last entry received and restarts the
// queued downloads.
func (p *puller) goOnline(ctx context.Context) error {
	p.mu.Lock()
	p.offline = false
	since := p.feedSeq
	p.mu.Unlock()

	p.startFetches()
	return p.startTracker(since)
}

func (p *puller) stop() {
	p.mu.Lock()
	p.stopping = true
	t := p.tracker
	p.tracker = nil
	p.queue = nil
	p.mu.Unlock()

	p.inboxMu.Lock()
	p.inboxClosed = true
	p.inboxCond.Broadcast()
	p.inboxMu.Unlock()

	if t != nil {
		t.Stop()
	}

	p.inbox.Clear()
	p.inbox.Wait()
	p.fetches.Wait()
	p.inserts.FlushAll()
	p.inserts.Wait()
	p.updateCheckpoint()
}

func (p *puller) pending() int {
	return p.seqs.Count()
}
