package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/retry"
	"github.com/steveyegge/docsync/internal/store"
)

// strategy is the direction-specific half of a session.
type strategy interface {
	// begin queues the initial work after since. The strategy calls
	// Replicator.caughtUp once the backlog is queued.
	begin(ctx context.Context, since string) error
	goOffline()
	goOnline(ctx context.Context) error
	// stop cancels outstanding work and commits what has been received.
	stop()
	// pending returns the number of revisions not yet transferred.
	pending() int
}

// Replicator runs replication sessions in one direction.
type Replicator struct {
	direction   Direction
	opts        Options
	store       *store.Store
	remote      *remote.Client
	logger      *log.Logger
	metrics     *metrics.Metrics
	newStrategy func() strategy

	mu           sync.Mutex
	running      bool
	stopping     bool
	begun        bool
	status       Status
	sessionID    string
	lastError    error
	stopErr      error
	tasks        int
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	stopOnce     *sync.Once
	caughtUpOnce *sync.Once
	strategy     strategy

	completed atomic.Int64
	total     atomic.Int64

	listenerMu   sync.Mutex
	listeners    map[int]func(Event)
	nextListener int

	cp checkpointer
}

// NewPuller creates a replicator that pulls from remoteURL into st.
func NewPuller(st *store.Store, remoteURL string, opts Options) (*Replicator, error) {
	r, err := newReplicator(st, remoteURL, Pull, opts)
	if err != nil {
		return nil, err
	}
	r.newStrategy = func() strategy { return newPuller(r) }
	return r, nil
}

// NewPusher creates a replicator that pushes from st to remoteURL.
func NewPusher(st *store.Store, remoteURL string, opts Options) (*Replicator, error) {
	r, err := newReplicator(st, remoteURL, Push, opts)
	if err != nil {
		return nil, err
	}
	r.newStrategy = func() strategy { return newPusher(r) }
	return r, nil
}

func newReplicator(st *store.Store, remoteURL string, dir Direction, opts Options) (*Replicator, error) {
	if st == nil {
		return nil, fmt.Errorf("replication requires a local store")
	}
	opts = opts.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[replication] ", log.LstdFlags)
	}

	client, err := remote.New(remote.Config{
		URL:            remoteURL,
		Headers:        opts.Headers,
		Authenticator:  opts.Authenticator,
		MaxConnections: opts.MaxConnections,
		MaxRetries:     opts.MaxRetries,
		MinBackoff:     opts.MinBackoff,
		MaxBackoff:     opts.MaxBackoff,
		HTTPClient:     opts.HTTPClient,
		Logger:         logger,
		Verbose:        opts.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	return &Replicator{
		direction: dir,
		opts:      opts,
		store:     st,
		remote:    client,
		logger:    logger,
		metrics:   opts.Metrics,
		listeners: make(map[int]func(Event)),
	}, nil
}

// Direction returns the replication direction.
func (r *Replicator) Direction() Direction {
	return r.direction
}

// RemoteURL returns the remote database URL.
func (r *Replicator) RemoteURL() string {
	return r.remote.URL()
}

// Continuous reports whether sessions keep running after catching up.
func (r *Replicator) Continuous() bool {
	return r.opts.Continuous
}

// Start begins a session in the background. It returns ErrAlreadyRunning if
// a session is active.
func (r *Replicator) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.ctx, r.cancel = ctx, cancel
	r.running = true
	r.stopping = false
	r.begun = false
	r.status = Active
	r.sessionID = uuid.NewString()
	r.lastError, r.stopErr = nil, nil
	// The initial task is released by caughtUp.
	r.tasks = 1
	r.done = make(chan struct{})
	r.stopOnce = new(sync.Once)
	r.caughtUpOnce = new(sync.Once)
	r.strategy = r.newStrategy()
	sessionID := r.sessionID
	r.mu.Unlock()

	r.completed.Store(0)
	r.total.Store(0)

	r.logger.Printf("Starting %s replication with %s (session %s)", r.direction, r.remote.URL(), sessionID)
	r.emit()
	go r.begin(ctx)
	return nil
}

// begin loads the checkpoint and hands over to the strategy.
func (r *Replicator) begin(ctx context.Context) {
	since, err := r.loadCheckpoint(ctx)
	if err != nil {
		r.handleError(fmt.Errorf("failed to load checkpoint: %w", err))
		return
	}

	r.mu.Lock()
	st := r.strategy
	r.mu.Unlock()

	if err := st.begin(ctx, since); err != nil {
		r.handleError(err)
		return
	}

	r.mu.Lock()
	r.begun = true
	r.mu.Unlock()
}

// Stop ends the session and waits until it has shut down.
func (r *Replicator) Stop() {
	r.mu.Lock()
	running, done := r.running, r.done
	r.mu.Unlock()
	if !running {
		return
	}
	r.stop(nil)
	<-done
}

// stop shuts the session down once. err is the reason, nil for a normal
// stop. Callbacks running on batcher or tracker goroutines must call it with
// go, since stopping waits for those goroutines.
func (r *Replicator) stop(err error) {
	r.mu.Lock()
	once, done := r.stopOnce, r.done
	r.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		r.mu.Lock()
		r.stopping = true
		cancel, st := r.cancel, r.strategy
		r.mu.Unlock()

		cancel()
		st.stop()
		r.saveCheckpoint()

		r.mu.Lock()
		r.running = false
		r.stopping = false
		r.status = Stopped
		r.tasks = 0
		if err != nil {
			r.stopErr = err
			r.lastError = err
		}
		r.mu.Unlock()

		r.logger.Printf("Stopped %s replication with %s: %d/%d revisions processed",
			r.direction, r.remote.URL(), r.completed.Load(), r.total.Load())
		r.emit()
		close(done)
	})
}

// Done returns a channel closed when the current session stops. It is nil
// before the first Start.
func (r *Replicator) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the current session stops or ctx is done and returns
// the error that stopped the session.
func (r *Replicator) Wait(ctx context.Context) error {
	done := r.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts a session and waits for it. Cancelling ctx stops the session.
func (r *Replicator) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	done := r.Done()
	select {
	case <-done:
	case <-ctx.Done():
		r.Stop()
	}
	return r.Err()
}

// Running reports whether a session is active.
func (r *Replicator) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Status returns the current status.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SessionID returns the ID of the current or last session.
func (r *Replicator) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// LastError returns the most recent error of the session, including
// per-revision failures that did not stop it.
func (r *Replicator) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Err returns the error that stopped the last session, or nil.
func (r *Replicator) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopErr
}

// Progress returns the completed and total revision counts.
func (r *Replicator) Progress() (completed, total int64) {
	return r.completed.Load(), r.total.Load()
}

// Pending returns the number of revisions seen but not yet transferred.
func (r *Replicator) Pending() int {
	r.mu.Lock()
	st := r.strategy
	r.mu.Unlock()
	if st == nil {
		return 0
	}
	return st.pending()
}

// OnEvent registers fn for status and progress events. fn is called
// synchronously and must not block. The returned function unregisters it.
func (r *Replicator) OnEvent(fn func(Event)) func() {
	r.listenerMu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

// Event returns a snapshot of the current state.
func (r *Replicator) Event() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Event{
		Direction: r.direction,
		SessionID: r.sessionID,
		Status:    r.status,
		Completed: r.completed.Load(),
		Total:     r.total.Load(),
		LastError: r.lastError,
	}
}

func (r *Replicator) emit() {
	ev := r.Event()
	r.metrics.SetStatus(r.direction.String(), int(ev.Status))

	r.listenerMu.Lock()
	fns := make([]func(Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// caughtUp releases the initial task once the backlog has been queued.
func (r *Replicator) caughtUp() {
	r.mu.Lock()
	once := r.caughtUpOnce
	r.mu.Unlock()
	if once != nil {
		once.Do(func() { r.taskFinished(1) })
	}
}

func (r *Replicator) taskStarted(n int) {
	r.mu.Lock()
	r.tasks += n
	wake := r.running && !r.stopping && r.status == Idle
	if wake {
		r.status = Active
	}
	r.mu.Unlock()

	if wake {
		r.emit()
	}
}

// taskFinished ends n tasks. When none remain a one-shot session stops and
// a continuous one goes idle.
func (r *Replicator) taskFinished(n int) {
	r.mu.Lock()
	r.tasks -= n
	if r.tasks > 0 || !r.running || r.stopping || r.status != Active {
		r.mu.Unlock()
		return
	}
	continuous := r.opts.Continuous
	if continuous {
		r.status = Idle
	}
	r.mu.Unlock()

	if !continuous {
		go r.stop(nil)
		return
	}
	if r.opts.Verbose {
		r.logger.Printf("%s replication idle", r.direction)
	}
	r.emit()
	go r.saveCheckpoint()
}

func (r *Replicator) addTotal(n int) {
	if n <= 0 {
		return
	}
	r.total.Add(int64(n))
	r.metrics.ChangesReceived(r.direction.String(), n)
	r.emit()
}

func (r *Replicator) addCompleted(n int) {
	if n <= 0 {
		return
	}
	r.completed.Add(int64(n))
	r.emit()
}

// setLastError records a failure that does not stop the session.
func (r *Replicator) setLastError(err error) {
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
	r.emit()
}

// handleError records err and decides between going offline and stopping.
func (r *Replicator) handleError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	r.setLastError(err)

	action, class := retry.Resolve(err, retry.Context{Continuous: r.opts.Continuous})
	switch action {
	case retry.Ignore:
		return
	case retry.GoOffline, retry.RetryLater:
		if r.opts.Continuous {
			r.logger.Printf("%s replication going offline (%s): %v", r.direction, class, err)
			r.goOffline()
			return
		}
	}

	r.logger.Printf("%s replication failed: %v", r.direction, err)
	go r.stop(err)
}

func (r *Replicator) goOffline() {
	r.mu.Lock()
	if !r.running || r.stopping || r.status == Offline {
		r.mu.Unlock()
		return
	}
	r.status = Offline
	ctx, st, begun := r.ctx, r.strategy, r.begun
	r.mu.Unlock()

	r.emit()
	if begun {
		st.goOffline()
	}
	go r.probe(ctx)
}

// probe polls the database root until the remote answers. Any HTTP response
// counts as reachable.
func (r *Replicator) probe(ctx context.Context) {
	backoff := retry.NewBackoff(r.opts.OfflineProbeInterval, 10*r.opts.OfflineProbeInterval)
	for {
		if err := backoff.Delay(ctx); err != nil {
			return
		}
		err := r.remote.SendJSON(ctx, http.MethodGet, "", nil, nil, nil)
		if err == nil || remote.StatusOf(err) != 0 {
			r.goOnline(ctx)
			return
		}
		if r.opts.Verbose {
			r.logger.Printf("Remote %s still unreachable: %v", r.remote.URL(), err)
		}
	}
}

func (r *Replicator) goOnline(ctx context.Context) {
	r.mu.Lock()
	if !r.running || r.stopping || r.status != Offline {
		r.mu.Unlock()
		return
	}
	r.status = Active
	st, begun := r.strategy, r.begun
	r.mu.Unlock()

	r.logger.Printf("%s replication back online", r.direction)
	r.emit()

	if !begun {
		r.begin(ctx)
		return
	}

	// Held across the restart so a remote with nothing new still moves the
	// session back to Idle.
	r.taskStarted(1)
	defer r.taskFinished(1)
	if err := st.goOnline(ctx); err != nil {
		r.handleError(err)
	}
}

// storeContext returns a context for local store work that outlives
// cancellation of the session's network context.
func storeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
