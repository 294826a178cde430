package changes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/retry"
)

// Default tracker settings.
const (
	DefaultHeartbeat       = 30 * time.Second
	DefaultMaxRetries      = 10
	DefaultRetryLaterDelay = time.Minute
	minHeartbeat           = 5 * time.Second
	dispatchQueueSize      = 100
)

// Client receives tracker events. Calls are made from a single goroutine,
// in feed order.
type Client interface {
	// ChangeTrackerReceivedChange is called for every entry with a seq.
	ChangeTrackerReceivedChange(entry *Entry)

	// ChangeTrackerCaughtUp is called once the initial backlog has been
	// delivered.
	ChangeTrackerCaughtUp()

	// ChangeTrackerStopped is called exactly once when the tracker stops.
	// err is nil for a clean stop.
	ChangeTrackerStopped(t *Tracker, err error)
}

// Config holds tracker configuration.
type Config struct {
	// Remote is the database whose feed is tracked.
	Remote *remote.Client

	Mode Mode

	// Since is the opaque sequence to start after ("" = from the start).
	Since string

	// Heartbeat asks the server to send keepalives at this interval.
	Heartbeat time.Duration

	// Limit caps entries per feed=normal request (0 = no limit).
	Limit int

	// Filter names a server-side filter function.
	Filter       string
	FilterParams map[string]string

	// DocIDs restricts the feed to these documents via the _doc_ids filter.
	DocIDs []string

	// Channels restricts the feed via the sync_gateway/bychannel filter.
	Channels []string

	// IncludeDocs asks for document bodies in the feed.
	IncludeDocs bool

	// UsePOST sends feed options as a JSON body instead of the query string.
	UsePOST bool

	// MaxRetries bounds consecutive transient failures before giving up
	// (one-shot) or pausing for RetryLaterDelay (continuous modes).
	MaxRetries      int
	RetryLaterDelay time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger  *log.Logger
	Verbose bool
}

// DefaultConfig returns default tracker configuration.
func DefaultConfig() Config {
	return Config{
		Mode:            OneShot,
		Heartbeat:       DefaultHeartbeat,
		MaxRetries:      DefaultMaxRetries,
		RetryLaterDelay: DefaultRetryLaterDelay,
		MinBackoff:      retry.DefaultMinSleep,
		MaxBackoff:      retry.DefaultMaxSleep,
	}
}

// event is either an entry or the caught-up marker.
type event struct {
	entry    *Entry
	caughtUp bool
}

// Tracker follows a remote changes feed.
type Tracker struct {
	cfg     Config
	client  Client
	logger  *log.Logger
	backoff *retry.Backoff

	mu        sync.Mutex
	running   bool
	lastSeq   string
	heartbeat time.Duration
	err       error
	cancel    context.CancelFunc
	done      chan struct{}

	stopOnce sync.Once
}

// New creates a tracker. It does not connect until Start.
func New(cfg Config, client Client) (*Tracker, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("changes tracker requires a remote")
	}
	if client == nil {
		return nil, fmt.Errorf("changes tracker requires a client")
	}

	defaults := DefaultConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaults.Heartbeat
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryLaterDelay <= 0 {
		cfg.RetryLaterDelay = defaults.RetryLaterDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[changes] ", log.LstdFlags)
	}

	return &Tracker{
		cfg:       cfg,
		client:    client,
		logger:    cfg.Logger,
		backoff:   retry.NewBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		lastSeq:   cfg.Since,
		heartbeat: cfg.Heartbeat,
	}, nil
}

// Mode returns the tracker's mode.
func (t *Tracker) Mode() Mode {
	return t.cfg.Mode
}

// LastSequence returns the seq of the most recently dispatched entry.
func (t *Tracker) LastSequence() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Error returns the error the tracker stopped with, if any.
func (t *Tracker) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Running reports whether the tracker has been started and not yet stopped.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start begins following the feed in the background.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || t.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})

	events := make(chan event, dispatchQueueSize)
	go t.run(ctx, events)
	go t.dispatch(ctx, events)

	if t.cfg.Verbose {
		t.logger.Printf("Started %s feed of %s since %q", t.cfg.Mode, t.cfg.Remote.URL(), t.lastSeq)
	}
	return nil
}

// Stop cancels any in-flight request and waits until ChangeTrackerStopped
// has been delivered. The caller must not hold locks that the client's
// callbacks need.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed after ChangeTrackerStopped has been delivered.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tracker) run(ctx context.Context, events chan<- event) {
	defer close(events)

	err := t.loop(ctx, events)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// loop returns nil when a one-shot feed completes, ctx.Err() when stopped,
// or the error that ended the tracker.
func (t *Tracker) loop(ctx context.Context, events chan<- event) error {
	caughtUp := false
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if !caughtUp && t.cfg.Mode != WebSocket {
			var done bool
			done, err = t.pollNormal(ctx, events)
			if err == nil && done {
				caughtUp = true
				if !t.emit(ctx, events, event{caughtUp: true}) {
					return ctx.Err()
				}
				if t.cfg.Mode == OneShot {
					return nil
				}
			}
		} else {
			switch t.cfg.Mode {
			case LongPoll:
				err = t.pollLongPoll(ctx, events)
			case Continuous:
				err = t.streamContinuous(ctx, events)
			case WebSocket:
				err = t.streamWebSocket(ctx, events, &caughtUp)
			}
		}

		if err == nil {
			failures = 0
			t.backoff.Reset()
			continue
		}

		if errors.Is(err, errProxyIdle) {
			if t.reduceHeartbeat() {
				continue
			}
			err = io.ErrUnexpectedEOF
		}

		action, _ := retry.Resolve(err, retry.Context{
			Continuous:          t.cfg.Mode != OneShot,
			HasRetriesRemaining: failures < t.cfg.MaxRetries,
		})
		failures++

		switch action {
		case retry.Ignore:
			return ctx.Err()
		case retry.RetryNow:
			continue
		case retry.BackoffAndRetry:
			if t.cfg.Verbose {
				t.logger.Printf("Feed request failed (%v), retrying in %v", err, t.backoff.SleepTime())
			}
			if derr := t.backoff.Delay(ctx); derr != nil {
				return derr
			}
		case retry.RetryLater:
			t.logger.Printf("Feed keeps failing (%v), pausing for %v", err, t.cfg.RetryLaterDelay)
			failures = 0
			t.backoff.Reset()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.cfg.RetryLaterDelay):
			}
		default:
			return err
		}
	}
}

// reduceHeartbeat halves the heartbeat. It returns false once the minimum
// has been reached.
func (t *Tracker) reduceHeartbeat() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	reduced := t.heartbeat / 2
	if reduced < minHeartbeat {
		reduced = minHeartbeat
	}
	if reduced == t.heartbeat {
		return false
	}
	t.logger.Printf("Long-poll closed early, reducing heartbeat to %v", reduced)
	t.heartbeat = reduced
	return true
}

func (t *Tracker) currentHeartbeat() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heartbeat
}

// emit queues an event for dispatch. It returns false if ctx was cancelled
// while waiting for room in the queue.
func (t *Tracker) emit(ctx context.Context, events chan<- event, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitEntry queues an entry and advances the last sequence.
func (t *Tracker) emitEntry(ctx context.Context, events chan<- event, e *Entry) bool {
	seq := e.Sequence()
	if seq == "" {
		return true
	}
	if !t.emit(ctx, events, event{entry: e}) {
		return false
	}

	t.mu.Lock()
	t.lastSeq = seq
	t.mu.Unlock()
	return true
}

func (t *Tracker) dispatch(ctx context.Context, events <-chan event) {
	for ev := range events {
		if ctx.Err() != nil {
			// Stopped: drain without delivering.
			continue
		}
		if ev.caughtUp {
			t.client.ChangeTrackerCaughtUp()
		} else {
			t.client.ChangeTrackerReceivedChange(ev.entry)
		}
	}

	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.running = false
		err := t.err
		done := t.done
		cancel := t.cancel
		t.mu.Unlock()
		cancel()

		if t.cfg.Verbose {
			t.logger.Printf("Stopped %s feed at %q (err=%v)", t.cfg.Mode, t.LastSequence(), err)
		}
		t.client.ChangeTrackerStopped(t, err)
		close(done)
	})
}
