package replication

import (
	"log"
	"net/http"
	"time"

	"github.com/steveyegge/docsync/internal/changes"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/retry"
	"github.com/steveyegge/docsync/internal/revision"
)

const (
	// DefaultInlineThreshold is the attachment size from which the pusher
	// uploads a revision as multipart instead of inline base64.
	DefaultInlineThreshold = 16 * 1024

	DefaultBatchSize            = 100
	DefaultChangesBatchDelay    = 500 * time.Millisecond
	DefaultInsertBatchDelay     = 250 * time.Millisecond
	DefaultCheckpointInterval   = 5 * time.Second
	DefaultOfflineProbeInterval = 10 * time.Second
)

// Options configures a Replicator.
type Options struct {
	// Continuous keeps the replication running after it has caught up.
	Continuous bool

	// FeedMode selects the changes feed of a continuous pull. The zero
	// value (changes.OneShot) means changes.LongPoll.
	FeedMode changes.Mode

	// Filter names a server-side filter function; FilterParams are passed
	// to it.
	Filter       string
	FilterParams map[string]string

	// Channels restricts a pull to the given channels.
	Channels []string

	// DocIDs restricts the replication to the listed documents.
	DocIDs []string

	// PushFilter selects which local revisions a push sends.
	PushFilter func(*revision.Revision) bool

	// CreateTarget creates the remote database before pushing.
	CreateTarget bool

	// SkipAttachments pulls documents without attachment bodies.
	SkipAttachments bool

	// InlineThreshold is the attachment size (bytes) from which a push uses
	// a multipart upload.
	InlineThreshold int64

	// UsePOST sends changes feed options as a JSON body.
	UsePOST bool

	// Heartbeat is the changes feed keepalive interval.
	Heartbeat time.Duration

	// BatchSize caps the inbox and insert batches.
	BatchSize         int
	ChangesBatchDelay time.Duration
	InsertBatchDelay  time.Duration

	// CheckpointInterval delays checkpoint saves so bursts coalesce.
	CheckpointInterval time.Duration

	// OfflineProbeInterval is how often an offline continuous replication
	// checks whether the remote is reachable again.
	OfflineProbeInterval time.Duration

	// MaxConnections caps concurrent requests to the remote.
	MaxConnections int

	// MaxRetries bounds retries of transient request failures.
	MaxRetries int

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Headers are added to every request; Authenticator adds credentials.
	Headers       map[string]string
	Authenticator remote.Authenticator

	// HTTPClient replaces the default HTTP client.
	HTTPClient *http.Client

	// Metrics receives replication counters. Nil disables metrics.
	Metrics *metrics.Metrics

	Logger  *log.Logger
	Verbose bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		InlineThreshold:      DefaultInlineThreshold,
		Heartbeat:            changes.DefaultHeartbeat,
		BatchSize:            DefaultBatchSize,
		ChangesBatchDelay:    DefaultChangesBatchDelay,
		InsertBatchDelay:     DefaultInsertBatchDelay,
		CheckpointInterval:   DefaultCheckpointInterval,
		OfflineProbeInterval: DefaultOfflineProbeInterval,
		MaxConnections:       remote.DefaultMaxConnections,
		MaxRetries:           remote.DefaultMaxRetries,
		MinBackoff:           retry.DefaultMinSleep,
		MaxBackoff:           retry.DefaultMaxSleep,
	}
}

// withDefaults fills unset fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InlineThreshold <= 0 {
		o.InlineThreshold = d.InlineThreshold
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = d.Heartbeat
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.ChangesBatchDelay <= 0 {
		o.ChangesBatchDelay = d.ChangesBatchDelay
	}
	if o.InsertBatchDelay <= 0 {
		o.InsertBatchDelay = d.InsertBatchDelay
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = d.CheckpointInterval
	}
	if o.OfflineProbeInterval <= 0 {
		o.OfflineProbeInterval = d.OfflineProbeInterval
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = d.MaxConnections
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = d.MinBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.Continuous && o.FeedMode == changes.OneShot {
		o.FeedMode = changes.LongPoll
	}
	return o
}

// feedMode returns the tracker mode for a pull.
func (o Options) feedMode() changes.Mode {
	if !o.Continuous {
		return changes.OneShot
	}
	return o.FeedMode
}
