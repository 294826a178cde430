package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/store"
)

// Config holds configuration for the importer.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is
	// imported. It batches the several writes editors make per save.
	DebounceInterval time.Duration

	// Logger for importer activity
	Logger *log.Logger

	// Verbose logs every imported file.
	Verbose bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[importer] ", log.LstdFlags),
	}
}

// Action is what importing a file did to the store.
type Action int

const (
	// Unchanged means the file matched the current revision.
	Unchanged Action = iota
	// Updated means a new revision was stored.
	Updated
	// Deleted means a tombstone was stored.
	Deleted
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Stats counts the outcome of a full import.
type Stats struct {
	Files     int
	Updated   int
	Unchanged int
	Failed    int
}

// Importer keeps a local store in step with a directory of JSON files.
type Importer struct {
	store  *store.Store
	dir    string
	config *Config

	queue   map[string]time.Time // path -> last event
	queueMu sync.Mutex

	// onImport, when set, observes every processed file.
	onImport func(docID string, action Action, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an importer for dir with default configuration.
func New(st *store.Store, dir string) (*Importer, error) {
	return NewWithConfig(st, dir, DefaultConfig())
}

// NewWithConfig creates an importer with custom configuration.
func NewWithConfig(st *store.Store, dir string, config *Config) (*Importer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	return &Importer{
		store:  st,
		dir:    dir,
		config: config,
		queue:  make(map[string]time.Time),
	}, nil
}

// OnImport registers fn to observe every file the watcher processes. It
// must be set before Run.
func (im *Importer) OnImport(fn func(docID string, action Action, err error)) {
	im.onImport = fn
}

// Run imports every file in the directory, then watches it and imports
// changes until ctx is cancelled.
func (im *Importer) Run(ctx context.Context) error {
	stats, err := im.ImportAll(ctx)
	if err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}
	im.config.Logger.Printf("Imported %d files (%d updated, %d unchanged, %d failed)",
		stats.Files, stats.Updated, stats.Unchanged, stats.Failed)

	watcher, err := NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(im.dir); err != nil {
		return err
	}
	defer watcher.Stop()

	im.ctx, im.cancel = context.WithCancel(ctx)
	defer im.cancel()

	im.config.Logger.Printf("Watching: %s", im.dir)

	im.wg.Add(1)
	go im.processQueue()

	for {
		select {
		case <-ctx.Done():
			im.cancel()
			im.wg.Wait()
			im.processPending(true)
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			if im.config.Verbose {
				im.config.Logger.Printf("File event: %s %s", ev.Op, ev.Path)
			}
			im.queueChange(ev.Path)

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}
			im.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (im *Importer) queueChange(path string) {
	im.queueMu.Lock()
	defer im.queueMu.Unlock()
	im.queue[path] = time.Now()
}

func (im *Importer) processQueue() {
	defer im.wg.Done()

	ticker := time.NewTicker(im.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-im.ctx.Done():
			return
		case <-ticker.C:
			im.processPending(false)
		}
	}
}

// processPending imports files that have been quiet for the debounce
// interval, or every queued file when all is set.
func (im *Importer) processPending(all bool) {
	now := time.Now()

	im.queueMu.Lock()
	var ready []string
	for path, queuedAt := range im.queue {
		if all || now.Sub(queuedAt) >= im.config.DebounceInterval {
			ready = append(ready, path)
			delete(im.queue, path)
		}
	}
	im.queueMu.Unlock()
	sort.Strings(ready)

	// Imports run to completion even while shutting down.
	ctx := context.Background()
	for _, path := range ready {
		docID, _ := DocIDForFile(path)
		action, err := im.SyncFile(ctx, path)
		if err != nil {
			im.config.Logger.Printf("Error importing %s: %v", path, err)
		} else if im.config.Verbose || action != Unchanged {
			im.config.Logger.Printf("%s: %s", docID, action)
		}
		if im.onImport != nil {
			im.onImport(docID, action, err)
		}
	}
}

// ImportAll imports every document file in the directory.
func (im *Importer) ImportAll(ctx context.Context) (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return stats, fmt.Errorf("failed to read %s: %w", im.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := DocIDForFile(e.Name()); !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		stats.Files++
		path := filepath.Join(im.dir, e.Name())
		action, err := im.SyncFile(ctx, path)
		switch {
		case err != nil:
			stats.Failed++
			im.config.Logger.Printf("Warning: failed to import %s: %v", path, err)
		case action == Unchanged:
			stats.Unchanged++
		default:
			stats.Updated++
		}
	}
	return stats, nil
}

// SyncFile brings the store in line with one file. A missing file deletes
// its document.
func (im *Importer) SyncFile(ctx context.Context, path string) (Action, error) {
	docID, ok := DocIDForFile(path)
	if !ok {
		return Unchanged, fmt.Errorf("%s: %w", path, ErrNotDocumentFile)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return im.DeleteDocument(ctx, docID)
	}
	if err != nil {
		return Unchanged, fmt.Errorf("failed to read %s: %w", path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []map[string]any
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return Unchanged, fmt.Errorf("%w: %s: %v", ErrBadDocument, path, err)
		}
		return im.importBatch(ctx, docs)
	}

	var props map[string]any
	if err := json.Unmarshal(trimmed, &props); err != nil {
		return Unchanged, fmt.Errorf("%w: %s: %v", ErrBadDocument, path, err)
	}
	if props == nil {
		return Unchanged, fmt.Errorf("%w: %s is not a JSON object", ErrBadDocument, path)
	}
	return im.ImportDocument(ctx, docID, props)
}

// importBatch imports a file holding an array of documents. Documents
// without an "_id" get a generated one.
func (im *Importer) importBatch(ctx context.Context, docs []map[string]any) (Action, error) {
	result := Unchanged
	var errs []error
	for _, props := range docs {
		if props == nil {
			errs = append(errs, fmt.Errorf("%w: batch entry is not a JSON object", ErrBadDocument))
			continue
		}
		docID, _ := props[revision.KeyID].(string)
		if docID == "" {
			docID = uuid.NewString()
		}
		action, err := im.ImportDocument(ctx, docID, props)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if action != Unchanged {
			result = Updated
		}
	}
	return result, errors.Join(errs...)
}

// ImportDocument stores props as the next revision of docID, unless they
// match the current revision. Without an "_attachments" key the current
// revision's attachments are kept.
func (im *Importer) ImportDocument(ctx context.Context, docID string, props map[string]any) (Action, error) {
	if !revision.IsValidDocID(docID) {
		return Unchanged, fmt.Errorf("%w %q", revision.ErrInvalidDocID, docID)
	}

	for attempt := 0; ; attempt++ {
		current, err := im.store.GetRevision(ctx, docID, "")
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Unchanged, err
		}

		body := maps.Clone(props)
		prevRevID := ""
		if current != nil && !current.Deleted {
			prevRevID = current.RevID
			_, hasAtts := props[revision.KeyAttachments]
			if !hasAtts {
				if cmp.Equal(current.UserProperties(), userProperties(props)) {
					return Unchanged, nil
				}
				if atts := current.Attachments(); len(atts) > 0 {
					stubs := make(map[string]any, len(atts))
					for name := range atts {
						stubs[name] = map[string]any{"stub": true}
					}
					body[revision.KeyAttachments] = stubs
				}
			}
		}

		_, err = im.store.PutRevision(ctx, docID, prevRevID, body, false)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			// A replicated revision landed in between.
			continue
		}
		if err != nil {
			return Unchanged, fmt.Errorf("failed to store %s: %w", docID, err)
		}
		return Updated, nil
	}
}

// DeleteDocument stores a tombstone for docID if it has a live revision.
func (im *Importer) DeleteDocument(ctx context.Context, docID string) (Action, error) {
	if !revision.IsValidDocID(docID) {
		return Unchanged, nil
	}

	current, err := im.store.GetRevision(ctx, docID, "")
	if errors.Is(err, store.ErrNotFound) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, err
	}
	if current.Deleted {
		return Unchanged, nil
	}

	if _, err := im.store.PutRevision(ctx, docID, current.RevID, nil, true); err != nil {
		return Unchanged, fmt.Errorf("failed to delete %s: %w", docID, err)
	}
	return Deleted, nil
}

func userProperties(props map[string]any) map[string]any {
	return (&revision.Revision{Properties: props}).UserProperties()
}
