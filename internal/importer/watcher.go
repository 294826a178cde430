package importer

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a document file.
type FileEvent struct {
	// Path is the path of the file that changed.
	Path string
	// DocID is the document ID named by the file.
	DocID string
	// Op is the operation that occurred.
	Op EventOp
}

// Watcher watches one directory for document file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewWatcher creates a Watcher. It emits nothing until started.
func NewWatcher() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	w.dir = abs

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of file events. It is closed by Stop.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fileEvent:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent. Events for files
// outside the directory, non-JSON files and chmods are ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	docID, ok := DocIDForFile(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != w.dir {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The new name, if it is in the directory, arrives as a create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, DocID: docID, Op: op}, true
}

// DocIDForFile returns the document ID a file name stands for: the base name
// without the .json extension. Hidden files and editor temporaries are not
// documents.
func DocIDForFile(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return "", false
	}
	docID := strings.TrimSuffix(name, ".json")
	if docID == "" {
		return "", false
	}
	return docID, true
}
