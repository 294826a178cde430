package importer

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/store"
)

func newTestImporter(t *testing.T) (*Importer, *store.Store, string) {
	t.Helper()
	st, err := store.OpenWithConfig(store.Config{
		Path:   filepath.Join(t.TempDir(), "local.db"),
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("OpenWithConfig() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	im, err := NewWithConfig(st, dir, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	return im, st, dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestDocIDForFile(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/tmp/docs/doc1.json", "doc1", true},
		{"doc.with.dots.json", "doc.with.dots", true},
		{"/tmp/docs/.doc1.json.swp", "", false},
		{"/tmp/docs/.hidden.json", "", false},
		{"/tmp/docs/notes.txt", "", false},
		{".json", "", false},
	}

	for _, tt := range tests {
		got, ok := DocIDForFile(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DocIDForFile(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSyncFile_CreateUpdateDelete(t *testing.T) {
	im, st, dir := newTestImporter(t)
	ctx := context.Background()

	path := writeFile(t, dir, "doc1.json", `{"title": "first"}`)
	action, err := im.SyncFile(ctx, path)
	if err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	if action != Updated {
		t.Errorf("action = %s, want updated", action)
	}

	rev, err := st.GetRevision(ctx, "doc1", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	if rev.Generation() != 1 {
		t.Errorf("generation = %d, want 1", rev.Generation())
	}
	if diff := cmp.Diff(map[string]any{"title": "first"}, rev.UserProperties()); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}

	// Same content again is a no-op.
	action, err = im.SyncFile(ctx, path)
	if err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	if action != Unchanged {
		t.Errorf("action = %s, want unchanged", action)
	}

	writeFile(t, dir, "doc1.json", `{"title": "second", "_id": "ignored"}`)
	if _, err := im.SyncFile(ctx, path); err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	rev, err = st.GetRevision(ctx, "doc1", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	if rev.Generation() != 2 || rev.Properties["title"] != "second" {
		t.Errorf("unexpected revision after update: %s %v", rev.RevID, rev.Properties)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	action, err = im.SyncFile(ctx, path)
	if err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	if action != Deleted {
		t.Errorf("action = %s, want deleted", action)
	}
	rev, err = st.GetRevision(ctx, "doc1", "")
	if err == nil && !rev.Deleted {
		t.Errorf("doc1 not deleted: %s", rev.RevID)
	}

	// Deleting again is a no-op.
	action, err = im.SyncFile(ctx, path)
	if err != nil || action != Unchanged {
		t.Errorf("second delete = %s, %v; want unchanged, nil", action, err)
	}
}

func TestSyncFile_BadDocument(t *testing.T) {
	im, _, dir := newTestImporter(t)

	path := writeFile(t, dir, "broken.json", `{"title": `)
	if _, err := im.SyncFile(context.Background(), path); !errors.Is(err, ErrBadDocument) {
		t.Errorf("SyncFile() error = %v, want ErrBadDocument", err)
	}

	path = writeFile(t, dir, "null.json", `null`)
	if _, err := im.SyncFile(context.Background(), path); !errors.Is(err, ErrBadDocument) {
		t.Errorf("SyncFile() error = %v, want ErrBadDocument", err)
	}

	if _, err := im.SyncFile(context.Background(), filepath.Join(dir, "notes.txt")); !errors.Is(err, ErrNotDocumentFile) {
		t.Errorf("SyncFile() error = %v, want ErrNotDocumentFile", err)
	}
}

func TestImportDocument_KeepsAttachments(t *testing.T) {
	im, st, _ := newTestImporter(t)
	ctx := context.Background()

	data := base64.StdEncoding.EncodeToString([]byte("hello"))
	_, err := im.ImportDocument(ctx, "doc1", map[string]any{
		"title": "with attachment",
		revision.KeyAttachments: map[string]any{
			"note.txt": map[string]any{"content_type": "text/plain", "data": data},
		},
	})
	if err != nil {
		t.Fatalf("ImportDocument() failed: %v", err)
	}

	action, err := im.ImportDocument(ctx, "doc1", map[string]any{"title": "edited"})
	if err != nil {
		t.Fatalf("ImportDocument() failed: %v", err)
	}
	if action != Updated {
		t.Fatalf("action = %s, want updated", action)
	}

	rev, err := st.GetRevision(ctx, "doc1", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	atts := rev.Attachments()
	meta, ok := atts["note.txt"]
	if !ok {
		t.Fatalf("attachment lost on edit: %v", rev.Properties)
	}
	if got := store.AttachmentLength(meta); got != 5 {
		t.Errorf("attachment length = %d, want 5", got)
	}
	if revpos, _ := meta["revpos"].(float64); int(revpos) != 1 {
		t.Errorf("revpos = %v, want 1", meta["revpos"])
	}
}

func TestImportDocument_InvalidID(t *testing.T) {
	im, _, _ := newTestImporter(t)
	_, err := im.ImportDocument(context.Background(), "_private", map[string]any{})
	if !errors.Is(err, revision.ErrInvalidDocID) {
		t.Errorf("ImportDocument() error = %v, want ErrInvalidDocID", err)
	}
}

func TestSyncFile_Batch(t *testing.T) {
	im, st, dir := newTestImporter(t)
	ctx := context.Background()

	path := writeFile(t, dir, "batch.json", `[
		{"_id": "named", "n": 1},
		{"n": 2}
	]`)
	action, err := im.SyncFile(ctx, path)
	if err != nil {
		t.Fatalf("SyncFile() failed: %v", err)
	}
	if action != Updated {
		t.Errorf("action = %s, want updated", action)
	}

	if _, err := st.GetRevision(ctx, "named", ""); err != nil {
		t.Errorf("named document missing: %v", err)
	}

	count, err := st.DocumentCount(ctx)
	if err != nil {
		t.Fatalf("DocumentCount() failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("DocumentCount() = %d, want 2", count)
	}

	changes, err := st.ChangesSince(ctx, 0, store.ChangesOptions{})
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	generated := 0
	for _, rev := range changes {
		if rev.DocID == "named" {
			continue
		}
		if _, err := uuid.Parse(rev.DocID); err != nil {
			t.Errorf("generated ID %q is not a UUID: %v", rev.DocID, err)
		}
		generated++
	}
	if generated != 1 {
		t.Errorf("generated %d documents, want 1", generated)
	}
}

func TestImportAll(t *testing.T) {
	im, _, dir := newTestImporter(t)
	writeFile(t, dir, "a.json", `{"n": 1}`)
	writeFile(t, dir, "b.json", `{"n": 2}`)
	writeFile(t, dir, "c.json", `not json`)
	writeFile(t, dir, "readme.md", `# ignored`)
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	stats, err := im.ImportAll(context.Background())
	if err != nil {
		t.Fatalf("ImportAll() failed: %v", err)
	}
	want := Stats{Files: 3, Updated: 2, Failed: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	stats, err = im.ImportAll(context.Background())
	if err != nil {
		t.Fatalf("ImportAll() failed: %v", err)
	}
	want = Stats{Files: 3, Unchanged: 2, Failed: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("second import mismatch (-want +got):\n%s", diff)
	}
}

type imported struct {
	docID  string
	action Action
}

func TestRun_WatchesDirectory(t *testing.T) {
	im, st, dir := newTestImporter(t)
	writeFile(t, dir, "existing.json", `{"n": 0}`)

	events := make(chan imported, 10)
	im.OnImport(func(docID string, action Action, err error) {
		if err == nil && action != Unchanged {
			events <- imported{docID, action}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- im.Run(ctx) }()

	waitFor := func(want imported) {
		t.Helper()
		for {
			select {
			case got := <-events:
				if got == want {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for %s %s", want.docID, want.action)
			}
		}
	}

	// The initial import runs before the watch starts.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := st.GetRevision(context.Background(), "existing", ""); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial import did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	path := writeFile(t, dir, "live.json", `{"n": 1}`)
	waitFor(imported{"live", Updated})

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	waitFor(imported{"live", Deleted})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestWatcher_Events(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	if !w.IsRunning() {
		t.Error("watcher not running after Start")
	}
	if err := w.Start(dir); err == nil {
		t.Error("second Start() succeeded")
	}

	writeFile(t, dir, "ignored.txt", "x")
	writeFile(t, dir, "doc1.json", `{}`)

	select {
	case ev := <-w.Events():
		if ev.DocID != "doc1" || ev.Op != OpCreate {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher running after Stop")
	}
}
