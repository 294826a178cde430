package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/multipart"
	"github.com/steveyegge/docsync/internal/revision"
)

// openTestStore opens a store in a temporary directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Success(t *testing.T) {
	s := openTestStore(t)

	id, err := s.PrivateUUID(context.Background())
	if err != nil {
		t.Fatalf("PrivateUUID() failed: %v", err)
	}
	if id == "" {
		t.Error("PrivateUUID() returned empty string")
	}

	seq, err := s.LastSequence(context.Background())
	if err != nil {
		t.Fatalf("LastSequence() failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("LastSequence() = %d, want 0", seq)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	id, _ := s.PrivateUUID(ctx)
	if _, err := s.PutRevision(ctx, "doc", "", map[string]any{"k": "v"}, false); err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Open() second time failed: %v", err)
	}
	defer s.Close()

	again, _ := s.PrivateUUID(ctx)
	if again != id {
		t.Errorf("PrivateUUID() changed across reopen: %q -> %q", id, again)
	}
	if n, _ := s.DocumentCount(ctx); n != 1 {
		t.Errorf("DocumentCount() = %d, want 1", n)
	}
}

func TestPutRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.PutRevision(ctx, "doc", "", map[string]any{"title": "one"}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	if first.Generation() != 1 || first.Sequence != 1 {
		t.Errorf("first revision = %s seq %d", first, first.Sequence)
	}

	second, err := s.PutRevision(ctx, "doc", first.RevID, map[string]any{"title": "two"}, false)
	if err != nil {
		t.Fatalf("PutRevision() update failed: %v", err)
	}
	if second.Generation() != 2 {
		t.Errorf("second revision = %s, want generation 2", second)
	}

	// Stale parent
	if _, err := s.PutRevision(ctx, "doc", first.RevID, map[string]any{"title": "x"}, false); !errors.Is(err, ErrConflict) {
		t.Errorf("PutRevision() with stale parent error = %v, want ErrConflict", err)
	}

	// Create over an existing document
	if _, err := s.PutRevision(ctx, "doc", "", map[string]any{}, false); !errors.Is(err, ErrConflict) {
		t.Errorf("PutRevision() create error = %v, want ErrConflict", err)
	}

	got, err := s.GetRevision(ctx, "doc", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	want := map[string]any{"_id": "doc", "_rev": second.RevID, "title": "two"}
	if diff := cmp.Diff(want, got.Properties); diff != "" {
		t.Errorf("GetRevision() mismatch (-want +got):\n%s", diff)
	}

	history, err := s.LoadRevisionHistory(ctx, "doc", second.RevID)
	if err != nil {
		t.Fatalf("LoadRevisionHistory() failed: %v", err)
	}
	if diff := cmp.Diff([]string{second.RevID, first.RevID}, history); diff != "" {
		t.Errorf("LoadRevisionHistory() mismatch (-want +got):\n%s", diff)
	}
}

func TestPutRevision_DeleteAndRecreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev, err := s.PutRevision(ctx, "doc", "", map[string]any{"a": 1}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	tomb, err := s.PutRevision(ctx, "doc", rev.RevID, nil, true)
	if err != nil {
		t.Fatalf("PutRevision() delete failed: %v", err)
	}
	if !tomb.Deleted {
		t.Error("tombstone should be deleted")
	}
	if n, _ := s.DocumentCount(ctx); n != 0 {
		t.Errorf("DocumentCount() = %d after delete, want 0", n)
	}

	again, err := s.PutRevision(ctx, "doc", "", map[string]any{"a": 2}, false)
	if err != nil {
		t.Fatalf("PutRevision() recreate failed: %v", err)
	}
	if again.Generation() != 3 {
		t.Errorf("recreated revision = %s, want generation 3", again)
	}

	if _, err := s.PutRevision(ctx, "missing", "", nil, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting a missing document error = %v, want ErrNotFound", err)
	}
}

func TestPutRevision_InvalidDocID(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutRevision(context.Background(), "_bad", "", nil, false); !errors.Is(err, ErrBadRequest) {
		t.Errorf("PutRevision() error = %v, want ErrBadRequest", err)
	}
}

func TestForceInsert_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev := &revision.Revision{
		DocID:      "doc",
		RevID:      "3-c",
		Properties: map[string]any{"v": "three"},
	}
	history := []string{"3-c", "2-b", "1-a"}

	var notified []string
	unsubscribe := s.Subscribe(func(c Change) {
		notified = append(notified, c.Revision.RevID+"@"+c.Source)
	})
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		if err := s.ForceInsert(ctx, rev, history, "http://remote/db"); err != nil {
			t.Fatalf("ForceInsert() attempt %d failed: %v", i, err)
		}
	}

	all, err := s.GetAllRevisionsOfDocumentID(ctx, "doc", false)
	if err != nil {
		t.Fatalf("GetAllRevisionsOfDocumentID() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("stored %d revisions, want 3", len(all))
	}

	leaves, err := s.GetAllRevisionsOfDocumentID(ctx, "doc", true)
	if err != nil {
		t.Fatalf("GetAllRevisionsOfDocumentID() failed: %v", err)
	}
	if len(leaves) != 1 || leaves[0].RevID != "3-c" {
		t.Errorf("leaves = %v, want [3-c]", leaves)
	}

	if diff := cmp.Diff([]string{"3-c@http://remote/db"}, notified); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	got, err := s.LoadRevisionHistory(ctx, "doc", "3-c")
	if err != nil {
		t.Fatalf("LoadRevisionHistory() failed: %v", err)
	}
	if diff := cmp.Diff(history, got); diff != "" {
		t.Errorf("LoadRevisionHistory() mismatch (-want +got):\n%s", diff)
	}

	// Ancestors are stubs: known to the tree but missing bodies.
	if _, err := s.GetRevision(ctx, "doc", "2-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRevision(stub) error = %v, want ErrNotFound", err)
	}
}

func TestForceInsert_Conflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := &revision.Revision{DocID: "doc", RevID: "1-a", Properties: map[string]any{}}
	left := &revision.Revision{DocID: "doc", RevID: "2-b", Properties: map[string]any{"side": "left"}}
	right := &revision.Revision{DocID: "doc", RevID: "2-c", Properties: map[string]any{"side": "right"}}

	if err := s.ForceInsert(ctx, base, nil, ""); err != nil {
		t.Fatalf("ForceInsert(base) failed: %v", err)
	}
	if err := s.ForceInsert(ctx, left, []string{"2-b", "1-a"}, ""); err != nil {
		t.Fatalf("ForceInsert(left) failed: %v", err)
	}
	if err := s.ForceInsert(ctx, right, []string{"2-c", "1-a"}, ""); err != nil {
		t.Fatalf("ForceInsert(right) failed: %v", err)
	}

	w, err := s.GetRevision(ctx, "doc", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	if w.RevID != "2-c" {
		t.Errorf("winner = %s, want 2-c", w.RevID)
	}

	conflicts, err := s.GetConflicts(ctx, "doc")
	if err != nil {
		t.Fatalf("GetConflicts() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2-b"}, conflicts); diff != "" {
		t.Errorf("GetConflicts() mismatch (-want +got):\n%s", diff)
	}

	changes, err := s.ChangesSince(ctx, 0, ChangesOptions{})
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(changes) != 1 || changes[0].RevID != "2-c" {
		t.Errorf("ChangesSince() = %v, want only the winner", changes)
	}

	changes, err = s.ChangesSince(ctx, 0, ChangesOptions{IncludeConflicts: true})
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("ChangesSince(IncludeConflicts) returned %d revisions, want 2", len(changes))
	}
}

func TestForceInsert_BadHistory(t *testing.T) {
	s := openTestStore(t)
	rev := &revision.Revision{DocID: "doc", RevID: "2-b", Properties: map[string]any{}}
	err := s.ForceInsert(context.Background(), rev, []string{"2-x", "1-a"}, "")
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("ForceInsert() error = %v, want ErrBadRequest", err)
	}
}

func TestForceInsertBatch_PartialFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserts := []Insert{
		{Revision: &revision.Revision{DocID: "a", RevID: "1-a", Properties: map[string]any{}}},
		{Revision: &revision.Revision{DocID: "b", RevID: "bogus", Properties: map[string]any{}}},
		{Revision: &revision.Revision{DocID: "c", RevID: "1-c", Properties: map[string]any{}}},
	}

	errs, err := s.ForceInsertBatch(ctx, inserts)
	if err != nil {
		t.Fatalf("ForceInsertBatch() failed: %v", err)
	}
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("unexpected per-revision errors: %v", errs)
	}
	if !errors.Is(errs[1], ErrBadRequest) {
		t.Errorf("errs[1] = %v, want ErrBadRequest", errs[1])
	}

	if n, _ := s.DocumentCount(ctx); n != 2 {
		t.Errorf("DocumentCount() = %d, want 2", n)
	}
}

func TestValidator(t *testing.T) {
	s, err := OpenWithConfig(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Validator: func(rev *revision.Revision, parent *revision.Revision) error {
			if rev.Properties["secret"] != nil {
				return fmt.Errorf("secrets are not allowed")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("OpenWithConfig() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	rev := &revision.Revision{DocID: "doc", RevID: "1-a", Properties: map[string]any{"secret": "x"}}
	err = s.ForceInsert(ctx, rev, nil, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("ForceInsert() error = %v, want ErrForbidden", err)
	}
	if !IsRejection(err) || StatusCode(err) != 403 {
		t.Errorf("IsRejection = %v, StatusCode = %d", IsRejection(err), StatusCode(err))
	}

	if _, err := s.PutRevision(ctx, "ok", "", map[string]any{"public": true}, false); err != nil {
		t.Errorf("PutRevision() failed: %v", err)
	}
}

func TestFindMissingRevisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev := &revision.Revision{DocID: "doc", RevID: "2-b", Properties: map[string]any{}}
	if err := s.ForceInsert(ctx, rev, []string{"2-b", "1-a"}, ""); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}

	missing, err := s.FindMissingRevisions(ctx, map[string][]string{
		"doc":   {"1-a", "2-b", "3-c"},
		"other": {"1-x"},
	})
	if err != nil {
		t.Fatalf("FindMissingRevisions() failed: %v", err)
	}

	want := map[string][]string{
		"doc":   {"1-a", "3-c"},
		"other": {"1-x"},
	}
	if diff := cmp.Diff(want, missing); diff != "" {
		t.Errorf("FindMissingRevisions() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetPossibleAncestors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, h := range [][]string{{"1-a"}, {"2-b", "1-a"}, {"3-c", "2-b", "1-a"}} {
		rev := &revision.Revision{DocID: "doc", RevID: h[0], Properties: map[string]any{}}
		if err := s.ForceInsert(ctx, rev, h, ""); err != nil {
			t.Fatalf("ForceInsert(%s) failed: %v", h[0], err)
		}
	}

	got, err := s.GetPossibleAncestors(ctx, "doc", "4-d", 2, false)
	if err != nil {
		t.Fatalf("GetPossibleAncestors() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"3-c", "2-b"}, got); diff != "" {
		t.Errorf("GetPossibleAncestors() mismatch (-want +got):\n%s", diff)
	}

	got, err = s.GetPossibleAncestors(ctx, "doc", "4-d", 0, true)
	if err != nil {
		t.Fatalf("GetPossibleAncestors() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"3-c"}, got); diff != "" {
		t.Errorf("GetPossibleAncestors(onlyCurrent) mismatch (-want +got):\n%s", diff)
	}
}

func TestChangesSince_FilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		props := map[string]any{"even": i%2 == 0}
		if _, err := s.PutRevision(ctx, fmt.Sprintf("doc%d", i), "", props, false); err != nil {
			t.Fatalf("PutRevision() failed: %v", err)
		}
	}

	changes, err := s.ChangesSince(ctx, 1, ChangesOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(changes) != 2 || changes[0].Sequence != 2 || changes[1].Sequence != 3 {
		t.Errorf("ChangesSince(since=1, limit=2) = %v", changes)
	}

	changes, err = s.ChangesSince(ctx, 0, ChangesOptions{
		Filter: func(rev *revision.Revision) bool { return rev.Properties["even"] == true },
	})
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	var ids []string
	for _, c := range changes {
		ids = append(ids, c.DocID)
	}
	if diff := cmp.Diff([]string{"doc0", "doc2", "doc4"}, ids); diff != "" {
		t.Errorf("filtered changes mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetCheckpoint(ctx, "cp"); err != nil || ok {
		t.Fatalf("GetCheckpoint() = ok %v, err %v; want missing", ok, err)
	}

	if err := s.SetCheckpoint(ctx, "cp", "10"); err != nil {
		t.Fatalf("SetCheckpoint() failed: %v", err)
	}
	if err := s.SetCheckpoint(ctx, "cp", "*:12"); err != nil {
		t.Fatalf("SetCheckpoint() update failed: %v", err)
	}

	value, ok, err := s.GetCheckpoint(ctx, "cp")
	if err != nil || !ok || value != "*:12" {
		t.Errorf("GetCheckpoint() = %q, %v, %v; want *:12", value, ok, err)
	}

	list, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("ListCheckpoints() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "cp" || list[0].UpdatedAt.IsZero() {
		t.Errorf("ListCheckpoints() = %+v", list)
	}

	if err := s.DeleteCheckpoint(ctx, "cp"); err != nil {
		t.Fatalf("DeleteCheckpoint() failed: %v", err)
	}
	if _, ok, _ := s.GetCheckpoint(ctx, "cp"); ok {
		t.Error("checkpoint still present after delete")
	}
}

func TestInlineAttachments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("attachment body")
	rev, err := s.PutRevision(ctx, "doc", "", map[string]any{
		"_attachments": map[string]any{
			"note.txt": map[string]any{
				"content_type": "text/plain",
				"data":         base64.StdEncoding.EncodeToString(data),
			},
		},
	}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}

	meta := rev.Attachments()["note.txt"]
	if meta["digest"] != SHA1Digest(data) || meta["stub"] != true {
		t.Errorf("attachment meta = %v", meta)
	}
	if AttachmentLength(meta) != int64(len(data)) {
		t.Errorf("AttachmentLength() = %d, want %d", AttachmentLength(meta), len(data))
	}

	stored, err := s.Blobs().Get(SHA1Digest(data))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(stored) != string(data) {
		t.Errorf("blob = %q, want %q", stored, data)
	}

	// A stub without digest inherits the parent's entry.
	next, err := s.PutRevision(ctx, "doc", rev.RevID, map[string]any{
		"_attachments": map[string]any{"note.txt": map[string]any{"stub": true}},
	}, false)
	if err != nil {
		t.Fatalf("PutRevision() with stub failed: %v", err)
	}
	if next.Attachments()["note.txt"]["digest"] != SHA1Digest(data) {
		t.Errorf("inherited meta = %v", next.Attachments()["note.txt"])
	}

	// A stub naming an unknown blob is rejected.
	_, err = s.PutRevision(ctx, "doc", next.RevID, map[string]any{
		"_attachments": map[string]any{"x": map[string]any{"stub": true, "digest": SHA1Digest([]byte("nope"))}},
	}, false)
	if !IsMissingBlob(err) {
		t.Errorf("PutRevision() error = %v, want missing blob", err)
	}
}

func TestMultipartDocumentIntoStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	body := strings.Repeat("x", 4096)
	w := multipart.NewWriter("related")
	if err := w.AddJSON(map[string]any{
		"_id":  "doc",
		"_rev": "1-a",
		"_attachments": map[string]any{
			"big.bin": map[string]any{"follows": true, "content_type": "application/octet-stream", "length": len(body)},
		},
	}); err != nil {
		t.Fatalf("AddJSON() failed: %v", err)
	}
	w.AddAttachment("big.bin", "application/octet-stream", strings.NewReader(body), int64(len(body)))

	props, err := multipart.ReadDocument(w.ContentType(), w.Reader(), s.Blobs())
	if err != nil {
		t.Fatalf("ReadDocument() failed: %v", err)
	}
	rev, err := revision.FromProperties(props)
	if err != nil {
		t.Fatalf("FromProperties() failed: %v", err)
	}
	if err := s.ForceInsert(ctx, rev, nil, ""); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}

	got, err := s.GetRevision(ctx, "doc", "1-a")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	digest, _ := got.Attachments()["big.bin"]["digest"].(string)
	data, err := s.Blobs().Get(digest)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", digest, err)
	}
	if string(data) != body {
		t.Error("attachment body does not round-trip through the store")
	}
	if !s.Blobs().Has(MD5Digest([]byte(body))) {
		t.Error("MD5 alias was not installed")
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PutRevision(ctx, fmt.Sprintf("doc%d", i), "", map[string]any{"i": i}, false)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("PutRevision() failed: %v", err)
		}
	}

	seq, err := s.LastSequence(ctx)
	if err != nil {
		t.Fatalf("LastSequence() failed: %v", err)
	}
	if seq != 20 {
		t.Errorf("LastSequence() = %d, want 20", seq)
	}
}
