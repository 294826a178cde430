package replication

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/changes"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/remotetest"
	"github.com/steveyegge/docsync/internal/retry"
	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/store"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ChangesBatchDelay = 10 * time.Millisecond
	opts.InsertBatchDelay = 10 * time.Millisecond
	opts.CheckpointInterval = 20 * time.Millisecond
	opts.OfflineProbeInterval = 50 * time.Millisecond
	opts.MinBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond
	opts.Logger = log.New(io.Discard, "", 0)
	return opts
}

func openStore(t *testing.T, validator store.Validator) *store.Store {
	t.Helper()
	st, err := store.OpenWithConfig(store.Config{
		Path:      filepath.Join(t.TempDir(), "local.db"),
		Validator: validator,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("OpenWithConfig() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func run(t *testing.T, r *Replicator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("replication did not finish in time")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func seedRemote(t *testing.T, s *remotetest.Server, docID, revID string, props map[string]any) {
	t.Helper()
	rev := &revision.Revision{DocID: docID, RevID: revID, Properties: props}
	if err := s.Store().ForceInsert(context.Background(), rev, []string{revID}, ""); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}
}

func hasRevision(st *store.Store, docID, revID string) bool {
	_, err := st.GetRevision(context.Background(), docID, revID)
	return err == nil
}

func TestCheckpointID(t *testing.T) {
	st := openStore(t, nil)
	ctx := context.Background()

	id := func(dir Direction, url string, opts Options) string {
		t.Helper()
		var r *Replicator
		var err error
		if dir == Push {
			r, err = NewPusher(st, url, opts)
		} else {
			r, err = NewPuller(st, url, opts)
		}
		if err != nil {
			t.Fatalf("new replicator failed: %v", err)
		}
		cpID, err := r.CheckpointID(ctx)
		if err != nil {
			t.Fatalf("CheckpointID() failed: %v", err)
		}
		return cpID
	}

	opts := testOptions()
	base := id(Pull, "http://example.com/db", opts)
	if len(base) != 40 {
		t.Errorf("checkpoint ID %q is not a hex SHA-1", base)
	}
	if again := id(Pull, "http://example.com/db", opts); again != base {
		t.Errorf("checkpoint ID not stable: %q vs %q", base, again)
	}

	filtered := testOptions()
	filtered.Channels = []string{"a"}

	for name, other := range map[string]string{
		"push":     id(Push, "http://example.com/db", opts),
		"remote":   id(Pull, "http://example.com/other", opts),
		"channels": id(Pull, "http://example.com/db", filtered),
	} {
		if other == base {
			t.Errorf("%s: checkpoint ID did not change", name)
		}
	}
}

func TestPutCheckpoint_Conflict(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	st := openStore(t, nil)
	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	ctx := context.Background()

	rev, err := r.putCheckpoint(ctx, "cp", "1", "")
	if err != nil {
		t.Fatalf("putCheckpoint() failed: %v", err)
	}
	if rev != "0-1" {
		t.Errorf("rev = %q, want 0-1", rev)
	}

	// Another session wrote the document; our _rev is stale.
	rev, err = r.putCheckpoint(ctx, "cp", "2", "")
	if err != nil {
		t.Fatalf("putCheckpoint() with stale rev failed: %v", err)
	}
	if rev != "0-2" {
		t.Errorf("rev = %q, want 0-2", rev)
	}
	rev, err = r.putCheckpoint(ctx, "cp", "3", "0-1")
	if err != nil {
		t.Fatalf("putCheckpoint() with stale rev failed: %v", err)
	}
	if rev != "0-3" {
		t.Errorf("rev = %q, want 0-3", rev)
	}

	doc, err := s.LocalDocument("cp")
	if err != nil {
		t.Fatalf("LocalDocument() failed: %v", err)
	}
	if doc["lastSequence"] != "3" {
		t.Errorf("remote checkpoint = %v, want 3", doc["lastSequence"])
	}
	if n := s.Count(http.MethodPut, "_local/cp"); n != 5 {
		t.Errorf("PUT _local/cp count = %d, want 5", n)
	}
}

func TestPull_OneShot(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	seedRemote(t, s, "doc1", "1-abc", map[string]any{"title": "hello"})
	st := openStore(t, nil)

	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)

	rev, err := st.GetRevision(context.Background(), "doc1", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	if rev.RevID != "1-abc" || rev.Properties["title"] != "hello" {
		t.Errorf("pulled %s with %v", rev, rev.Properties)
	}

	if got := r.Checkpoint(); got != "1" {
		t.Errorf("Checkpoint() = %q, want 1", got)
	}
	cpID, err := r.CheckpointID(context.Background())
	if err != nil {
		t.Fatalf("CheckpointID() failed: %v", err)
	}
	doc, err := s.LocalDocument(cpID)
	if err != nil {
		t.Fatalf("LocalDocument() failed: %v", err)
	}
	if doc["lastSequence"] != "1" {
		t.Errorf("remote checkpoint = %v, want 1", doc["lastSequence"])
	}
	if completed, total := r.Progress(); completed != 1 || total != 1 {
		t.Errorf("Progress() = %d/%d, want 1/1", completed, total)
	}

	// A second pull resumes after the checkpoint and sees nothing new.
	s.ResetRequests()
	run(t, r)

	var sinces []string
	for _, req := range s.Requests() {
		if req.Path == "_changes" {
			sinces = append(sinces, req.Query.Get("since"))
		}
	}
	if diff := cmp.Diff([]string{"1"}, sinces); diff != "" {
		t.Errorf("changes requests mismatch (-want +got):\n%s", diff)
	}
	if _, total := r.Progress(); total != 0 {
		t.Errorf("second pull queued %d revisions, want 0", total)
	}
	if n := s.Count(http.MethodGet, "doc1"); n != 0 {
		t.Errorf("second pull fetched doc1 %d times", n)
	}
}

func TestPull_SkipsKnownRevisions(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	seedRemote(t, s, "a", "1-aa", map[string]any{"n": 1})
	seedRemote(t, s, "b", "1-bb", map[string]any{"n": 2})

	st := openStore(t, nil)
	known := &revision.Revision{DocID: "a", RevID: "1-aa", Properties: map[string]any{"n": 1}}
	if err := st.ForceInsert(context.Background(), known, []string{"1-aa"}, ""); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}

	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)

	if n := s.Count(http.MethodGet, "a"); n != 0 {
		t.Errorf("fetched known doc a %d times", n)
	}
	if !hasRevision(st, "b", "1-bb") {
		t.Error("doc b not pulled")
	}
	if got := r.Checkpoint(); got != "2" {
		t.Errorf("Checkpoint() = %q, want 2", got)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}
}

func TestPull_Attachments(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	data := bytes.Repeat([]byte("attachment "), 100)
	if _, err := s.Store().PutRevision(context.Background(), "doc", "", map[string]any{
		"_attachments": map[string]any{
			"a.txt": map[string]any{"content_type": "text/plain", "data": base64.StdEncoding.EncodeToString(data)},
		},
	}, false); err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}

	st := openStore(t, nil)
	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)

	rev, err := st.GetRevision(context.Background(), "doc", "")
	if err != nil {
		t.Fatalf("GetRevision() failed: %v", err)
	}
	digest, _ := rev.Attachments()["a.txt"]["digest"].(string)
	got, err := st.Blobs().Get(digest)
	if err != nil {
		t.Fatalf("attachment blob missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("attachment content mismatch")
	}
}

func TestPull_RejectedRevision(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	seedRemote(t, s, "ok", "1-aa", map[string]any{})
	seedRemote(t, s, "bad", "1-bb", map[string]any{"secret": true})

	st := openStore(t, func(rev, _ *revision.Revision) error {
		if rev.Properties["secret"] != nil {
			return errors.New("no secrets")
		}
		return nil
	})

	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)

	if !hasRevision(st, "ok", "1-aa") {
		t.Error("doc ok not pulled")
	}
	if hasRevision(st, "bad", "1-bb") {
		t.Error("rejected doc was stored")
	}
	// The rejection does not hold the checkpoint back.
	if got := r.Checkpoint(); got != "2" {
		t.Errorf("Checkpoint() = %q, want 2", got)
	}
	if err := r.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
}

func TestPull_FetchFailureHoldsCheckpoint(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	seedRemote(t, s, "doc1", "1-abc", map[string]any{})
	seedRemote(t, s, "doc2", "1-def", map[string]any{})
	s.Fail(http.MethodGet, "doc1", http.StatusNotFound, 1)

	st := openStore(t, nil)
	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)

	if hasRevision(st, "doc1", "1-abc") {
		t.Error("doc1 stored despite failed fetch")
	}
	if !hasRevision(st, "doc2", "1-def") {
		t.Error("doc2 not pulled")
	}
	if !remote.IsStatus(r.LastError(), http.StatusNotFound) {
		t.Errorf("LastError() = %v, want 404", r.LastError())
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
	if got := r.Checkpoint(); got == "1" || got == "2" {
		t.Errorf("Checkpoint() = %q, want it held before doc1", got)
	}
	if completed, total := r.Progress(); completed != 2 || total != 2 {
		t.Errorf("Progress() = %d/%d, want 2/2", completed, total)
	}

	// The next session starts before doc1 and fetches it.
	r, err = NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)

	if !hasRevision(st, "doc1", "1-abc") {
		t.Error("doc1 not pulled by the next session")
	}
	if got := r.Checkpoint(); got != "2" {
		t.Errorf("Checkpoint() = %q, want 2", got)
	}
	if r.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", r.LastError())
	}
}

func TestRetryLocal(t *testing.T) {
	errLocked := errors.New("database is locked")

	calls := 0
	got, err := retryLocal(context.Background(), 3, retry.NewBackoff(time.Millisecond, 0), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errLocked
		}
		return 42, nil
	})
	if err != nil || got != 42 || calls != 2 {
		t.Errorf("retryLocal() = %d, %v after %d calls, want 42, nil after 2", got, err, calls)
	}

	calls = 0
	_, err = retryLocal(context.Background(), 3, retry.NewBackoff(time.Millisecond, 0), func() (int, error) {
		calls++
		return 0, errLocked
	})
	if !errors.Is(err, errLocked) || calls != 3 {
		t.Errorf("retryLocal() = %v after %d calls, want errLocked after 3", err, calls)
	}
}

func TestRetryLocal_Cancelled(t *testing.T) {
	errLocked := errors.New("database is locked")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	calls := 0
	_, err := retryLocal(ctx, 3, retry.NewBackoff(time.Minute, 0), func() (int, error) {
		calls++
		return 0, errLocked
	})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("retryLocal() ignored cancellation for %v", elapsed)
	}
	if !errors.Is(err, errLocked) {
		t.Errorf("retryLocal() = %v, want errLocked", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestPull_Unauthorized(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{Username: "user", Password: "secret"})
	seedRemote(t, s, "doc1", "1-abc", map[string]any{})
	st := openStore(t, nil)

	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); !remote.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("Run() = %v, want 401", err)
	}
	if r.Status() != Stopped {
		t.Errorf("Status() = %v, want stopped", r.Status())
	}

	opts := testOptions()
	opts.Authenticator = remote.BasicAuth{Username: "user", Password: "secret"}
	r, err = NewPuller(st, s.DBURL(), opts)
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	run(t, r)
	if !hasRevision(st, "doc1", "1-abc") {
		t.Error("doc1 not pulled with credentials")
	}
}

func TestPull_ContinuousWebSocket(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{GzipWebSocket: true})
	seedRemote(t, s, "doc1", "1-abc", map[string]any{})
	st := openStore(t, nil)

	opts := testOptions()
	opts.Continuous = true
	opts.FeedMode = changes.WebSocket
	r, err := NewPuller(st, s.DBURL(), opts)
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer r.Stop()
	if err := r.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	waitFor(t, "doc1", func() bool { return hasRevision(st, "doc1", "1-abc") })
	waitFor(t, "idle", func() bool { return r.Status() == Idle })

	if _, err := s.Store().PutRevision(context.Background(), "doc2", "", map[string]any{"late": true}, false); err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	waitFor(t, "doc2", func() bool {
		_, err := st.GetRevision(context.Background(), "doc2", "")
		return err == nil
	})

	r.Stop()
	if r.Status() != Stopped {
		t.Errorf("Status() after Stop = %v", r.Status())
	}
	if got := r.Checkpoint(); got != "2" {
		t.Errorf("Checkpoint() = %q, want 2", got)
	}
}

func TestPull_ContinuousOffline(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	st := openStore(t, nil)
	opts := testOptions()
	opts.Continuous = true
	r, err := NewPuller(st, "http://"+addr+"/"+remotetest.DBName, opts)
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer r.Stop()

	waitFor(t, "offline", func() bool { return r.Status() == Offline })

	s := remotetest.Start(t, remotetest.Config{Addr: addr})
	seedRemote(t, s, "doc1", "1-abc", map[string]any{})

	waitFor(t, "doc1", func() bool { return hasRevision(st, "doc1", "1-abc") })
	waitFor(t, "idle", func() bool { return r.Status() == Idle })
}

func TestPush_MultipartAttachment(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	st := openStore(t, nil)

	data := bytes.Repeat([]byte{0xAB}, 20*1024)
	rev, err := st.PutRevision(context.Background(), "doc1", "", map[string]any{
		"title": "big",
		"_attachments": map[string]any{
			"blob.bin": map[string]any{"content_type": "application/octet-stream", "data": base64.StdEncoding.EncodeToString(data)},
		},
	}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}

	r, err := NewPusher(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPusher() failed: %v", err)
	}
	run(t, r)

	var puts []remotetest.Request
	for _, req := range s.Requests() {
		if req.Method == http.MethodPut && req.Path == "doc1" {
			puts = append(puts, req)
		}
	}
	if len(puts) != 1 {
		t.Fatalf("got %d PUTs of doc1, want 1", len(puts))
	}
	if !strings.HasPrefix(puts[0].ContentType, "multipart/related") {
		t.Errorf("PUT Content-Type = %q, want multipart/related", puts[0].ContentType)
	}
	if puts[0].Query.Get("new_edits") != "false" {
		t.Errorf("PUT query = %v, want new_edits=false", puts[0].Query)
	}
	if n := s.Count(http.MethodPost, "_bulk_docs"); n != 0 {
		t.Errorf("_bulk_docs called %d times, want 0", n)
	}

	pushed, err := s.Store().GetRevision(context.Background(), "doc1", rev.RevID)
	if err != nil {
		t.Fatalf("remote GetRevision() failed: %v", err)
	}
	digest, _ := pushed.Attachments()["blob.bin"]["digest"].(string)
	got, err := s.Store().Blobs().Get(digest)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("remote attachment mismatch (err %v)", err)
	}

	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}
	if got := r.Checkpoint(); got != fmt.Sprint(rev.Sequence) {
		t.Errorf("Checkpoint() = %q, want %d", got, rev.Sequence)
	}
}

func TestPush_MultipartFallback(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	s.RejectMultipart(true)
	st := openStore(t, nil)

	data := bytes.Repeat([]byte("z"), 32*1024)
	for _, id := range []string{"a", "b"} {
		if _, err := st.PutRevision(context.Background(), id, "", map[string]any{
			"_attachments": map[string]any{
				"z.txt": map[string]any{"content_type": "text/plain", "data": base64.StdEncoding.EncodeToString(data)},
			},
		}, false); err != nil {
			t.Fatalf("PutRevision() failed: %v", err)
		}
	}

	r, err := NewPusher(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPusher() failed: %v", err)
	}
	run(t, r)

	for _, id := range []string{"a", "b"} {
		if _, err := s.Store().GetRevision(context.Background(), id, ""); err != nil {
			t.Errorf("doc %s not pushed: %v", id, err)
		}
	}
	if n := s.Count(http.MethodPost, "_bulk_docs"); n == 0 {
		t.Error("expected a _bulk_docs fallback")
	}
	if r.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", r.LastError())
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}
}

func TestPush_Forbidden(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{
		Validator: func(rev, _ *revision.Revision) error {
			if rev.Properties["secret"] != nil {
				return errors.New("no secrets")
			}
			return nil
		},
	})
	st := openStore(t, nil)
	ctx := context.Background()
	if _, err := st.PutRevision(ctx, "public", "", map[string]any{"n": 1}, false); err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}
	if _, err := st.PutRevision(ctx, "private", "", map[string]any{"secret": "x"}, false); err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}

	r, err := NewPusher(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPusher() failed: %v", err)
	}
	run(t, r)

	if _, err := s.Store().GetRevision(ctx, "public", ""); err != nil {
		t.Errorf("public doc not pushed: %v", err)
	}
	if _, err := s.Store().GetRevision(ctx, "private", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("private doc on remote: %v", err)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after rejection", r.Pending())
	}
	if got := r.Checkpoint(); got != "2" {
		t.Errorf("Checkpoint() = %q, want 2", got)
	}
}

func TestPush_CreateTargetAndFilter(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{Missing: true})
	st := openStore(t, nil)
	ctx := context.Background()
	for _, id := range []string{"keep", "skip"} {
		if _, err := st.PutRevision(ctx, id, "", map[string]any{"id": id}, false); err != nil {
			t.Fatalf("PutRevision() failed: %v", err)
		}
	}

	opts := testOptions()
	opts.CreateTarget = true
	opts.PushFilter = func(rev *revision.Revision) bool { return rev.DocID == "keep" }
	r, err := NewPusher(st, s.DBURL(), opts)
	if err != nil {
		t.Fatalf("NewPusher() failed: %v", err)
	}
	run(t, r)

	if !s.Exists() {
		t.Fatal("remote database not created")
	}
	if _, err := s.Store().GetRevision(ctx, "keep", ""); err != nil {
		t.Errorf("keep not pushed: %v", err)
	}
	if _, err := s.Store().GetRevision(ctx, "skip", ""); err == nil {
		t.Error("filtered doc was pushed")
	}
}

func TestPush_PendingDuringRestart(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	st := openStore(t, nil)
	ctx := context.Background()
	rev, err := st.PutRevision(ctx, "doc1", "", map[string]any{}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}

	r, err := NewPusher(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPusher() failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = r.Pending()
			}
		}
	}()

	for i := 0; i < 3; i++ {
		run(t, r)
	}
	close(done)
	wg.Wait()

	if n := r.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
	if got := r.Checkpoint(); got != fmt.Sprint(rev.Sequence) {
		t.Errorf("Checkpoint() = %q, want %d", got, rev.Sequence)
	}
}

func TestPush_ContinuousSkipsPulledRevisions(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	st := openStore(t, nil)
	ctx := context.Background()

	opts := testOptions()
	opts.Continuous = true
	r, err := NewPusher(st, s.DBURL(), opts)
	if err != nil {
		t.Fatalf("NewPusher() failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer r.Stop()
	waitFor(t, "idle", func() bool { return r.Status() == Idle })

	// Revisions that came from this remote are not sent back.
	pulled := &revision.Revision{DocID: "echo", RevID: "1-ee", Properties: map[string]any{}}
	if err := st.ForceInsert(ctx, pulled, []string{"1-ee"}, r.RemoteURL()); err != nil {
		t.Fatalf("ForceInsert() failed: %v", err)
	}
	local, err := st.PutRevision(ctx, "local", "", map[string]any{"v": 1}, false)
	if err != nil {
		t.Fatalf("PutRevision() failed: %v", err)
	}

	waitFor(t, "local pushed", func() bool {
		_, err := s.Store().GetRevision(ctx, "local", local.RevID)
		return err == nil
	})
	waitFor(t, "idle", func() bool { return r.Status() == Idle })

	if _, err := s.Store().GetRevision(ctx, "echo", ""); err == nil {
		t.Error("pulled revision was pushed back")
	}
}

func TestEvents(t *testing.T) {
	s := remotetest.Start(t, remotetest.Config{})
	seedRemote(t, s, "doc1", "1-abc", map[string]any{})
	st := openStore(t, nil)

	r, err := NewPuller(st, s.DBURL(), testOptions())
	if err != nil {
		t.Fatalf("NewPuller() failed: %v", err)
	}

	var mu sync.Mutex
	var statuses []Status
	unsubscribe := r.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(statuses); n == 0 || statuses[n-1] != ev.Status {
			statuses = append(statuses, ev.Status)
		}
	})
	defer unsubscribe()

	run(t, r)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]Status{Active, Stopped}, statuses); diff != "" {
		t.Errorf("status transitions mismatch (-want +got):\n%s", diff)
	}
	if ev := r.Event(); ev.Completed != 1 || ev.Total != 1 || ev.SessionID == "" {
		t.Errorf("final event = %+v", ev)
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		Stopped:    "stopped",
		Offline:    "offline",
		Idle:       "idle",
		Active:     "active",
		Status(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
	if Pull.String() != "pull" || Push.String() != "push" {
		t.Error("unexpected direction names")
	}
}
