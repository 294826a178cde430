package remotetest

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/steveyegge/docsync/internal/store"
)

// DBName is the database path every Server serves.
const DBName = "db"

// FilterFunc is a named server-side changes filter.
type FilterFunc func(doc map[string]any, params url.Values) bool

// Config holds server configuration.
type Config struct {
	// Missing starts the server without a database, so only PUT /db/
	// succeeds until it is created.
	Missing bool

	// Username and Password, when set, are required as basic auth.
	Username string
	Password string

	// Filters are the named filters the changes feed accepts.
	Filters map[string]FilterFunc

	// GzipWebSocket sends websocket batches as gzip binary frames.
	GzipWebSocket bool

	// Validator is installed on the backing store.
	Validator store.Validator

	// Addr listens on a fixed "host:port" instead of a random port, so a
	// test can bring a remote up where a client expects it.
	Addr string

	Logger *log.Logger
}

// Request is one recorded request.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	ContentType string
}

type injected struct {
	method string
	prefix string
	status int
	count  int
}

// Server is a running fake remote database.
type Server struct {
	*httptest.Server

	cfg    Config
	store  *store.Store
	logger *log.Logger

	mu              sync.Mutex
	exists          bool
	rejectMultipart bool
	requests        []Request
	failures        []*injected
	wake            chan struct{}

	closed      chan struct{}
	unsubscribe func()
}

// Start starts a server backed by a store in a temporary directory. It is
// shut down when the test ends.
func Start(t testing.TB, cfg Config) *Server {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	st, err := store.OpenWithConfig(store.Config{
		Path:      filepath.Join(t.TempDir(), "remote.db"),
		Validator: cfg.Validator,
		Logger:    cfg.Logger,
	})
	if err != nil {
		t.Fatalf("failed to open remote store: %v", err)
	}

	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: cfg.Logger,
		exists: !cfg.Missing,
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.unsubscribe = st.Subscribe(func(store.Change) { s.notify() })
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(s.serveHTTP))
	if cfg.Addr != "" {
		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			st.Close()
			t.Fatalf("failed to listen on %s: %v", cfg.Addr, err)
		}
		s.Server.Listener.Close()
		s.Server.Listener = l
	}
	s.Server.Start()

	t.Cleanup(s.Close)
	return s
}

// Close shuts the server down and closes its store.
func (s *Server) Close() {
	s.mu.Lock()
	if s.unsubscribe == nil {
		s.mu.Unlock()
		return
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	unsubscribe()
	close(s.closed)
	s.Server.CloseClientConnections()
	s.Server.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Printf("Warning: failed to close remote store: %v", err)
	}
}

// DBURL returns the database URL.
func (s *Server) DBURL() string {
	return s.Server.URL + "/" + DBName
}

// Store returns the backing store, for seeding and inspecting documents.
func (s *Server) Store() *store.Store {
	return s.store
}

// Exists reports whether the database has been created.
func (s *Server) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

// RejectMultipart makes multipart document PUTs fail with 415.
func (s *Server) RejectMultipart(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectMultipart = reject
}

// Fail makes the next count requests whose method matches and whose path
// (relative to the database) starts with prefix fail with status.
func (s *Server) Fail(method, prefix string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &injected{method: method, prefix: prefix, status: status, count: count})
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched method and the database-relative
// path prefix. An empty method matches any method.
func (s *Server) Count(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if (method == "" || r.Method == method) && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// notify wakes every feed waiting for a change.
func (s *Server) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.wake)
	s.wake = make(chan struct{})
}

// waiter returns a channel closed at the next change.
func (s *Server) waiter() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + DBName
	if r.URL.Path != prefix && !strings.HasPrefix(r.URL.Path, prefix+"/") {
		writeError(w, http.StatusNotFound, "not_found", "no such database")
		return
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(r.URL.EscapedPath(), prefix), "/")

	if status, ok := s.record(r, rel); ok {
		writeError(w, status, errorName(status), "injected failure")
		return
	}

	if s.cfg.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.Username || pass != s.cfg.Password {
			writeError(w, http.StatusUnauthorized, "unauthorized", "name or password is incorrect")
			return
		}
	}

	if rel == "" {
		s.handleDatabase(w, r)
		return
	}
	if !s.Exists() {
		writeError(w, http.StatusNotFound, "not_found", "database does not exist")
		return
	}

	switch {
	case rel == "_changes":
		s.handleChanges(w, r)
	case rel == "_revs_diff":
		s.handleRevsDiff(w, r)
	case rel == "_bulk_docs":
		s.handleBulkDocs(w, r)
	case strings.HasPrefix(rel, "_local/"):
		s.handleLocal(w, r, strings.TrimPrefix(rel, "_local/"))
	default:
		docID, err := url.PathUnescape(rel)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid document ID")
			return
		}
		s.handleDocument(w, r, docID)
	}
}

// record logs the request and reports whether an injected failure applies.
func (s *Server) record(r *http.Request, rel string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method:      r.Method,
		Path:        rel,
		Query:       r.URL.Query(),
		ContentType: r.Header.Get("Content-Type"),
	})

	for _, f := range s.failures {
		if f.count > 0 && (f.method == "" || f.method == r.Method) && strings.HasPrefix(rel, f.prefix) {
			f.count--
			return f.status, true
		}
	}
	return 0, false
}

func (s *Server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.mu.Lock()
		existed := s.exists
		s.exists = true
		s.mu.Unlock()
		if existed {
			writeError(w, http.StatusPreconditionFailed, "file_exists", "the database could not be created, the file already exists")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	case http.MethodGet, http.MethodHead:
		if !s.Exists() {
			writeError(w, http.StatusNotFound, "not_found", "database does not exist")
			return
		}
		seq, err := s.store.LastSequence(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		count, err := s.store.DocumentCount(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"db_name":    DBName,
			"update_seq": seq,
			"doc_count":  count,
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, name, reason string) {
	writeJSON(w, status, map[string]any{"error": name, "reason": reason})
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := store.StatusCode(err)
	writeError(w, status, errorName(status), err.Error())
}

func errorName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnsupportedMediaType:
		return "bad_content_type"
	default:
		return "unknown_error"
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
