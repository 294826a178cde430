package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/docsync/internal/revision"
)

// Validator decides whether a revision may be stored. parent is nil for the
// first revision of a document or when the parent body is unknown. A non-nil
// error rejects the revision with ErrForbidden.
type Validator func(rev *revision.Revision, parent *revision.Revision) error

// Config holds store configuration.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// BlobDir is the attachment directory. Defaults to "<Path>.blobs".
	BlobDir string

	// Validator optionally rejects incoming revisions.
	Validator Validator

	// Logger for store messages.
	Logger *log.Logger
}

// Change is a committed revision announced to subscribers.
type Change struct {
	Revision *revision.Revision

	// Source is the remote URL a replicated revision came from, or "" for
	// local edits.
	Source string
}

// Store is the local document store.
type Store struct {
	conn      *sql.DB
	path      string
	blobs     *BlobStore
	validator Validator
	logger    *log.Logger

	// writeMu serializes write transactions.
	writeMu sync.Mutex

	subMu  sync.RWMutex
	subs   map[int]func(Change)
	nextID int
}

// Open opens the store at path with default settings.
func Open(path string) (*Store, error) {
	return OpenWithConfig(Config{Path: path})
}

// OpenWithConfig opens the store, creating the database, schema and blob
// directory if needed.
//
// The caller MUST call Close() when done.
func OpenWithConfig(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = cfg.Path + ".blobs"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	blobs, err := NewBlobStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		filepath.ToSlash(cfg.Path))
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:      conn,
		path:      cfg.Path,
		blobs:     blobs,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		subs:      make(map[int]func(Change)),
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS revs (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		rev_id TEXT NOT NULL,
		parent_rev TEXT,
		generation INTEGER NOT NULL,
		current INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		json TEXT,  -- NULL for ancestor stubs
		origin TEXT,
		UNIQUE (doc_id, rev_id)
	);

	CREATE INDEX IF NOT EXISTS idx_revs_current ON revs(doc_id, current);
	CREATE INDEX IF NOT EXISTS idx_revs_changes ON revs(current, sequence);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO info (key, value) VALUES ('private_uuid', ?)`,
		uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to initialize store UUID: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Blobs returns the attachment blob store.
func (s *Store) Blobs() *BlobStore {
	return s.blobs
}

// PrivateUUID returns a UUID unique to this store, used to derive
// replication checkpoint IDs.
func (s *Store) PrivateUUID(ctx context.Context) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM info WHERE key = 'private_uuid'`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read store UUID: %w", err)
	}
	return id, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Subscribe registers fn to be called after every committed revision. Calls
// happen on the committing goroutine, in commit order, so fn must not block.
// The returned function unregisters fn.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// LastSequence returns the highest sequence assigned so far.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT MAX(sequence) FROM revs`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq.Int64, nil
}

// DocumentCount returns the number of documents whose winning revision is not
// deleted.
func (s *Store) DocumentCount(ctx context.Context) (int, error) {
	query := `
	SELECT COUNT(DISTINCT doc_id) FROM revs
	WHERE current = 1 AND deleted = 0
	`
	var count int
	if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// withWriteTx runs fn in a write transaction and announces the collected
// changes after commit.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) ([]Change, error)) error {
	if s.conn == nil {
		return ErrClosed
	}

	s.writeMu.Lock()
	changes, err := func() ([]Change, error) {
		defer s.writeMu.Unlock()

		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		changes, err := fn(tx)
		if err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return changes, nil
	}()
	if err != nil {
		return err
	}

	s.notify(changes)
	return nil
}
