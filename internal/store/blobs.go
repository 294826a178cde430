package store

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/docsync/internal/multipart"
)

// SHA1Digest returns the "sha1-<base64>" digest of data.
func SHA1Digest(data []byte) string {
	sum := sha1.Sum(data)
	return "sha1-" + base64.StdEncoding.EncodeToString(sum[:])
}

// MD5Digest returns the "md5-<base64>" digest of data.
func MD5Digest(data []byte) string {
	sum := md5.Sum(data)
	return "md5-" + base64.StdEncoding.EncodeToString(sum[:])
}

// BlobStore keeps attachment bodies as files named by their digest.
type BlobStore struct {
	dir    string
	tmpDir string
}

// NewBlobStore opens (creating if needed) a blob directory.
func NewBlobStore(dir string) (*BlobStore, error) {
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &BlobStore{dir: dir, tmpDir: tmpDir}, nil
}

// Dir returns the blob directory.
func (b *BlobStore) Dir() string {
	return b.dir
}

// Path returns the file path for a digest.
func (b *BlobStore) Path(digest string) (string, error) {
	algo, encoded, ok := strings.Cut(digest, "-")
	if !ok || (algo != "sha1" && algo != "md5") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}

	return filepath.Join(b.dir, algo+"-"+hex.EncodeToString(raw)+".blob"), nil
}

// Has reports whether a blob with the given digest is stored.
func (b *BlobStore) Has(digest string) bool {
	path, err := b.Path(digest)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Open opens a blob for reading and returns its length.
func (b *BlobStore) Open(digest string) (*os.File, int64, error) {
	path, err := b.Path(digest)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("blob %s: %w", digest, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("failed to open blob %s: %w", digest, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("failed to stat blob %s: %w", digest, err)
	}
	return f, info.Size(), nil
}

// Get reads a whole blob into memory.
func (b *BlobStore) Get(digest string) ([]byte, error) {
	f, _, err := b.Open(digest)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", digest, err)
	}
	return data, nil
}

// Put stores data and returns its SHA-1 digest.
func (b *BlobStore) Put(data []byte) (string, error) {
	w, err := b.newWriter()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		w.Cancel()
		return "", err
	}
	if err := w.Finish(); err != nil {
		w.Cancel()
		return "", err
	}
	if err := w.Install(); err != nil {
		return "", err
	}
	return w.SHA1Digest(), nil
}

// NewBlobWriter implements multipart.BlobWriterFactory.
func (b *BlobStore) NewBlobWriter() (multipart.BlobWriter, error) {
	return b.newWriter()
}

func (b *BlobStore) newWriter() (*BlobWriter, error) {
	f, err := os.CreateTemp(b.tmpDir, "blob-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary blob: %w", err)
	}

	w := &BlobWriter{
		store: b,
		file:  f,
		sha1:  sha1.New(),
		md5:   md5.New(),
	}
	w.out = io.MultiWriter(f, w.sha1, w.md5)
	return w, nil
}

// BlobWriter streams one blob into a temporary file while hashing it.
type BlobWriter struct {
	store *BlobStore
	file  *os.File
	out   io.Writer
	sha1  hash.Hash
	md5   hash.Hash

	length     int64
	sha1Digest string
	md5Digest  string
	finished   bool
	done       bool
}

// Write appends data to the blob.
func (w *BlobWriter) Write(p []byte) (int, error) {
	if w.finished {
		return 0, fmt.Errorf("write to finished blob")
	}
	n, err := w.out.Write(p)
	w.length += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write blob: %w", err)
	}
	return n, nil
}

// Finish closes the temporary file and computes the digests.
func (w *BlobWriter) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.sha1Digest = "sha1-" + base64.StdEncoding.EncodeToString(w.sha1.Sum(nil))
	w.md5Digest = "md5-" + base64.StdEncoding.EncodeToString(w.md5.Sum(nil))
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	return nil
}

// SHA1Digest returns the SHA-1 digest. Valid after Finish.
func (w *BlobWriter) SHA1Digest() string { return w.sha1Digest }

// MD5Digest returns the MD5 digest. Valid after Finish.
func (w *BlobWriter) MD5Digest() string { return w.md5Digest }

// Length returns the number of bytes written.
func (w *BlobWriter) Length() int64 { return w.length }

// Install moves the blob to its permanent name and links its MD5 alias.
func (w *BlobWriter) Install() error {
	if !w.finished {
		if err := w.Finish(); err != nil {
			w.Cancel()
			return err
		}
	}
	if w.done {
		return nil
	}
	w.done = true

	target, err := w.store.Path(w.sha1Digest)
	if err != nil {
		_ = os.Remove(w.file.Name())
		return err
	}

	if _, err := os.Stat(target); err == nil {
		// Already stored.
		_ = os.Remove(w.file.Name())
	} else if err := os.Rename(w.file.Name(), target); err != nil {
		_ = os.Remove(w.file.Name())
		return fmt.Errorf("failed to install blob %s: %w", w.sha1Digest, err)
	}

	alias, err := w.store.Path(w.md5Digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(alias); err == nil {
		return nil
	}
	if err := os.Link(target, alias); err != nil && !errors.Is(err, os.ErrExist) {
		return copyFile(target, alias)
	}
	return nil
}

// Cancel discards the temporary file.
func (w *BlobWriter) Cancel() {
	if w.done {
		return
	}
	w.done = true
	_ = w.file.Close()
	_ = os.Remove(w.file.Name())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy blob: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	return os.Rename(tmp, dst)
}
