package multipart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
)

// BlobWriter receives one attachment body and computes its digests.
type BlobWriter interface {
	io.Writer
	// Finish is called once the body is complete.
	Finish() error
	// SHA1Digest returns "sha1-<base64>" of the body. Valid after Finish.
	SHA1Digest() string
	// MD5Digest returns "md5-<base64>" of the body. Valid after Finish.
	MD5Digest() string
	// Length returns the number of bytes written.
	Length() int64
	// Install makes the blob permanently available under its digests.
	Install() error
	// Cancel discards the blob.
	Cancel()
}

// BlobWriterFactory creates blob writers for attachment parts.
type BlobWriterFactory interface {
	NewBlobWriter() (BlobWriter, error)
}

type streamedPart struct {
	filename string
	writer   BlobWriter
}

// DocumentReader reads a revision body that is either plain JSON or a
// multipart message whose first part is JSON and whose later parts are
// attachment bodies.
type DocumentReader struct {
	blobs BlobWriterFactory

	multipart *Reader
	isJSON    bool

	jsonBuf     bytes.Buffer
	inDocument  bool
	docParsed   bool
	document    map[string]any
	current     *streamedPart
	parts       []*streamedPart
	attachments int
	done        bool
}

// NewDocumentReader creates a DocumentReader that stores attachment parts
// through blobs.
func NewDocumentReader(blobs BlobWriterFactory) *DocumentReader {
	return &DocumentReader{blobs: blobs}
}

// ReadDocument reads a whole body from r and returns the document with its
// "follows" attachments resolved to installed blobs.
func ReadDocument(contentType string, r io.Reader, blobs BlobWriterFactory) (map[string]any, error) {
	d := NewDocumentReader(blobs)
	if err := d.SetContentType(contentType); err != nil {
		return nil, err
	}
	if _, err := io.Copy(d, r); err != nil {
		d.cancel()
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return d.Document(), nil
}

// SetContentType must be called before any data is written.
func (d *DocumentReader) SetContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: invalid content type %q: %v", ErrParse, contentType, err)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		r, err := NewReader(contentType, d)
		if err != nil {
			return err
		}
		d.multipart = r
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		d.isJSON = true
	default:
		return fmt.Errorf("%w: unsupported content type %q", ErrParse, mediaType)
	}
	return nil
}

// Write feeds body bytes.
func (d *DocumentReader) Write(p []byte) (int, error) {
	switch {
	case d.multipart != nil:
		return d.multipart.Write(p)
	case d.isJSON:
		return d.jsonBuf.Write(p)
	default:
		return 0, fmt.Errorf("%w: content type not set", ErrParse)
	}
}

// StartedPart implements Delegate.
func (d *DocumentReader) StartedPart(headers map[string]string) error {
	if !d.docParsed && !d.inDocument && d.jsonBuf.Len() == 0 {
		d.inDocument = true
		return nil
	}

	w, err := d.blobs.NewBlobWriter()
	if err != nil {
		return fmt.Errorf("failed to create blob writer: %w", err)
	}

	part := &streamedPart{writer: w}
	if disp := headers["Content-Disposition"]; disp != "" {
		if _, params, err := mime.ParseMediaType(disp); err == nil {
			part.filename = params["filename"]
		}
	}

	d.current = part
	d.parts = append(d.parts, part)
	return nil
}

// AppendToPart implements Delegate.
func (d *DocumentReader) AppendToPart(data []byte) error {
	if d.inDocument {
		d.jsonBuf.Write(data)
		return nil
	}
	if d.current == nil {
		return fmt.Errorf("%w: body data outside a part", ErrParse)
	}
	if _, err := d.current.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write attachment body: %w", err)
	}
	return nil
}

// FinishedPart implements Delegate.
func (d *DocumentReader) FinishedPart() error {
	if d.inDocument {
		d.inDocument = false
		return d.parseDocument()
	}
	if d.current == nil {
		return fmt.Errorf("%w: part ended without starting", ErrParse)
	}
	err := d.current.writer.Finish()
	d.current = nil
	if err != nil {
		return fmt.Errorf("failed to finish attachment body: %w", err)
	}
	return nil
}

func (d *DocumentReader) parseDocument() error {
	var doc map[string]any
	if err := json.Unmarshal(d.jsonBuf.Bytes(), &doc); err != nil {
		return fmt.Errorf("%w: invalid document JSON: %v", ErrParse, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: document body is not an object", ErrParse)
	}
	d.document = doc
	d.docParsed = true
	d.jsonBuf.Reset()
	return nil
}

// Finish completes reading and resolves attachments. On error every blob
// written so far is discarded.
func (d *DocumentReader) Finish() error {
	if d.done {
		return nil
	}
	d.done = true

	if err := d.finish(); err != nil {
		d.cancel()
		return err
	}
	return nil
}

func (d *DocumentReader) finish() error {
	if d.multipart != nil {
		if err := d.multipart.Close(); err != nil {
			return err
		}
	} else if d.isJSON {
		if err := d.parseDocument(); err != nil {
			return err
		}
	}

	if !d.docParsed {
		return fmt.Errorf("%w: no document part", ErrParse)
	}

	return d.registerAttachments()
}

// registerAttachments matches every attachment declared with "follows" to
// exactly one streamed part: by filename, then by declared digest, then by
// position when there is a single attachment and a single part.
func (d *DocumentReader) registerAttachments() error {
	raw, _ := d.document["_attachments"].(map[string]any)

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	byName := make(map[string]*streamedPart)
	byDigest := make(map[string]*streamedPart)
	for _, p := range d.parts {
		if p.filename != "" {
			byName[p.filename] = p
		}
		byDigest[p.writer.SHA1Digest()] = p
		byDigest[p.writer.MD5Digest()] = p
	}

	used := make(map[*streamedPart]bool)
	following := 0

	for _, name := range names {
		meta, ok := raw[name].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: attachment %q metadata is not an object", ErrParse, name)
		}
		if follows, _ := meta["follows"].(bool); !follows {
			continue
		}
		following++

		declared, _ := meta["digest"].(string)

		part := byName[name]
		if part == nil && declared != "" {
			part = byDigest[declared]
		}
		if part == nil && len(raw) == 1 && len(d.parts) == 1 {
			part = d.parts[0]
		}
		if part == nil || used[part] {
			return fmt.Errorf("%w: %q", ErrMissingAttachment, name)
		}

		if declared != "" && declared != part.writer.SHA1Digest() && declared != part.writer.MD5Digest() {
			return fmt.Errorf("%w: %q declared %s, got %s", ErrDigestMismatch, name, declared, part.writer.SHA1Digest())
		}

		lengthKey := "length"
		if _, encoded := meta["encoding"]; encoded {
			lengthKey = "encoded_length"
		}
		if want, ok := asInt64(meta[lengthKey]); ok && want != part.writer.Length() {
			return fmt.Errorf("%w: %q declared %d bytes, got %d", ErrLengthMismatch, name, want, part.writer.Length())
		}

		delete(meta, "follows")
		meta["stub"] = true
		if declared == "" {
			meta["digest"] = part.writer.SHA1Digest()
		}
		if _, ok := meta[lengthKey]; !ok {
			meta[lengthKey] = part.writer.Length()
		}

		used[part] = true
	}

	if len(d.parts) > following {
		return fmt.Errorf("%w: %d parts for %d attachments", ErrUnexpectedPart, len(d.parts), following)
	}

	for _, p := range d.parts {
		if err := p.writer.Install(); err != nil {
			return fmt.Errorf("failed to install attachment blob: %w", err)
		}
	}
	d.attachments = len(d.parts)

	return nil
}

func (d *DocumentReader) cancel() {
	for _, p := range d.parts {
		p.writer.Cancel()
	}
}

// Document returns the parsed document. Valid after a successful Finish.
func (d *DocumentReader) Document() map[string]any {
	return d.document
}

// AttachmentCount returns the number of attachment parts installed.
func (d *DocumentReader) AttachmentCount() int {
	return d.attachments
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
