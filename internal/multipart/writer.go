package multipart

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
)

// Writer assembles a multipart body from a sequence of parts. Part bodies
// are streamed, so a Writer's Reader can only be consumed once.
type Writer struct {
	subtype  string
	boundary string
	parts    []writerPart
}

type writerPart struct {
	header []byte
	body   io.Reader
	length int64
}

// NewWriter creates a Writer for "multipart/<subtype>" with a random
// boundary.
func NewWriter(subtype string) *Writer {
	return &Writer{
		subtype:  subtype,
		boundary: randomBoundary(),
	}
}

func randomBoundary() string {
	var buf [24]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic(fmt.Sprintf("failed to generate multipart boundary: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

// SetBoundary overrides the boundary. It must be called before any part is
// added.
func (w *Writer) SetBoundary(boundary string) error {
	if len(w.parts) > 0 {
		return fmt.Errorf("cannot change boundary after parts were added")
	}
	if boundary == "" || len(boundary) > 70 || strings.ContainsAny(boundary, "\r\n") {
		return fmt.Errorf("invalid boundary %q", boundary)
	}
	w.boundary = boundary
	return nil
}

// Boundary returns the boundary string.
func (w *Writer) Boundary() string {
	return w.boundary
}

// ContentType returns the Content-Type header value for the body.
func (w *Writer) ContentType() string {
	return mime.FormatMediaType("multipart/"+w.subtype, map[string]string{"boundary": w.boundary})
}

// PartCount returns the number of parts added so far.
func (w *Writer) PartCount() int {
	return len(w.parts)
}

// AddPart appends a part. length is the body length in bytes, or -1 if it
// is unknown (which makes Length return -1 too).
func (w *Writer) AddPart(headers map[string]string, body io.Reader, length int64) {
	var hdr bytes.Buffer
	if len(w.parts) == 0 {
		fmt.Fprintf(&hdr, "--%s\r\n", w.boundary)
	} else {
		fmt.Fprintf(&hdr, "\r\n--%s\r\n", w.boundary)
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&hdr, "%s: %s\r\n", k, headers[k])
	}
	hdr.WriteString("\r\n")

	w.parts = append(w.parts, writerPart{
		header: hdr.Bytes(),
		body:   body,
		length: length,
	})
}

// AddBytes appends a part with an in-memory body.
func (w *Writer) AddBytes(headers map[string]string, data []byte) {
	w.AddPart(headers, bytes.NewReader(data), int64(len(data)))
}

// AddJSON appends an application/json part holding v.
func (w *Writer) AddJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON part: %w", err)
	}
	w.AddBytes(map[string]string{"Content-Type": "application/json"}, data)
	return nil
}

// AddAttachment appends an attachment part named by a Content-Disposition
// filename, the form DocumentReader matches by name.
func (w *Writer) AddAttachment(name, contentType string, body io.Reader, length int64) {
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	w.AddPart(headers, body, length)
}

func (w *Writer) trailer() []byte {
	if len(w.parts) == 0 {
		return []byte("--" + w.boundary + "--")
	}
	return []byte("\r\n--" + w.boundary + "--")
}

// Length returns the total body length, or -1 if any part length is unknown.
func (w *Writer) Length() int64 {
	total := int64(len(w.trailer()))
	for _, p := range w.parts {
		if p.length < 0 {
			return -1
		}
		total += int64(len(p.header)) + p.length
	}
	return total
}

// Reader returns the serialized body.
func (w *Writer) Reader() io.Reader {
	readers := make([]io.Reader, 0, 2*len(w.parts)+1)
	for _, p := range w.parts {
		readers = append(readers, bytes.NewReader(p.header), p.body)
	}
	readers = append(readers, bytes.NewReader(w.trailer()))
	return io.MultiReader(readers...)
}

// WriteTo writes the serialized body to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	return io.Copy(dst, w.Reader())
}
