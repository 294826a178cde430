package multipart

import (
	"bytes"
	"fmt"
	"mime"
	"net/textproto"
	"strings"
)

// maxHeaderBytes bounds a single part's header block.
const maxHeaderBytes = 64 * 1024

var (
	crlf     = []byte("\r\n")
	crlfCRLF = []byte("\r\n\r\n")
	dashDash = []byte("--")
)

// Delegate receives part events from a Reader.
type Delegate interface {
	// StartedPart is called once a part's headers have been parsed.
	StartedPart(headers map[string]string) error
	// AppendToPart is called with body bytes of the current part. The slice
	// is only valid for the duration of the call.
	AppendToPart(data []byte) error
	// FinishedPart is called when the current part's body is complete.
	FinishedPart() error
}

// ReaderState is the position of a Reader within the message.
type ReaderState int

const (
	// StateAtStart means no data has been seen.
	StateAtStart ReaderState = iota
	// StateInPrologue means data before the first boundary is being skipped.
	StateInPrologue
	// StateAfterBoundary means a boundary was found and the rest of its line
	// has not arrived yet.
	StateAfterBoundary
	// StateInHeaders means a part's header block is being read.
	StateInHeaders
	// StateInBody means a part's body is being streamed to the delegate.
	StateInBody
	// StateAtEnd means the closing boundary has been read.
	StateAtEnd
	// StateFailed means a parse error occurred; all further writes fail.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s ReaderState) String() string {
	switch s {
	case StateAtStart:
		return "at_start"
	case StateInPrologue:
		return "in_prologue"
	case StateAfterBoundary:
		return "after_boundary"
	case StateInHeaders:
		return "in_headers"
	case StateInBody:
		return "in_body"
	case StateAtEnd:
		return "at_end"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reader is an incremental multipart parser. It implements io.Writer.
type Reader struct {
	delegate  Delegate
	delimiter []byte
	buf       []byte
	state     ReaderState
	err       error
}

// BoundaryFromContentType extracts the boundary parameter from a multipart
// Content-Type, with or without quotes.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: invalid content type %q: %v", ErrParse, contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: %q is not multipart", ErrParse, mediaType)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary in %q", ErrParse, contentType)
	}
	return boundary, nil
}

// NewReader creates a Reader for a body with the given Content-Type.
func NewReader(contentType string, delegate Delegate) (*Reader, error) {
	boundary, err := BoundaryFromContentType(contentType)
	if err != nil {
		return nil, err
	}
	return NewReaderWithBoundary(boundary, delegate), nil
}

// NewReaderWithBoundary creates a Reader for a known boundary.
func NewReaderWithBoundary(boundary string, delegate Delegate) *Reader {
	return &Reader{
		delegate:  delegate,
		delimiter: []byte("\r\n--" + boundary),
		state:     StateAtStart,
	}
}

// State returns the reader's current state.
func (r *Reader) State() ReaderState {
	return r.state
}

// Finished reports whether the closing boundary has been read.
func (r *Reader) Finished() bool {
	return r.state == StateAtEnd
}

// Write feeds body bytes to the parser. It always consumes all of p unless
// an error is returned.
func (r *Reader) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	if r.state == StateAtEnd {
		if len(bytes.Trim(p, "\r\n")) > 0 {
			return 0, r.fail(fmt.Errorf("%w: data after closing boundary", ErrParse))
		}
		return len(p), nil
	}

	if r.state == StateAtStart {
		// The delimiter includes a leading CRLF; seed one so a boundary on
		// the very first line is found too.
		r.buf = append(r.buf, crlf...)
		r.state = StateInPrologue
	}

	r.buf = append(r.buf, p...)
	if err := r.parse(); err != nil {
		return 0, r.fail(err)
	}
	return len(p), nil
}

// Close verifies the message ended with a closing boundary.
func (r *Reader) Close() error {
	if r.err != nil {
		return r.err
	}
	if r.state != StateAtEnd {
		return r.fail(fmt.Errorf("%w: message truncated in state %s", ErrParse, r.state))
	}
	return nil
}

func (r *Reader) fail(err error) error {
	r.state = StateFailed
	r.err = err
	r.buf = nil
	return err
}

func (r *Reader) parse() error {
	for {
		switch r.state {
		case StateInPrologue, StateInBody:
			found, err := r.scanBody()
			if err != nil || !found {
				return err
			}

		case StateAfterBoundary:
			if len(r.buf) < 2 {
				return nil
			}
			if bytes.HasPrefix(r.buf, dashDash) {
				rest := r.buf[2:]
				r.buf = nil
				r.state = StateAtEnd
				if len(bytes.Trim(rest, "\r\n")) > 0 {
					return fmt.Errorf("%w: data after closing boundary", ErrParse)
				}
				return nil
			}

			eol := bytes.Index(r.buf, crlf)
			if eol < 0 {
				if len(r.buf) > maxHeaderBytes {
					return fmt.Errorf("%w: boundary line too long", ErrParse)
				}
				return nil
			}
			if len(bytes.Trim(r.buf[:eol], " \t")) > 0 {
				return fmt.Errorf("%w: garbage after boundary", ErrParse)
			}
			r.buf = r.buf[eol+2:]
			r.state = StateInHeaders

		case StateInHeaders:
			done, err := r.scanHeaders()
			if err != nil || !done {
				return err
			}

		default:
			return nil
		}
	}
}

// scanBody looks for the next delimiter. Bytes that can no longer be part of
// a delimiter are flushed to the delegate when in a body.
func (r *Reader) scanBody() (bool, error) {
	idx := bytes.Index(r.buf, r.delimiter)
	if idx < 0 {
		keep := len(r.delimiter) - 1
		if len(r.buf) > keep {
			flush := len(r.buf) - keep
			if r.state == StateInBody {
				if err := r.delegate.AppendToPart(r.buf[:flush]); err != nil {
					return false, err
				}
			}
			r.buf = append(r.buf[:0], r.buf[flush:]...)
		}
		return false, nil
	}

	if r.state == StateInBody {
		if idx > 0 {
			if err := r.delegate.AppendToPart(r.buf[:idx]); err != nil {
				return false, err
			}
		}
		if err := r.delegate.FinishedPart(); err != nil {
			return false, err
		}
	}

	r.buf = r.buf[idx+len(r.delimiter):]
	r.state = StateAfterBoundary
	return true, nil
}

func (r *Reader) scanHeaders() (bool, error) {
	var block []byte

	if bytes.HasPrefix(r.buf, crlf) {
		r.buf = r.buf[2:]
	} else {
		end := bytes.Index(r.buf, crlfCRLF)
		if end < 0 {
			if len(r.buf) > maxHeaderBytes {
				return false, fmt.Errorf("%w: header block too long", ErrParse)
			}
			return false, nil
		}
		block = r.buf[:end]
		r.buf = r.buf[end+4:]
	}

	headers, err := parseHeaders(block)
	if err != nil {
		return false, err
	}

	r.state = StateInBody
	if err := r.delegate.StartedPart(headers); err != nil {
		return false, err
	}
	return true, nil
}

// parseHeaders parses "Key: value" lines. Folded continuation lines are
// joined onto the previous header.
func parseHeaders(block []byte) (map[string]string, error) {
	headers := make(map[string]string)
	if len(block) == 0 {
		return headers, nil
	}

	var last string
	for _, line := range strings.Split(string(block), "\r\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			headers[last] += " " + strings.TrimSpace(line)
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrParse, line)
		}

		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		headers[key] = strings.TrimSpace(line[colon+1:])
		last = key
	}
	return headers, nil
}
