package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Filter names with built-in meaning.
const (
	DocIDsFilter  = "_doc_ids"
	ChannelFilter = "sync_gateway/bychannel"
)

// filterOptions resolves DocIDs and Channels into a filter name and its
// parameters.
func (t *Tracker) filterOptions() (string, map[string]string) {
	switch {
	case len(t.cfg.DocIDs) > 0:
		return DocIDsFilter, nil
	case len(t.cfg.Channels) > 0:
		return ChannelFilter, map[string]string{"channels": strings.Join(t.cfg.Channels, ",")}
	default:
		return t.cfg.Filter, t.cfg.FilterParams
	}
}

// feedOptions returns the feed options as a JSON object, the form used for
// POST bodies and the websocket handshake message.
func (t *Tracker) feedOptions(feed string) map[string]any {
	opts := map[string]any{
		"feed":  feed,
		"style": "all_docs",
	}
	if feed != "normal" {
		opts["heartbeat"] = t.currentHeartbeat().Milliseconds()
	}
	if since := t.LastSequence(); since != "" {
		opts["since"] = sinceValue(since)
	}
	if feed == "normal" && t.cfg.Limit > 0 {
		opts["limit"] = t.cfg.Limit
	}
	if t.cfg.IncludeDocs {
		opts["include_docs"] = true
	}

	filter, params := t.filterOptions()
	if filter != "" {
		opts["filter"] = filter
	}
	for k, v := range params {
		opts[k] = v
	}
	if len(t.cfg.DocIDs) > 0 {
		opts["doc_ids"] = t.cfg.DocIDs
	}
	return opts
}

// feedQuery returns the feed options as query parameters.
func (t *Tracker) feedQuery(feed string) url.Values {
	q := url.Values{}
	q.Set("feed", feed)
	q.Set("style", "all_docs")
	if feed != "normal" {
		q.Set("heartbeat", strconv.FormatInt(t.currentHeartbeat().Milliseconds(), 10))
	}
	if since := t.LastSequence(); since != "" {
		q.Set("since", since)
	}
	if feed == "normal" && t.cfg.Limit > 0 {
		q.Set("limit", strconv.Itoa(t.cfg.Limit))
	}
	if t.cfg.IncludeDocs {
		q.Set("include_docs", "true")
	}

	filter, params := t.filterOptions()
	if filter != "" {
		q.Set("filter", filter)
	}
	for k, v := range params {
		q.Set(k, v)
	}
	if len(t.cfg.DocIDs) > 0 {
		ids, _ := json.Marshal(t.cfg.DocIDs)
		q.Set("doc_ids", string(ids))
	}
	return q
}

// sinceValue keeps numeric sequences numeric in JSON bodies.
func sinceValue(since string) any {
	if n, err := strconv.ParseInt(since, 10, 64); err == nil {
		return n
	}
	return since
}

func (t *Tracker) usePOST() bool {
	return t.cfg.UsePOST || len(t.cfg.DocIDs) > 0
}

func (t *Tracker) request(ctx context.Context, feed string) (*http.Response, error) {
	var req *http.Request
	var err error

	if t.usePOST() {
		body, merr := json.Marshal(t.feedOptions(feed))
		if merr != nil {
			return nil, fmt.Errorf("failed to marshal feed options: %w", merr)
		}
		req, err = t.cfg.Remote.NewRequest(ctx, http.MethodPost, "_changes", nil, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = t.cfg.Remote.NewRequest(ctx, http.MethodGet, "_changes", t.feedQuery(feed), nil)
	}
	if err != nil {
		return nil, err
	}

	return t.cfg.Remote.Do(req)
}

// pollNormal makes a feed=normal request. done is false when a limit was
// hit and more entries may be waiting.
func (t *Tracker) pollNormal(ctx context.Context, events chan<- event) (bool, error) {
	resp, err := t.request(ctx, "normal")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	count, err := t.parseResults(ctx, resp.Body, events)
	if err != nil {
		if errors.Is(err, errProxyIdle) {
			// A normal feed answers immediately; an empty body is broken.
			return false, fmt.Errorf("%w: empty response", ErrBadJSON)
		}
		return false, err
	}
	return t.cfg.Limit <= 0 || count < t.cfg.Limit, nil
}

func (t *Tracker) pollLongPoll(ctx context.Context, events chan<- event) error {
	resp, err := t.request(ctx, "longpoll")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = t.parseResults(ctx, resp.Body, events)
	return err
}

// countingReader records how much was read and the first non-EOF error.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}

// parseResults incrementally decodes a {"results": [...], "last_seq": ...}
// response, dispatching each entry as soon as it is decoded.
func (t *Tracker) parseResults(ctx context.Context, body io.Reader, events chan<- event) (int, error) {
	cr := &countingReader{r: body}
	dec := json.NewDecoder(cr)

	tok, err := dec.Token()
	if err != nil {
		if cr.err != nil {
			return 0, cr.err
		}
		if errors.Is(err, io.EOF) {
			return 0, errProxyIdle
		}
		return 0, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, fmt.Errorf("%w: expected object, got %v", ErrBadJSON, tok)
	}

	count := 0
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return count, t.parseError(ctx, cr, err)
		}
		key, _ := tok.(string)

		switch key {
		case "results":
			tok, err := dec.Token()
			if err != nil {
				return count, t.parseError(ctx, cr, err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return count, fmt.Errorf("%w: results is not an array", ErrBadJSON)
			}
			for dec.More() {
				var e Entry
				if err := dec.Decode(&e); err != nil {
					return count, t.parseError(ctx, cr, err)
				}
				if !t.emitEntry(ctx, events, &e) {
					return count, ctx.Err()
				}
				count++
			}
			if _, err := dec.Token(); err != nil {
				return count, t.parseError(ctx, cr, err)
			}

		case "last_seq":
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return count, t.parseError(ctx, cr, err)
			}
			if seq := seqString(raw); seq != "" && count == 0 {
				// Nothing dispatched; still skip past filtered-out changes.
				t.mu.Lock()
				t.lastSeq = seq
				t.mu.Unlock()
			}

		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return count, t.parseError(ctx, cr, err)
			}
		}
	}

	if _, err := dec.Token(); err != nil {
		return count, t.parseError(ctx, cr, err)
	}
	return count, nil
}

// parseError maps a decoder failure onto a network error, a truncated
// response, or malformed JSON.
func (t *Tracker) parseError(ctx context.Context, cr *countingReader, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cr.err != nil {
		return cr.err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %v", ErrBadJSON, err)
}

type continuousLine struct {
	Entry
	LastSeq json.RawMessage `json:"last_seq"`
}

// streamContinuous reads a feed=continuous response until the server ends
// it. A clean end returns nil so the loop reconnects.
func (t *Tracker) streamContinuous(ctx context.Context, events chan<- event) error {
	resp, err := t.request(ctx, "continuous")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	cr := &countingReader{r: resp.Body}
	dec := json.NewDecoder(cr)
	lines := 0

	for {
		var line continuousLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) && cr.err == nil {
				if lines == 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return t.parseError(ctx, cr, err)
		}
		lines++

		if line.ID == "" && len(line.LastSeq) > 0 {
			if seq := seqString(line.LastSeq); seq != "" {
				t.mu.Lock()
				t.lastSeq = seq
				t.mu.Unlock()
			}
			return nil
		}

		if !t.emitEntry(ctx, events, &line.Entry) {
			return ctx.Err()
		}
	}
}
