package remotetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/store"
)

const defaultHeartbeat = 60 * time.Second

type feedRequest struct {
	feed        string
	since       int64
	limit       int
	heartbeat   time.Duration
	allDocs     bool
	includeDocs bool
	filter      func(*revision.Revision) bool
}

// feedParams merges query parameters with a JSON options object, the form
// used by POST bodies and websocket handshakes.
func feedParams(query url.Values, body map[string]any) url.Values {
	params := url.Values{}
	for k, v := range query {
		params[k] = slices.Clone(v)
	}
	for k, v := range body {
		switch v := v.(type) {
		case string:
			params.Set(k, v)
		case bool:
			params.Set(k, strconv.FormatBool(v))
		case float64:
			params.Set(k, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			data, _ := json.Marshal(v)
			params.Set(k, string(data))
		}
	}
	return params
}

func (s *Server) parseFeedRequest(params url.Values) (*feedRequest, error) {
	req := &feedRequest{
		feed:        params.Get("feed"),
		heartbeat:   defaultHeartbeat,
		allDocs:     params.Get("style") == "all_docs",
		includeDocs: params.Get("include_docs") == "true",
	}
	if req.feed == "" {
		req.feed = "normal"
	}
	if v := params.Get("since"); v != "" && v != "0" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid since %q", v)
		}
		req.since = n
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		req.limit = n
	}
	if v := params.Get("heartbeat"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid heartbeat %q", v)
		}
		req.heartbeat = time.Duration(ms) * time.Millisecond
	}

	switch name := params.Get("filter"); name {
	case "":
	case "_doc_ids":
		var ids []string
		if err := json.Unmarshal([]byte(params.Get("doc_ids")), &ids); err != nil {
			return nil, fmt.Errorf("invalid doc_ids: %v", err)
		}
		req.filter = func(rev *revision.Revision) bool {
			return slices.Contains(ids, rev.DocID)
		}
	case "sync_gateway/bychannel":
		channels := strings.Split(params.Get("channels"), ",")
		req.filter = func(rev *revision.Revision) bool {
			docChannels, _ := rev.Properties["channels"].([]any)
			for _, c := range docChannels {
				if name, ok := c.(string); ok && slices.Contains(channels, name) {
					return true
				}
			}
			return false
		}
	default:
		fn, ok := s.cfg.Filters[name]
		if !ok {
			return nil, fmt.Errorf("missing filter %q", name)
		}
		req.filter = func(rev *revision.Revision) bool {
			return fn(rev.Properties, params)
		}
	}

	return req, nil
}

// results returns feed entries after req.since and the seq to report as
// last_seq.
func (s *Server) results(ctx context.Context, req *feedRequest) ([]map[string]any, int64, error) {
	revs, err := s.store.ChangesSince(ctx, req.since, store.ChangesOptions{
		Limit:            req.limit,
		IncludeConflicts: req.allDocs,
		IncludeDocs:      req.includeDocs,
		Filter:           req.filter,
	})
	if err != nil {
		return nil, 0, err
	}

	entries := make([]map[string]any, 0, len(revs))
	lastSeq := req.since
	for _, rev := range revs {
		entry := map[string]any{
			"seq":     rev.Sequence,
			"id":      rev.DocID,
			"changes": []map[string]string{{"rev": rev.RevID}},
		}
		if rev.Deleted {
			entry["deleted"] = true
		}
		if req.includeDocs {
			entry["doc"] = rev.Properties
		}
		entries = append(entries, entry)
		lastSeq = rev.Sequence
	}

	if len(entries) == 0 && req.limit == 0 && req.filter != nil {
		// Skip past changes the filter rejected.
		if seq, err := s.store.LastSequence(ctx); err == nil && seq > lastSeq {
			lastSeq = seq
		}
	}
	return entries, lastSeq, nil
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	} else if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
		return
	}

	params := feedParams(r.URL.Query(), body)
	if params.Get("feed") == "websocket" {
		s.serveWebSocketFeed(w, r)
		return
	}

	req, err := s.parseFeedRequest(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	switch req.feed {
	case "normal":
		s.serveNormalFeed(w, r, req, false)
	case "longpoll":
		s.serveNormalFeed(w, r, req, true)
	case "continuous":
		s.serveContinuousFeed(w, r, req)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unsupported feed "+req.feed)
	}
}

func (s *Server) serveNormalFeed(w http.ResponseWriter, r *http.Request, req *feedRequest, wait bool) {
	ctx := r.Context()
	timeout := time.NewTimer(req.heartbeat)
	defer timeout.Stop()

	for {
		wake := s.waiter()
		entries, lastSeq, err := s.results(ctx, req)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		if len(entries) > 0 || !wait {
			writeJSON(w, http.StatusOK, map[string]any{"results": entries, "last_seq": lastSeq})
			return
		}

		select {
		case <-wake:
		case <-timeout.C:
			writeJSON(w, http.StatusOK, map[string]any{"results": entries, "last_seq": lastSeq})
			return
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Server) serveContinuousFeed(w http.ResponseWriter, r *http.Request, req *feedRequest) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(req.heartbeat)
	defer ticker.Stop()

	enc := json.NewEncoder(w)
	for {
		wake := s.waiter()
		entries, lastSeq, err := s.results(ctx, req)
		if err != nil {
			return
		}
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return
			}
		}
		req.since = lastSeq
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-wake:
		case <-ticker.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// serveWebSocketFeed accepts the connection, reads the options message and
// streams batches until the client goes away. An empty batch marks the end
// of the backlog.
func (s *Server) serveWebSocketFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("Websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	_, msg, err := conn.Read(r.Context())
	if err != nil {
		return
	}
	var opts map[string]any
	if err := json.Unmarshal(msg, &opts); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "invalid options")
		return
	}
	req, err := s.parseFeedRequest(feedParams(nil, opts))
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// Further client messages are not expected; CloseRead cancels ctx when
	// the client disconnects.
	ctx := conn.CloseRead(context.Background())
	caughtUp := false

	for {
		wake := s.waiter()
		entries, lastSeq, err := s.results(ctx, req)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "changes query failed")
			return
		}
		req.since = lastSeq

		if len(entries) > 0 || !caughtUp {
			if err := s.writeBatch(ctx, conn, entries); err != nil {
				return
			}
			if len(entries) == 0 {
				caughtUp = true
			}
			if len(entries) > 0 {
				continue
			}
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		case <-s.closed:
			conn.Close(websocket.StatusGoingAway, "server closing")
			return
		}
	}
}

func (s *Server) writeBatch(ctx context.Context, conn *websocket.Conn, entries []map[string]any) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if !s.cfg.GzipWebSocket {
		return conn.Write(ctx, websocket.MessageText, data)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, buf.Bytes())
}
