package remotetest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/multipart"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/revision"
	"github.com/steveyegge/docsync/internal/store"
)

func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
		return
	}

	var req map[string][]string
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	missing, err := s.store.FindMissingRevisions(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := make(map[string]remote.RevsDiffResult, len(missing))
	for docID, revIDs := range missing {
		result := remote.RevsDiffResult{Missing: revIDs}
		newest := revIDs[0]
		for _, id := range revIDs[1:] {
			if revision.Compare(id, newest) > 0 {
				newest = id
			}
		}
		ancestors, err := s.store.GetPossibleAncestors(r.Context(), docID, newest, 0, true)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		result.PossibleAncestors = ancestors
		resp[docID] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

type bulkDocsRequest struct {
	Docs     []map[string]any `json:"docs"`
	NewEdits *bool            `json:"new_edits"`
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
		return
	}

	var req bulkDocsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	results := make([]remote.BulkDocsResult, len(req.Docs))
	if req.NewEdits == nil || *req.NewEdits {
		for i, doc := range req.Docs {
			results[i] = s.putLocalEdit(r, doc)
		}
		writeJSON(w, http.StatusCreated, results)
		return
	}

	var inserts []store.Insert
	var slots []int
	for i, doc := range req.Docs {
		rev, history, err := replicatedRevision(doc)
		results[i] = remote.BulkDocsResult{ID: rev.DocID}
		if err != nil {
			results[i].Error = "bad_request"
			results[i].Reason = err.Error()
			continue
		}
		inserts = append(inserts, store.Insert{Revision: rev, History: history})
		slots = append(slots, i)
	}

	errs, err := s.store.ForceInsertBatch(r.Context(), inserts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	for j, i := range slots {
		results[i].Rev = inserts[j].Revision.RevID
		if errs[j] != nil {
			status := store.StatusCode(errs[j])
			results[i].Error = errorName(status)
			results[i].Reason = errs[j].Error()
			continue
		}
		results[i].OK = true
	}
	writeJSON(w, http.StatusCreated, results)
}

func (s *Server) putLocalEdit(r *http.Request, doc map[string]any) remote.BulkDocsResult {
	docID, _ := doc[revision.KeyID].(string)
	prev, _ := doc[revision.KeyRev].(string)
	deleted, _ := doc[revision.KeyDeleted].(bool)

	rev, err := s.store.PutRevision(r.Context(), docID, prev, doc, deleted)
	if err != nil {
		status := store.StatusCode(err)
		return remote.BulkDocsResult{ID: docID, Error: errorName(status), Reason: err.Error(), Status: status}
	}
	return remote.BulkDocsResult{ID: docID, Rev: rev.RevID, OK: true}
}

// replicatedRevision reads the revision and its history from a document
// body sent with new_edits=false.
func replicatedRevision(doc map[string]any) (*revision.Revision, []string, error) {
	rev, err := revision.FromProperties(doc)
	if err != nil {
		docID, _ := doc[revision.KeyID].(string)
		return &revision.Revision{DocID: docID}, nil, err
	}
	history, err := revision.ParseHistory(doc)
	if err != nil {
		return rev, nil, err
	}
	return rev, history, nil
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, docID string) {
	switch r.Method {
	case http.MethodGet:
		s.getDocument(w, r, docID)
	case http.MethodPut:
		s.putDocument(w, r, docID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request, docID string) {
	ctx := r.Context()
	q := r.URL.Query()

	rev, err := s.store.GetRevision(ctx, docID, q.Get("rev"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rev = rev.Copy()
	body := rev.Properties

	if q.Get("revs") == "true" {
		history, err := s.store.LoadRevisionHistory(ctx, docID, rev.RevID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		body[revision.KeyRevisions] = revision.EncodeHistory(history)
	}

	atts := rev.Attachments()
	if q.Get("attachments") != "true" || len(atts) == 0 {
		writeJSON(w, http.StatusOK, body)
		return
	}

	// Attachments added after the newest revision the client already has
	// are sent in full; older ones stay stubs.
	knownGen := 0
	if raw := q.Get("atts_since"); raw != "" {
		var since []string
		if err := json.Unmarshal([]byte(raw), &since); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid atts_since")
			return
		}
		for _, id := range since {
			if g := revision.Generation(id); g > knownGen && g < rev.Generation() {
				knownGen = g
			}
		}
	}

	names := make([]string, 0, len(atts))
	for name, meta := range atts {
		if revpos(meta) > knownGen {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	useMultipart := strings.Contains(r.Header.Get("Accept"), "multipart/")
	for _, name := range names {
		meta := atts[name]
		delete(meta, "stub")
		if useMultipart {
			meta["follows"] = true
			continue
		}

		digest, _ := meta["digest"].(string)
		data, err := s.store.Blobs().Get(digest)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		meta["data"] = base64.StdEncoding.EncodeToString(data)
	}
	rev.SetAttachments(atts)

	if !useMultipart || len(names) == 0 {
		writeJSON(w, http.StatusOK, body)
		return
	}

	mw := multipart.NewWriter("related")
	if err := mw.AddJSON(body); err != nil {
		writeError(w, http.StatusInternalServerError, "unknown_error", err.Error())
		return
	}
	for _, name := range names {
		meta := atts[name]
		digest, _ := meta["digest"].(string)
		contentType, _ := meta["content_type"].(string)

		f, size, err := s.store.Blobs().Open(digest)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		defer f.Close()
		mw.AddAttachment(name, contentType, f, size)
	}

	w.Header().Set("Content-Type", mw.ContentType())
	if n := mw.Length(); n >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := mw.WriteTo(w); err != nil {
		s.logger.Printf("Failed to write %s: %v", rev, err)
	}
}

func revpos(meta map[string]any) int {
	switch n := meta["revpos"].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request, docID string) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	s.mu.Lock()
	reject := s.rejectMultipart
	s.mu.Unlock()
	if reject && strings.HasPrefix(mediaType, "multipart/") {
		writeError(w, http.StatusUnsupportedMediaType, "bad_content_type", "multipart bodies are not accepted")
		return
	}

	doc, err := multipart.ReadDocument(contentType, r.Body, s.store.Blobs())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if id, _ := doc[revision.KeyID].(string); id == "" {
		doc[revision.KeyID] = docID
	} else if id != docID {
		writeError(w, http.StatusBadRequest, "bad_request", "document ID does not match URL")
		return
	}

	if r.URL.Query().Get("new_edits") != "false" {
		result := s.putLocalEdit(r, doc)
		if !result.OK {
			writeError(w, result.StatusCode(), result.Error, result.Reason)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	rev, history, err := replicatedRevision(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.store.ForceInsert(r.Context(), rev, history, ""); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.BulkDocsResult{ID: docID, Rev: rev.RevID, OK: true})
}

func (s *Server) handleLocal(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	key := "_local/" + id

	raw, ok, err := s.store.GetCheckpoint(ctx, key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var current map[string]any
	if ok {
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			writeError(w, http.StatusInternalServerError, "unknown_error", err.Error())
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "missing")
			return
		}
		writeJSON(w, http.StatusOK, current)

	case http.MethodPut:
		var doc map[string]any
		if err := decodeBody(r, &doc); err != nil || doc == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		have, _ := current[revision.KeyRev].(string)
		sent, _ := doc[revision.KeyRev].(string)
		if have != sent {
			writeError(w, http.StatusConflict, "conflict", "document update conflict")
			return
		}

		newRev := fmt.Sprintf("0-%d", localRevNumber(have)+1)
		doc[revision.KeyID] = key
		doc[revision.KeyRev] = newRev

		data, err := json.Marshal(doc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if err := s.store.SetCheckpoint(ctx, key, string(data)); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, remote.BulkDocsResult{ID: key, Rev: newRev, OK: true})

	case http.MethodDelete:
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "missing")
			return
		}
		if err := s.store.DeleteCheckpoint(ctx, key); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}


// localRevNumber returns N from a "0-N" _local revision, or 0.
func localRevNumber(rev string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(rev, "0-"))
	if err != nil || !strings.HasPrefix(rev, "0-") {
		return 0
	}
	return n
}

// LocalDocument returns a stored _local document, for assertions.
func (s *Server) LocalDocument(id string) (map[string]any, error) {
	raw, ok, err := s.store.GetCheckpoint(context.Background(), "_local/"+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("local document %s: %w", id, store.ErrNotFound)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
