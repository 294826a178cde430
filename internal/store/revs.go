package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/steveyegge/docsync/internal/revision"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Insert is one replicated revision for ForceInsertBatch.
type Insert struct {
	Revision *revision.Revision

	// History is the newest-first ancestry, starting with Revision.RevID.
	// Empty means the revision has no known ancestors.
	History []string

	// Source is the remote URL the revision came from.
	Source string
}

type revNode struct {
	revID   string
	parent  string
	deleted bool
	current bool
	hasBody bool
}

// PutRevision stores a local edit of docID on top of prevRevID and returns
// the new revision. prevRevID must be a current leaf, or empty to create the
// document (or recreate it after deletion).
func (s *Store) PutRevision(ctx context.Context, docID, prevRevID string, props map[string]any, deleted bool) (*revision.Revision, error) {
	if !revision.IsValidDocID(docID) {
		return nil, fmt.Errorf("%w: %w %q", ErrBadRequest, revision.ErrInvalidDocID, docID)
	}

	var result *revision.Revision
	err := s.withWriteTx(ctx, func(tx *sql.Tx) ([]Change, error) {
		nodes, err := loadTree(ctx, tx, docID)
		if err != nil {
			return nil, err
		}

		parent := prevRevID
		if parent == "" {
			if w := winner(nodes); w != nil {
				if !w.deleted {
					return nil, fmt.Errorf("%w: %s already exists", ErrConflict, docID)
				}
				parent = w.revID
			}
		} else if n, ok := nodes[parent]; !ok || !n.current {
			return nil, fmt.Errorf("%w: %s is not a current revision of %s", ErrConflict, parent, docID)
		}
		if deleted && (parent == "" || nodes[parent].deleted) {
			return nil, fmt.Errorf("document %s: %w", docID, ErrNotFound)
		}

		body := storedBody(props)
		gen := revision.Generation(parent) + 1
		if err := s.prepareAttachments(ctx, tx, docID, parent, gen, body); err != nil {
			return nil, err
		}

		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal body: %v", ErrBadRequest, err)
		}

		rev := &revision.Revision{
			DocID:      docID,
			RevID:      revision.GenerateRevID(parent, deleted, data),
			Deleted:    deleted,
			Properties: body,
		}

		if err := s.validate(ctx, tx, rev, parent); err != nil {
			return nil, err
		}

		seq, err := insertRev(ctx, tx, rev, parent, true, data, "")
		if err != nil {
			return nil, err
		}
		if parent != "" {
			if err := clearCurrent(ctx, tx, docID, parent); err != nil {
				return nil, err
			}
		}

		rev.Sequence = seq
		withIdentity(rev)
		result = rev
		return []Change{{Revision: rev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ForceInsert stores a replicated revision with its ancestry. Inserting a
// revision the store already has is a no-op.
func (s *Store) ForceInsert(ctx context.Context, rev *revision.Revision, history []string, source string) error {
	errs, err := s.ForceInsertBatch(ctx, []Insert{{Revision: rev, History: history, Source: source}})
	if err != nil {
		return err
	}
	return errs[0]
}

// ForceInsertBatch stores several replicated revisions in one transaction.
// A failing revision is rolled back on its own and reported at its index in
// the returned slice; the rest are still committed. The second return value
// is non-nil only if the transaction itself failed.
func (s *Store) ForceInsertBatch(ctx context.Context, inserts []Insert) ([]error, error) {
	errs := make([]error, len(inserts))

	err := s.withWriteTx(ctx, func(tx *sql.Tx) ([]Change, error) {
		var changes []Change

		for i, ins := range inserts {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT force_insert"); err != nil {
				return nil, fmt.Errorf("failed to create savepoint: %w", err)
			}

			rev, err := s.forceInsert(ctx, tx, ins)
			if err != nil {
				errs[i] = err
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO force_insert"); rbErr != nil {
					return nil, fmt.Errorf("failed to roll back savepoint: %w", rbErr)
				}
			} else if rev != nil {
				changes = append(changes, Change{Revision: rev, Source: ins.Source})
			}

			if _, err := tx.ExecContext(ctx, "RELEASE force_insert"); err != nil {
				return nil, fmt.Errorf("failed to release savepoint: %w", err)
			}
		}

		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	return errs, nil
}

// forceInsert returns the stored revision, or nil if nothing new was added.
func (s *Store) forceInsert(ctx context.Context, tx *sql.Tx, ins Insert) (*revision.Revision, error) {
	in := ins.Revision
	if in == nil {
		return nil, fmt.Errorf("%w: nil revision", ErrBadRequest)
	}
	if !revision.IsValidDocID(in.DocID) {
		return nil, fmt.Errorf("%w: %w %q", ErrBadRequest, revision.ErrInvalidDocID, in.DocID)
	}
	gen, _, err := revision.ParseRevID(in.RevID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	history := ins.History
	if len(history) == 0 {
		history = []string{in.RevID}
	}
	if history[0] != in.RevID {
		return nil, fmt.Errorf("%w: history of %s starts with %s", ErrBadRequest, in, history[0])
	}

	nodes, err := loadTree(ctx, tx, in.DocID)
	if err != nil {
		return nil, err
	}

	existing, known := nodes[in.RevID]
	if known && existing.hasBody {
		return nil, nil
	}

	parent := ""
	if len(history) > 1 {
		parent = history[1]
	}

	body := storedBody(in.Properties)
	if err := s.prepareAttachments(ctx, tx, in.DocID, parent, gen, body); err != nil {
		return nil, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal body: %v", ErrBadRequest, err)
	}

	rev := &revision.Revision{
		DocID:      in.DocID,
		RevID:      in.RevID,
		Deleted:    in.Deleted,
		Properties: body,
	}
	if err := s.validate(ctx, tx, rev, parent); err != nil {
		return nil, err
	}

	if known {
		// Fill in the body of an ancestor stub; it is not a leaf.
		_, err := tx.ExecContext(ctx,
			`UPDATE revs SET json = ?, deleted = ?, origin = ? WHERE doc_id = ? AND rev_id = ?`,
			string(data), rev.Deleted, nullString(ins.Source), rev.DocID, rev.RevID)
		if err != nil {
			return nil, fmt.Errorf("failed to fill revision %s: %w", rev, err)
		}
		return nil, nil
	}

	// Insert unknown ancestors oldest first so parents precede children.
	for i := len(history) - 1; i >= 1; i-- {
		if _, ok := nodes[history[i]]; ok {
			continue
		}
		if _, _, err := revision.ParseRevID(history[i]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}

		ancestorParent := ""
		if i+1 < len(history) {
			ancestorParent = history[i+1]
		}
		stub := &revision.Revision{DocID: rev.DocID, RevID: history[i]}
		if _, err := insertRev(ctx, tx, stub, ancestorParent, false, nil, ins.Source); err != nil {
			return nil, err
		}
	}

	for _, ancestor := range history[1:] {
		if n, ok := nodes[ancestor]; ok && n.current {
			if err := clearCurrent(ctx, tx, rev.DocID, ancestor); err != nil {
				return nil, err
			}
		}
	}

	seq, err := insertRev(ctx, tx, rev, parent, true, data, ins.Source)
	if err != nil {
		return nil, err
	}

	rev.Sequence = seq
	withIdentity(rev)
	return rev, nil
}

func (s *Store) validate(ctx context.Context, q querier, rev *revision.Revision, parentRevID string) error {
	if s.validator == nil {
		return nil
	}

	var parent *revision.Revision
	if parentRevID != "" {
		p, err := getRevision(ctx, q, rev.DocID, parentRevID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		parent = p
	}

	candidate := rev.Copy()
	withIdentity(candidate)
	if err := s.validator(candidate, parent); err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return nil
}

func insertRev(ctx context.Context, tx *sql.Tx, rev *revision.Revision, parent string, current bool, body []byte, origin string) (int64, error) {
	var jsonBody any
	if body != nil {
		jsonBody = string(body)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO revs (doc_id, rev_id, parent_rev, generation, current, deleted, json, origin)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rev.DocID,
		rev.RevID,
		nullString(parent),
		revision.Generation(rev.RevID),
		current,
		rev.Deleted,
		jsonBody,
		nullString(origin),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert revision %s: %w", rev, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence of %s: %w", rev, err)
	}
	return seq, nil
}

func clearCurrent(ctx context.Context, tx *sql.Tx, docID, revID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE revs SET current = 0 WHERE doc_id = ? AND rev_id = ?`, docID, revID)
	if err != nil {
		return fmt.Errorf("failed to update leaf %s/%s: %w", docID, revID, err)
	}
	return nil
}

func loadTree(ctx context.Context, q querier, docID string) (map[string]*revNode, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT rev_id, parent_rev, deleted, current, json IS NOT NULL
	FROM revs WHERE doc_id = ?
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load revisions of %s: %w", docID, err)
	}
	defer rows.Close()

	nodes := make(map[string]*revNode)
	for rows.Next() {
		var n revNode
		var parent sql.NullString
		if err := rows.Scan(&n.revID, &parent, &n.deleted, &n.current, &n.hasBody); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		n.parent = parent.String
		nodes[n.revID] = &n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load revisions of %s: %w", docID, err)
	}
	return nodes, nil
}

// winner picks the winning leaf: non-deleted first, then the highest
// revision ID.
func winner(nodes map[string]*revNode) *revNode {
	var best *revNode
	for _, n := range nodes {
		if !n.current {
			continue
		}
		if best == nil || betterLeaf(n.revID, n.deleted, best.revID, best.deleted) {
			best = n
		}
	}
	return best
}

func betterLeaf(revID string, deleted bool, thanRevID string, thanDeleted bool) bool {
	if deleted != thanDeleted {
		return !deleted
	}
	return revision.Compare(revID, thanRevID) > 0
}

// FindMissingRevisions returns the subset of revs (document ID to revision
// IDs) whose bodies are not stored locally.
func (s *Store) FindMissingRevisions(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	missing := make(map[string][]string)

	for docID, revIDs := range revs {
		nodes, err := loadTree(ctx, s.conn, docID)
		if err != nil {
			return nil, err
		}
		for _, revID := range revIDs {
			if n, ok := nodes[revID]; !ok || !n.hasBody {
				missing[docID] = append(missing[docID], revID)
			}
		}
	}
	return missing, nil
}

// GetPossibleAncestors returns stored revision IDs of docID with a lower
// generation than revID, newest first. limit <= 0 means no limit.
func (s *Store) GetPossibleAncestors(ctx context.Context, docID, revID string, limit int, onlyCurrent bool) ([]string, error) {
	query := `
	SELECT rev_id FROM revs
	WHERE doc_id = ? AND generation < ? AND json IS NOT NULL`
	args := []any{docID, revision.Generation(revID)}
	if onlyCurrent {
		query += ` AND current = 1`
	}
	query += ` ORDER BY generation DESC, rev_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors of %s/%s: %w", docID, revID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetAllRevisionsOfDocumentID lists the revisions of docID without bodies,
// ordered by sequence.
func (s *Store) GetAllRevisionsOfDocumentID(ctx context.Context, docID string, onlyCurrent bool) (revision.List, error) {
	query := `SELECT sequence, rev_id, deleted FROM revs WHERE doc_id = ?`
	if onlyCurrent {
		query += ` AND current = 1`
	}
	query += ` ORDER BY sequence`

	rows, err := s.conn.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions of %s: %w", docID, err)
	}
	defer rows.Close()

	var out revision.List
	for rows.Next() {
		rev := &revision.Revision{DocID: docID}
		if err := rows.Scan(&rev.Sequence, &rev.RevID, &rev.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// GetRevision loads a revision with its body. An empty revID loads the
// winning revision. Ancestor stubs are reported as ErrNotFound.
func (s *Store) GetRevision(ctx context.Context, docID, revID string) (*revision.Revision, error) {
	if revID == "" {
		nodes, err := loadTree(ctx, s.conn, docID)
		if err != nil {
			return nil, err
		}
		w := winner(nodes)
		if w == nil {
			return nil, fmt.Errorf("document %s: %w", docID, ErrNotFound)
		}
		revID = w.revID
	}
	return getRevision(ctx, s.conn, docID, revID)
}

func getRevision(ctx context.Context, q querier, docID, revID string) (*revision.Revision, error) {
	rev := &revision.Revision{DocID: docID, RevID: revID}
	var body sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT sequence, deleted, json FROM revs WHERE doc_id = ? AND rev_id = ?`,
		docID, revID).Scan(&rev.Sequence, &rev.Deleted, &body)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !body.Valid) {
		return nil, fmt.Errorf("revision %s/%s: %w", docID, revID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load revision %s/%s: %w", docID, revID, err)
	}

	if err := decodeBody(rev, body.String); err != nil {
		return nil, err
	}
	return rev, nil
}

// LoadRevisionHistory returns the ancestry of a revision, newest first,
// starting with revID itself.
func (s *Store) LoadRevisionHistory(ctx context.Context, docID, revID string) ([]string, error) {
	nodes, err := loadTree(ctx, s.conn, docID)
	if err != nil {
		return nil, err
	}
	if _, ok := nodes[revID]; !ok {
		return nil, fmt.Errorf("revision %s/%s: %w", docID, revID, ErrNotFound)
	}

	var history []string
	seen := make(map[string]bool)
	for id := revID; id != "" && !seen[id]; {
		seen[id] = true
		history = append(history, id)
		n, ok := nodes[id]
		if !ok {
			break
		}
		id = n.parent
	}
	return history, nil
}

// GetConflicts returns the non-winning, non-deleted leaves of docID.
func (s *Store) GetConflicts(ctx context.Context, docID string) ([]string, error) {
	nodes, err := loadTree(ctx, s.conn, docID)
	if err != nil {
		return nil, err
	}
	w := winner(nodes)

	var out []string
	for _, n := range nodes {
		if n.current && !n.deleted && n != w {
			out = append(out, n.revID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return revision.Compare(out[i], out[j]) > 0 })
	return out, nil
}

func decodeBody(rev *revision.Revision, body string) error {
	props := make(map[string]any)
	if body != "" {
		if err := json.Unmarshal([]byte(body), &props); err != nil {
			return fmt.Errorf("failed to decode body of %s: %w", rev, err)
		}
	}
	rev.Properties = props
	withIdentity(rev)
	return nil
}

// storedBody copies props without the keys that are derived from the
// revision row.
func storedBody(props map[string]any) map[string]any {
	body := maps.Clone(props)
	if body == nil {
		body = make(map[string]any)
	}
	for _, k := range []string{revision.KeyID, revision.KeyRev, revision.KeyDeleted, revision.KeyRevisions, revision.KeyConflicts} {
		delete(body, k)
	}
	if atts, ok := body[revision.KeyAttachments].(map[string]any); ok {
		cloned := make(map[string]any, len(atts))
		for name, v := range atts {
			if meta, ok := v.(map[string]any); ok {
				cloned[name] = maps.Clone(meta)
			} else {
				cloned[name] = v
			}
		}
		body[revision.KeyAttachments] = cloned
	}
	return body
}

func withIdentity(rev *revision.Revision) {
	if rev.Properties == nil {
		rev.Properties = make(map[string]any)
	}
	rev.Properties[revision.KeyID] = rev.DocID
	rev.Properties[revision.KeyRev] = rev.RevID
	if rev.Deleted {
		rev.Properties[revision.KeyDeleted] = true
	} else {
		delete(rev.Properties, revision.KeyDeleted)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
