package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/docsync/internal/revision"
)

// ChangesOptions configures ChangesSince.
type ChangesOptions struct {
	// Limit caps the number of revisions returned (0 = no limit).
	Limit int

	// IncludeConflicts returns every leaf instead of only winners.
	IncludeConflicts bool

	// IncludeDocs loads revision bodies.
	IncludeDocs bool

	// Filter drops revisions it returns false for. Bodies are loaded when a
	// filter is set.
	Filter func(rev *revision.Revision) bool
}

// ChangesSince returns leaf revisions with a sequence greater than since,
// ordered by sequence.
func (s *Store) ChangesSince(ctx context.Context, since int64, opts ChangesOptions) (revision.List, error) {
	if s.conn == nil {
		return nil, ErrClosed
	}

	query := `
	SELECT sequence, doc_id, rev_id, deleted, json
	FROM revs
	WHERE current = 1 AND sequence > ? AND json IS NOT NULL
	ORDER BY sequence
	`

	rows, err := s.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}

	var candidates revision.List
	bodies := make(map[*revision.Revision]string)
	for rows.Next() {
		rev := &revision.Revision{}
		var body sql.NullString
		if err := rows.Scan(&rev.Sequence, &rev.DocID, &rev.RevID, &rev.Deleted, &body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		candidates = append(candidates, rev)
		bodies[rev] = body.String
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	rows.Close()

	winners := make(map[string]string)
	var out revision.List
	for _, rev := range candidates {
		if !opts.IncludeConflicts {
			w, ok := winners[rev.DocID]
			if !ok {
				nodes, err := loadTree(ctx, s.conn, rev.DocID)
				if err != nil {
					return nil, err
				}
				if n := winner(nodes); n != nil {
					w = n.revID
				}
				winners[rev.DocID] = w
			}
			if rev.RevID != w {
				continue
			}
		}

		if opts.IncludeDocs || opts.Filter != nil {
			if err := decodeBody(rev, bodies[rev]); err != nil {
				return nil, err
			}
		}
		if opts.Filter != nil && !opts.Filter(rev) {
			continue
		}

		out = append(out, rev)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}

	return out, nil
}
