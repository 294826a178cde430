package revision

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Reserved property keys carried inside document bodies.
const (
	KeyID          = "_id"
	KeyRev         = "_rev"
	KeyDeleted     = "_deleted"
	KeyRevisions   = "_revisions"
	KeyAttachments = "_attachments"
	KeyConflicts   = "_conflicts"
)

var (
	// ErrInvalidRevID is returned when a revision ID is not "<gen>-<suffix>".
	ErrInvalidRevID = errors.New("invalid revision ID")

	// ErrInvalidDocID is returned for document IDs that cannot be replicated.
	ErrInvalidDocID = errors.New("invalid document ID")
)

// Revision is a single version of a document.
type Revision struct {
	DocID   string
	RevID   string
	Deleted bool

	// Properties is the full document body, including reserved keys.
	// Nil means the body has not been loaded.
	Properties map[string]any

	// Sequence is the local storage sequence once the revision is stored.
	// Before that the puller uses it for the dense replication sequence.
	Sequence int64
}

// New creates a body-less revision.
func New(docID, revID string, deleted bool) *Revision {
	return &Revision{
		DocID:   docID,
		RevID:   revID,
		Deleted: deleted,
	}
}

// FromProperties builds a revision from a parsed document body.
func FromProperties(props map[string]any) (*Revision, error) {
	docID, _ := props[KeyID].(string)
	if docID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidDocID, KeyID)
	}

	revID, _ := props[KeyRev].(string)
	if _, _, err := ParseRevID(revID); err != nil {
		return nil, err
	}

	deleted, _ := props[KeyDeleted].(bool)

	return &Revision{
		DocID:      docID,
		RevID:      revID,
		Deleted:    deleted,
		Properties: props,
	}, nil
}

// Generation returns the generation number of the revision ID, or 0 if the
// ID is malformed.
func (r *Revision) Generation() int {
	return Generation(r.RevID)
}

// String returns "docID/revID".
func (r *Revision) String() string {
	return r.DocID + "/" + r.RevID
}

// Copy returns a copy of the revision with a cloned top-level property map
// and cloned attachment entries, so callers can rewrite attachment metadata
// without touching the original.
func (r *Revision) Copy() *Revision {
	c := *r
	if r.Properties != nil {
		c.Properties = maps.Clone(r.Properties)

		if atts := r.Attachments(); atts != nil {
			cloned := make(map[string]any, len(atts))
			for name, meta := range atts {
				cloned[name] = maps.Clone(meta)
			}
			c.Properties[KeyAttachments] = cloned
		}
	}
	return &c
}

// Body returns the JSON form of the revision, making sure the reserved
// identity keys agree with the revision's fields.
func (r *Revision) Body() ([]byte, error) {
	props := make(map[string]any, len(r.Properties)+3)
	maps.Copy(props, r.Properties)

	props[KeyID] = r.DocID
	props[KeyRev] = r.RevID
	if r.Deleted {
		props[KeyDeleted] = true
	} else {
		delete(props, KeyDeleted)
	}

	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revision %s: %w", r, err)
	}
	return data, nil
}

// UserProperties returns the body without any reserved "_" keys.
func (r *Revision) UserProperties() map[string]any {
	props := make(map[string]any, len(r.Properties))
	for k, v := range r.Properties {
		if strings.HasPrefix(k, "_") {
			continue
		}
		props[k] = v
	}
	return props
}

// Attachments returns the "_attachments" metadata keyed by attachment name.
// Entries that are not JSON objects are skipped.
func (r *Revision) Attachments() map[string]map[string]any {
	raw, ok := r.Properties[KeyAttachments].(map[string]any)
	if !ok {
		return nil
	}

	atts := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		if meta, ok := v.(map[string]any); ok {
			atts[name] = meta
		}
	}
	return atts
}

// SetAttachments replaces the "_attachments" metadata. An empty map removes
// the key.
func (r *Revision) SetAttachments(atts map[string]map[string]any) {
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	if len(atts) == 0 {
		delete(r.Properties, KeyAttachments)
		return
	}

	raw := make(map[string]any, len(atts))
	for name, meta := range atts {
		raw[name] = meta
	}
	r.Properties[KeyAttachments] = raw
}

// ParseRevID splits a revision ID into its generation and suffix.
func ParseRevID(revID string) (int, string, error) {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 || dash == len(revID)-1 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidRevID, revID)
	}

	gen, err := strconv.Atoi(revID[:dash])
	if err != nil || gen <= 0 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidRevID, revID)
	}

	return gen, revID[dash+1:], nil
}

// Generation returns the generation of revID, or 0 if it is malformed.
func Generation(revID string) int {
	gen, _, err := ParseRevID(revID)
	if err != nil {
		return 0
	}
	return gen
}

// Compare orders revision IDs by generation, then by suffix. Malformed IDs
// sort before well-formed ones.
func Compare(a, b string) int {
	genA, sufA, errA := ParseRevID(a)
	genB, sufB, errB := ParseRevID(b)

	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	case genA != genB:
		if genA < genB {
			return -1
		}
		return 1
	default:
		return strings.Compare(sufA, sufB)
	}
}

// GenerateRevID derives the ID of a new revision from its parent, its
// deletion state and its JSON body. The same inputs always yield the same ID,
// which keeps identical edits made on two peers from conflicting.
func GenerateRevID(parentRevID string, deleted bool, body []byte) string {
	h := md5.New()

	parent := parentRevID
	if len(parent) > 255 {
		parent = parent[:255]
	}
	h.Write([]byte{byte(len(parent))})
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)

	return fmt.Sprintf("%d-%s", Generation(parentRevID)+1, hex.EncodeToString(h.Sum(nil)))
}

// IsValidDocID reports whether id may be stored and replicated. IDs must be
// non-empty UTF-8 and may only start with an underscore for design documents.
func IsValidDocID(id string) bool {
	if id == "" || !utf8.ValidString(id) {
		return false
	}
	if strings.HasPrefix(id, "_") {
		return strings.HasPrefix(id, "_design/") && len(id) > len("_design/")
	}
	return true
}

// List is an ordered collection of revisions.
type List []*Revision

// SortBySequence orders the list by ascending Sequence.
func (l List) SortBySequence() {
	sort.SliceStable(l, func(i, j int) bool {
		return l[i].Sequence < l[j].Sequence
	})
}

// ByDocID groups revision IDs by document, the shape used by revs_diff and
// missing-revision lookups.
func (l List) ByDocID() map[string][]string {
	out := make(map[string][]string)
	for _, r := range l {
		out[r.DocID] = append(out[r.DocID], r.RevID)
	}
	return out
}

// PulledRevision is a revision learned from the remote changes feed.
type PulledRevision struct {
	Revision

	// RemoteSequenceID is the opaque feed token the change arrived with.
	RemoteSequenceID string

	// Conflicted is set when the feed reported more than one leaf.
	Conflicted bool
}

// NewPulled creates a pulled revision.
func NewPulled(docID, revID string, deleted bool, remoteSeq string) *PulledRevision {
	return &PulledRevision{
		Revision:         Revision{DocID: docID, RevID: revID, Deleted: deleted},
		RemoteSequenceID: remoteSeq,
	}
}
