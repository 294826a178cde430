package remote

import (
	"net/url"
)

// RevsDiffResult is one document's entry in a _revs_diff response.
type RevsDiffResult struct {
	Missing           []string `json:"missing"`
	PossibleAncestors []string `json:"possible_ancestors,omitempty"`
}

// BulkDocsRequest is the body of a _bulk_docs upload.
type BulkDocsRequest struct {
	Docs     []map[string]any `json:"docs"`
	NewEdits bool             `json:"new_edits"`
}

// BulkDocsResult is one document's entry in a _bulk_docs response.
type BulkDocsResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
	Status int    `json:"status,omitempty"`
}

// StatusCode returns the result's HTTP status, derived from Error when the
// remote did not send one.
func (r BulkDocsResult) StatusCode() int {
	if r.Status != 0 {
		return r.Status
	}
	return StatusFromError(r.Error)
}

// ChangeRev is one revision listed in a changes feed entry.
type ChangeRev struct {
	Rev string `json:"rev"`
}

// WebSocketURL returns the ws:// or wss:// form of a database-relative URL.
func (c *Client) WebSocketURL(path string, query url.Values) string {
	u := c.Resolve(path, query)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
