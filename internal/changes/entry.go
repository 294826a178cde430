package changes

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/steveyegge/docsync/internal/remote"
)

// Mode selects how the feed is consumed.
type Mode int

const (
	// OneShot makes a single feed=normal request.
	OneShot Mode = iota
	// LongPoll repeats feed=longpoll requests.
	LongPoll
	// Continuous streams a feed=continuous response.
	Continuous
	// WebSocket streams feed=websocket messages.
	WebSocket
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case OneShot:
		return "normal"
	case LongPoll:
		return "longpoll"
	case Continuous:
		return "continuous"
	case WebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name as printed by String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{OneShot, LongPoll, Continuous, WebSocket} {
		if m.String() == s {
			return m, true
		}
	}
	if s == "oneshot" || s == "one-shot" {
		return OneShot, true
	}
	return OneShot, false
}

// Entry is one row of a changes feed.
type Entry struct {
	Seq     json.RawMessage    `json:"seq"`
	ID      string             `json:"id"`
	Changes []remote.ChangeRev `json:"changes"`
	Deleted bool               `json:"deleted,omitempty"`
	Removed []string           `json:"removed,omitempty"`
	Doc     map[string]any     `json:"doc,omitempty"`
}

// Sequence returns the entry's seq as an opaque string, or "" if it is
// missing or null.
func (e *Entry) Sequence() string {
	return seqString(e.Seq)
}

// RevIDs returns the revision IDs listed for the entry.
func (e *Entry) RevIDs() []string {
	out := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		if c.Rev != "" {
			out = append(out, c.Rev)
		}
	}
	return out
}

func seqString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
