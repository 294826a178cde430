package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHistory expands the "_revisions" property of a document body into a
// newest-first list of revision IDs. When the property is missing the history
// is just the body's own "_rev".
func ParseHistory(props map[string]any) ([]string, error) {
	raw, ok := props[KeyRevisions].(map[string]any)
	if !ok {
		revID, _ := props[KeyRev].(string)
		if revID == "" {
			return nil, nil
		}
		return []string{revID}, nil
	}

	start, err := toInt(raw["start"])
	if err != nil {
		return nil, fmt.Errorf("invalid %s.start: %w", KeyRevisions, err)
	}

	ids, ok := raw["ids"].([]any)
	if !ok {
		return nil, fmt.Errorf("invalid %s.ids", KeyRevisions)
	}
	if start < len(ids) {
		return nil, fmt.Errorf("%s.start %d is shorter than its %d ids", KeyRevisions, start, len(ids))
	}

	history := make([]string, 0, len(ids))
	for i, v := range ids {
		suffix, ok := v.(string)
		if !ok || suffix == "" {
			return nil, fmt.Errorf("invalid %s.ids[%d]", KeyRevisions, i)
		}
		history = append(history, strconv.Itoa(start-i)+"-"+suffix)
	}

	if revID, _ := props[KeyRev].(string); revID != "" && len(history) > 0 && history[0] != revID {
		return nil, fmt.Errorf("%s does not start with %s %q", KeyRevisions, KeyRev, revID)
	}

	return history, nil
}

// EncodeHistory compresses a newest-first list of consecutive revision IDs
// into the "_revisions" wire form. It stops at the first gap in generations.
func EncodeHistory(history []string) map[string]any {
	if len(history) == 0 {
		return nil
	}

	start, _, err := ParseRevID(history[0])
	if err != nil {
		return nil
	}

	ids := make([]any, 0, len(history))
	for i, revID := range history {
		gen, suffix, err := ParseRevID(revID)
		if err != nil || gen != start-i {
			break
		}
		ids = append(ids, suffix)
	}

	return map[string]any{
		"start": start,
		"ids":   ids,
	}
}

// toInt accepts the numeric shapes JSON decoding can produce.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
