package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultListKeys are object keys whose string arrays are meaningful and must
// survive normalization.
var DefaultListKeys = []string{"key_findings", "entities", "relationships", "aliases"}

// NormalizeJSON repairs a common LLM mistake: returning an array of strings for a
// field that should hold a single string ({"description": ["a", "b"]} becomes
// {"description": "a, b"}). Arrays at the top level and under any key listed in
// listKeys are kept.
//
// It reports whether anything was rewritten.
func NormalizeJSON(raw []byte, listKeys ...string) ([]byte, bool, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("failed to parse JSON: %w", err)
	}

	n := normalizer{keep: make(map[string]bool, len(listKeys))}
	for _, k := range listKeys {
		n.keep[k] = true
	}
	out := n.walk(data, "", true)

	result, err := json.Marshal(out)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal normalized JSON: %w", err)
	}
	return result, n.changed, nil
}

type normalizer struct {
	keep    map[string]bool
	changed bool
}

func (n *normalizer) walk(value any, key string, top bool) any {
	switch v := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, val := range v {
			result[k] = n.walk(val, k, false)
		}
		return result

	case []any:
		if !top && !n.keep[key] {
			if joined, ok := joinStrings(v); ok {
				n.changed = true
				return joined
			}
		}
		result := make([]any, len(v))
		for i, elem := range v {
			result[i] = n.walk(elem, "", false)
		}
		return result

	default:
		return value
	}
}

// joinStrings joins an array made only of strings. Empty arrays are not joined;
// they are as likely to be an empty list as an empty string.
func joinStrings(arr []any) (string, bool) {
	if len(arr) == 0 {
		return "", false
	}
	strs := make([]string, len(arr))
	for i, elem := range arr {
		s, ok := elem.(string)
		if !ok {
			return "", false
		}
		strs[i] = s
	}
	return strings.Join(strs, ", "), true
}
