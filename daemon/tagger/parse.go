package tagger

import (
	"encoding/json"
	"sort"
	"strings"
)

// extractTags parses an LLM response into a tag list. Models are unreliable
// about emitting bare JSON, so parsing is lenient: strict JSON first, then
// the outermost {...} or [...] substring. Accepted shapes are an array of
// strings or an object whose "tags" field (or first array-valued field)
// holds the list. Tags shorter than 2 runes are dropped.
func extractTags(content string) []string {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil
	}

	candidates := []string{s}
	if sub := outermost(s, '{', '}'); sub != "" && sub != s {
		candidates = append(candidates, sub)
	}
	if sub := outermost(s, '[', ']'); sub != "" && sub != s {
		candidates = append(candidates, sub)
	}

	for _, c := range candidates {
		if tags, ok := decodeTags(c); ok {
			return tags
		}
	}
	return nil
}

// outermost returns the substring between the first open and last close
// delimiter, or "".
func outermost(s string, open, close byte) string {
	i := strings.IndexByte(s, open)
	j := strings.LastIndexByte(s, close)
	if i < 0 || j <= i {
		return ""
	}
	return s[i : j+1]
}

func decodeTags(s string) ([]string, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch val := v.(type) {
	case []interface{}:
		return filterTags(val), true
	case map[string]interface{}:
		if arr, ok := val["tags"].([]interface{}); ok {
			return filterTags(arr), true
		}
		// fall back to the first array-valued field, in key order so the
		// result is deterministic
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := val[k].([]interface{}); ok {
				return filterTags(arr), true
			}
		}
	}
	return nil, false
}

func filterTags(arr []interface{}) []string {
	tags := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if len(s) >= 2 {
			tags = append(tags, s)
		}
	}
	return tags
}
