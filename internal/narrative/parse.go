package narrative

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ExtractJSON parses the JSON object spanning the first "{" and the last "}"
// of text. Anything around it is ignored.
func ExtractJSON(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in response: %s", truncate(text, 200))
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON in response: %w", err)
	}
	return obj, nil
}

// SectionsFromObject flattens a generator object into section text keyed as
// the generator named it. Lists are joined with "; ".
func SectionsFromObject(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, stringify(t[k])))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(t)
	}
}
