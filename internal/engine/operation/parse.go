package operation

import (
	"encoding/json"
	"regexp"
	"strings"

	"llm-field-tools/internal/engine/coercion"
)

var (
	codeFence  = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?```$")
	keyValue   = regexp.MustCompile(`^\s*[-*]?\s*"?([\w ]+?)"?\s*:\s*(.*?)\s*,?\s*$`)
	listBullet = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
)

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

func unquote(s string) string {
	s = strings.TrimSpace(stripFence(s))
	return strings.TrimSpace(strings.Trim(s, "\"'`*"))
}

// cleanChoice trims whitespace and surrounding quotes. A trailing period is
// dropped only when the answer does not already match an allowed value, so
// choices such as "U.S." survive.
func cleanChoice(s string, allowed []interface{}) string {
	c := unquote(s)
	if _, ok := coercion.ToEnum(c, allowed); ok || !strings.HasSuffix(c, ".") {
		return c
	}
	return unquote(strings.TrimSuffix(c, "."))
}

// parseLabels reads a JSON array or a comma/newline separated list. "none" or
// an empty answer means no labels.
func parseLabels(raw string, allowed []interface{}) []interface{} {
	s := stripFence(raw)
	if strings.HasPrefix(s, "[") {
		var list []interface{}
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}

	out := []interface{}{}
	for _, line := range strings.Split(s, "\n") {
		line = listBullet.ReplaceAllString(line, "")
		for _, part := range strings.Split(line, ",") {
			label := cleanChoice(part, allowed)
			if label == "" {
				continue
			}
			out = append(out, label)
		}
	}
	if len(out) == 1 {
		if l, _ := out[0].(string); strings.EqualFold(l, "none") {
			return []interface{}{}
		}
	}
	return out
}

// parseObject decodes the first JSON object in raw.
func parseObject(raw string) (map[string]interface{}, bool) {
	s := stripFence(raw)
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, true
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// parseKeyValues reads "field: value" lines for the given field names,
// matching names case-insensitively. Values "null", "none" and "n/a" become nil.
func parseKeyValues(raw string, fields []string) (map[string]interface{}, bool) {
	byLower := make(map[string]string, len(fields))
	for _, f := range fields {
		byLower[strings.ToLower(f)] = f
	}

	out := map[string]interface{}{}
	for _, line := range strings.Split(stripFence(raw), "\n") {
		m := keyValue.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, ok := byLower[strings.ToLower(strings.TrimSpace(m[1]))]
		if !ok {
			continue
		}
		value := strings.Trim(m[2], `"'`)
		switch strings.ToLower(value) {
		case "", "null", "none", "n/a":
			out[name] = nil
		default:
			out[name] = value
		}
	}
	return out, len(out) > 0
}
