// Package resolver substitutes placeholders in prompt templates.
//
// Two namespaces share the brace syntax: {$name} refers to a field of the input
// item, {name} to a template or operation parameter such as the list of
// choices. Substitution is a single pass, so text inserted for one placeholder
// is never scanned again.
package resolver

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	fieldRefPattern    = regexp.MustCompile(`\{\$(\w+)\}`)
	placeholderPattern = regexp.MustCompile(`\{(\$?)(\w+)\}`)
)

// ExtractReferences returns the distinct {$name} references in order of first appearance.
func ExtractReferences(prompt string) []string {
	return distinct(fieldRefPattern.FindAllStringSubmatch(prompt, -1), 1)
}

// ExtractParams returns the distinct plain {name} placeholders in order of first appearance.
func ExtractParams(prompt string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(prompt, -1) {
		if m[1] != "" || seen[m[2]] {
			continue
		}
		seen[m[2]] = true
		names = append(names, m[2])
	}
	return names
}

// HasReferences reports whether prompt contains at least one {$name} reference.
func HasReferences(prompt string) bool {
	return fieldRefPattern.MatchString(prompt)
}

// Resolve replaces {$name} references with values. Missing and nil values become
// the empty string. Plain {name} placeholders are left untouched.
func Resolve(prompt string, values map[string]interface{}) string {
	return Render(prompt, values, nil)
}

// Render resolves both namespaces in one pass. A {$name} reference with no value
// becomes the empty string; a plain {name} with no entry in params is left as
// written, so literal braces in prompt text survive.
func Render(prompt string, fields, params map[string]interface{}) string {
	if prompt == "" {
		return prompt
	}
	return placeholderPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		m := placeholderPattern.FindStringSubmatch(match)
		if m[1] == "$" {
			return Stringify(fields[m[2]])
		}
		v, ok := params[m[2]]
		if !ok {
			return match
		}
		return Stringify(v)
	})
}

// MissingFields lists the references in prompt that have no entry in available.
func MissingFields(prompt string, available map[string]interface{}) []string {
	var missing []string
	for _, name := range ExtractReferences(prompt) {
		if _, ok := available[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// ResolveMap resolves references in the string values of data. When keys is
// non-empty only those keys are resolved.
func ResolveMap(data, values map[string]interface{}, keys ...string) map[string]interface{} {
	only := make(map[string]bool, len(keys))
	for _, k := range keys {
		only[k] = true
	}

	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		s, isString := v.(string)
		if !isString || (len(only) > 0 && !only[k]) {
			out[k] = v
			continue
		}
		out[k] = Resolve(s, values)
	}
	return out
}

// FieldContext renders values as "key: value" lines sorted by key.
func FieldContext(values map[string]interface{}) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + ": " + Stringify(values[k])
	}
	return strings.Join(lines, "\n")
}

// Stringify renders a value for insertion into a prompt. Lists of scalars are
// joined with ", "; other composite values are rendered as JSON.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		return strings.Join(val, ", ")
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			switch e.(type) {
			case map[string]interface{}, []interface{}:
				return toJSON(val)
			}
			parts[i] = Stringify(e)
		}
		return strings.Join(parts, ", ")
	case json.Number:
		return val.String()
	default:
		return toJSON(val)
	}
}

func toJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func distinct(matches [][]string, group int) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range matches {
		if seen[m[group]] {
			continue
		}
		seen[m[group]] = true
		out = append(out, m[group])
	}
	return out
}
