// Package coercion converts loosely typed model output into the types a JSON
// schema asks for. Every conversion either succeeds unambiguously or reports
// failure; nothing is ever coerced to a zero value.
package coercion

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	currencySymbols = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "")
	thousandsGroup  = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)
	isoDate         = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// dateLayouts are tried in order; month-first wins for ambiguous dd/mm input.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"2/1/2006",
	"2006/1/2",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

var (
	trueWords  = map[string]bool{"true": true, "yes": true, "y": true, "1": true, "t": true, "on": true, "enabled": true}
	falseWords = map[string]bool{"false": true, "no": true, "n": true, "0": true, "f": true, "off": true, "disabled": true}
)

// ToNumber converts numbers and numeric strings. Currency symbols and
// well-formed thousands separators are stripped; a trailing % divides by 100.
func ToNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseNumber(n)
	default:
		return 0, false
	}
}

func parseNumber(s string) (float64, bool) {
	cleaned := strings.TrimSpace(currencySymbols.Replace(strings.TrimSpace(s)))
	percent := strings.HasSuffix(cleaned, "%")
	if percent {
		cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, "%"))
	}
	if strings.Contains(cleaned, ",") {
		if !thousandsGroup.MatchString(cleaned) {
			return 0, false
		}
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}
	if cleaned == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if percent {
		f /= 100
	}
	return f, true
}

// ToInteger converts values whose numeric form is integral.
func ToInteger(v interface{}) (int64, bool) {
	f, ok := ToNumber(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// ToDate converts common date spellings to YYYY-MM-DD.
func ToDate(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if isoDate.MatchString(s) {
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return s, true
		}
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// ToBoolean converts booleans, the numbers 0 and 1 and the usual yes/no words.
func ToBoolean(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		word := strings.ToLower(strings.TrimSpace(b))
		if trueWords[word] {
			return true, true
		}
		if falseWords[word] {
			return false, true
		}
		return false, false
	}
	if f, ok := ToNumber(v); ok {
		switch f {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	}
	return false, false
}

// ToString converts scalars to their string form. Null and composite values
// are not strings.
func ToString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

// ToEnum matches v against the allowed values, exactly first and then
// case-insensitively for strings. The canonical spelling is returned. A
// case-insensitive match that hits more than one value is ambiguous and fails.
func ToEnum(v interface{}, allowed []interface{}) (interface{}, bool) {
	for _, a := range allowed {
		if equalScalar(v, a) {
			return a, true
		}
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)

	var match interface{}
	hits := 0
	for _, a := range allowed {
		as, ok := a.(string)
		if ok && strings.EqualFold(as, s) {
			match = a
			hits++
		}
	}
	return match, hits == 1
}

func equalScalar(a, b interface{}) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	af, aok := ToNumber(a)
	if _, isString := b.(string); isString {
		return false
	}
	bf, bok := ToNumber(b)
	return aok && bok && af == bf
}

// Types returns the declared JSON schema types of a property and whether null is allowed.
func Types(schema map[string]interface{}) (types []string, nullable bool) {
	switch t := schema["type"].(type) {
	case string:
		types = []string{t}
	case []interface{}:
		for _, e := range t {
			if s, ok := e.(string); ok {
				types = append(types, s)
			}
		}
	case []string:
		types = append(types, t...)
	}
	out := types[:0]
	for _, t := range types {
		if t == "null" {
			nullable = true
			continue
		}
		out = append(out, t)
	}
	return out, nullable
}

// Value coerces v to satisfy the property schema. It handles nullable type
// lists, enums, the "date" format and the scalar JSON types; arrays are coerced
// element-wise against "items" and objects are passed through for the schema
// validator to judge.
func Value(v interface{}, schema map[string]interface{}) (interface{}, error) {
	types, nullable := Types(schema)
	if v == nil {
		if nullable || len(types) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("expected %s, got null", strings.Join(types, " or "))
	}

	if enum, ok := schema["enum"].([]interface{}); ok {
		if match, ok := ToEnum(v, enum); ok {
			return match, nil
		}
		return nil, fmt.Errorf("value %s is not one of %s", describe(v), describe(enum))
	}

	if format, _ := schema["format"].(string); format == "date" {
		if d, ok := ToDate(v); ok {
			return d, nil
		}
		return nil, fmt.Errorf("expected date, got %s", describe(v))
	}

	if len(types) == 0 {
		return v, nil
	}

	var lastErr error
	for _, t := range types {
		out, err := toType(v, t, schema)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func toType(v interface{}, t string, schema map[string]interface{}) (interface{}, error) {
	switch t {
	case "string":
		if s, ok := ToString(v); ok {
			return s, nil
		}
	case "number":
		if f, ok := ToNumber(v); ok {
			return f, nil
		}
	case "integer":
		if i, ok := ToInteger(v); ok {
			return i, nil
		}
	case "boolean":
		if b, ok := ToBoolean(v); ok {
			return b, nil
		}
	case "array":
		list, ok := v.([]interface{})
		if !ok {
			break
		}
		items, _ := schema["items"].(map[string]interface{})
		if items == nil {
			return list, nil
		}
		out := make([]interface{}, len(list))
		for i, e := range list {
			c, err := Value(e, items)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case "object":
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("expected %s, got %s", t, describe(v))
}

func describe(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
