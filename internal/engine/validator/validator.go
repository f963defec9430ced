// Package validator checks model output against an operation's output schema,
// coercing values into shape where the conversion is unambiguous.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"llm-field-tools/internal/engine/coercion"
	"llm-field-tools/pkg/registry"
)

// Result is the outcome of validating one candidate. Coerced is only
// meaningful when OK is true.
type Result struct {
	OK      bool
	Coerced interface{}
	Errors  []string
}

func failed(errs ...string) Result {
	return Result{OK: false, Errors: errs}
}

// Validate checks candidate against schema for the given operation kind. It
// never panics; any unexpected failure is reported as a validation error.
//
//   - single_choice: candidate must match exactly one value of schema["enum"]
//   - multi_label: candidate must be a list whose elements are all in schema["items"]["enum"]
//   - extraction: candidate must be an object; declared properties are coerced,
//     missing optional ones become null and undeclared ones are dropped
func Validate(candidate interface{}, schema map[string]interface{}, kind registry.OperationKind) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Sprintf("internal validation error: %v", r))
		}
	}()

	switch kind {
	case registry.SingleChoice:
		return validateChoice(candidate, schema)
	case registry.MultiLabel:
		return validateLabels(candidate, schema)
	case registry.Extraction:
		return validateObject(candidate, schema)
	default:
		return failed(fmt.Sprintf("unknown operation kind %q", kind))
	}
}

func validateChoice(candidate interface{}, schema map[string]interface{}) Result {
	choices, _ := schema["enum"].([]interface{})
	if len(choices) == 0 {
		return failed("schema declares no choices")
	}
	switch candidate.(type) {
	case nil:
		return failed("expected one of the choices, got nothing")
	case []interface{}, map[string]interface{}:
		return failed(fmt.Sprintf("expected a single choice, got %s", compact(candidate)))
	}

	match, ok := coercion.ToEnum(candidate, choices)
	if !ok {
		return failed(fmt.Sprintf("%s is not one of %s", compact(candidate), compact(choices)))
	}
	return Result{OK: true, Coerced: match}
}

func validateLabels(candidate interface{}, schema map[string]interface{}) Result {
	items, _ := schema["items"].(map[string]interface{})
	allowed, _ := items["enum"].([]interface{})
	if len(allowed) == 0 {
		return failed("schema declares no labels")
	}

	list, ok := candidate.([]interface{})
	if !ok {
		return failed(fmt.Sprintf("expected a list of labels, got %s", compact(candidate)))
	}

	out := make([]interface{}, 0, len(list))
	seen := make(map[interface{}]bool, len(list))
	var errs []string
	for _, label := range list {
		match, ok := coercion.ToEnum(label, allowed)
		if !ok {
			errs = append(errs, fmt.Sprintf("label %s is not one of %s", compact(label), compact(allowed)))
			continue
		}
		if seen[match] {
			continue
		}
		seen[match] = true
		out = append(out, match)
	}
	if len(errs) > 0 {
		return failed(errs...)
	}
	return Result{OK: true, Coerced: out}
}

func validateObject(candidate interface{}, schema map[string]interface{}) Result {
	obj, ok := candidate.(map[string]interface{})
	if !ok {
		return failed(fmt.Sprintf("expected a JSON object, got %s", compact(candidate)))
	}

	props, _ := schema["properties"].(map[string]interface{})
	required := map[string]bool{}
	for _, name := range RequiredFields(schema) {
		required[name] = true
	}

	out := make(map[string]interface{}, len(props))
	present := make(map[string]interface{}, len(props))
	var errs []string
	for _, name := range sortedKeys(props) {
		propSchema, _ := props[name].(map[string]interface{})
		raw, has := obj[name]
		if !has {
			if required[name] {
				errs = append(errs, fmt.Sprintf("field '%s': required field missing", name))
				continue
			}
			out[name] = nil
			continue
		}

		value, err := coercion.Value(raw, propSchema)
		if err != nil {
			errs = append(errs, fmt.Sprintf("field '%s': %v", name, err))
			continue
		}
		out[name] = value
		present[name] = value
	}
	if len(errs) > 0 {
		return failed(errs...)
	}

	// Null-filled optionals are left out of the schema check since the
	// property type need not admit null.
	if errs := SchemaErrors(present, schema); len(errs) > 0 {
		return failed(errs...)
	}
	return Result{OK: true, Coerced: out}
}

// SchemaErrors validates data against a JSON schema and returns one message per
// violation, formatted as "field '<path>': <description>".
func SchemaErrors(data interface{}, schema map[string]interface{}) []string {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return []string{fmt.Sprintf("invalid schema: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, fmt.Sprintf("field '%s': %s", e.Field(), e.Description()))
	}
	return errs
}

// RequiredFields returns the "required" names of an object schema.
func RequiredFields(schema map[string]interface{}) []string {
	if t, _ := schema["type"].(string); t != "object" {
		return nil
	}
	switch req := schema["required"].(type) {
	case []string:
		return append([]string(nil), req...)
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SupportsNullable reports whether the named top-level property admits null.
func SupportsNullable(schema map[string]interface{}, field string) bool {
	props, _ := schema["properties"].(map[string]interface{})
	prop, _ := props[field].(map[string]interface{})
	if prop == nil {
		return false
	}
	_, nullable := coercion.Types(prop)
	return nullable
}

// Feedback builds the corrective instruction appended to a retried prompt.
func Feedback(errs []string) string {
	return "previous output invalid because: " + strings.Join(errs, "; ") +
		"\nRespond again following the instructions exactly."
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compact(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	switch val := v.(type) {
	case string:
		s = fmt.Sprintf("%q", val)
	case nil:
		s = "null"
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
