// Package validation checks caller-supplied tool arguments against the
// parameter definitions declared by a tool template.
package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"llm-field-tools/pkg/registry"
)

// BatchParam is the parameter carrying the batch. A bare string is a batch of one.
const BatchParam = "input"

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Messages renders every error as "field '<name>': <message>".
func (r *ValidationResult) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, fmt.Sprintf("field '%s': %s", e.Field, e.Message))
	}
	return out
}

// ValidateArgs validates args against params. Required parameters must be
// present and non-null; present values must match the declared type, items,
// properties and minItems. Arguments with no declaration pass through
// unchecked. An array parameter given a string is checked as the
// comma-separated list it will be bound as, and an object parameter given a
// string is checked as the JSON object it encodes.
func ValidateArgs(args map[string]interface{}, params map[string]registry.ParameterDef) *ValidationResult {
	var errs []ValidationError

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := make(map[string]interface{}, len(args))
	properties := make(map[string]interface{}, len(params))
	for _, name := range names {
		def := params[name]
		value, present := args[name]
		if !present || value == nil {
			if def.Required {
				errs = append(errs, ValidationError{
					Field:   name,
					Message: "required field missing",
					Code:    "REQUIRED_FIELD_MISSING",
				})
			}
			continue
		}
		doc[name] = asDeclared(name, value, def)
		properties[name] = propertySchema(def)
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "(root)",
			Message: fmt.Sprintf("invalid parameter definitions: %v", err),
			Code:    "INVALID_SCHEMA",
		})
	} else {
		for _, e := range result.Errors() {
			errs = append(errs, ValidationError{
				Field:   e.Field(),
				Message: e.Description(),
				Code:    errorCode(e.Type()),
			})
		}
	}

	return &ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

// asDeclared converts the string shorthands accepted for array and object
// parameters: comma lists and JSON-encoded objects.
func asDeclared(name string, value interface{}, def registry.ParameterDef) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if def.Type == "object" {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj
		}
		return value
	}
	if def.Type != "array" {
		return value
	}
	if name == BatchParam {
		return []interface{}{s}
	}
	parts := strings.Split(s, ",")
	list := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

func propertySchema(def registry.ParameterDef) map[string]interface{} {
	prop := map[string]interface{}{}
	if def.Type != "" {
		prop["type"] = def.Type
	}
	if len(def.Items) > 0 {
		prop["items"] = def.Items
	}
	if len(def.Properties) > 0 {
		prop["properties"] = def.Properties
	}
	if def.MinItems != nil {
		prop["minItems"] = *def.MinItems
	}
	return prop
}

func errorCode(kind string) string {
	switch kind {
	case "invalid_type":
		return "INVALID_TYPE"
	case "array_min_items":
		return "MIN_ITEMS_VIOLATION"
	case "required":
		return "REQUIRED_FIELD_MISSING"
	case "enum":
		return "INVALID_ENUM_VALUE"
	default:
		return strings.ToUpper(kind)
	}
}
