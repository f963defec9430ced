// Package operation binds a template and caller parameters into one of the
// closed set of operation kinds. Each kind knows how to build the prompt for an
// item and how to check a raw model response.
package operation

import (
	"fmt"
	"sort"
	"strings"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/engine/resolver"
	"llm-field-tools/internal/engine/validator"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

// Reserved argument names that are never prompt parameters.
const (
	ArgInput  = "input"
	ArgPrompt = "prompt"
	ArgArgs   = "args"
)

// Built-in placeholders available to every template in both namespaces.
var builtins = map[string]bool{
	"text":           true,
	"input":          true,
	"input_raw_text": true,
	"id":             true,
}

// Operation is implemented only by the kinds in this package.
type Operation interface {
	Kind() registry.OperationKind
	// Prompt builds the resolved prompt for one item.
	Prompt(item models.Item) models.ResolvedPrompt
	// Check parses a raw model response (text or decoded JSON) and validates it.
	Check(raw interface{}) validator.Result
	// Schema is the output schema responses are validated against.
	Schema() map[string]interface{}
	// Structured reports whether the model should be asked for schema-constrained JSON.
	Structured() bool

	sealed()
}

// Bind validates args against the template's operation kind and returns the
// bound operation. args are the caller's tool arguments; "input" is ignored.
func Bind(tpl registry.Template, args map[string]interface{}) (Operation, error) {
	if err := CheckTemplate(tpl); err != nil {
		return nil, err
	}
	b, err := newBase(tpl, args)
	if err != nil {
		return nil, err
	}

	switch tpl.OperationKind {
	case registry.SingleChoice:
		return bindSingleChoice(b, args)
	case registry.MultiLabel:
		return bindMultiLabel(b, args)
	case registry.Extraction:
		return bindExtraction(b, args)
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("template %s: unknown operation_type %q", tpl.Name, tpl.OperationKind))
	}
}

// CheckTemplate verifies every placeholder in the template's prompts refers to
// a declared parameter or a built-in.
func CheckTemplate(tpl registry.Template) error {
	return checkDeclared(tpl, tpl.PromptTemplates.System, tpl.PromptTemplates.User, tpl.PromptTemplates.StructuredSystem)
}

func checkDeclared(tpl registry.Template, texts ...string) error {
	var undeclared []string
	seen := map[string]bool{}
	for _, text := range texts {
		names := append(resolver.ExtractReferences(text), resolver.ExtractParams(text)...)
		for _, name := range names {
			if builtins[name] || seen[name] {
				continue
			}
			if _, ok := tpl.Parameters[name]; !ok {
				undeclared = append(undeclared, name)
				seen[name] = true
			}
		}
	}
	if len(undeclared) > 0 {
		return apperrors.NewMissingFieldReferenceError(tpl.Name, undeclared)
	}
	return nil
}

// base holds what every kind shares: the prompt texts and the caller values.
type base struct {
	tpl         registry.Template
	extra       []string
	instruction string
	// params feeds plain {name} placeholders: every declared parameter is
	// present, empty when the caller gave no value and there is no default.
	params map[string]interface{}
	// fields feeds {$name} references before item fields are overlaid.
	fields map[string]interface{}
}

func newBase(tpl registry.Template, args map[string]interface{}) (*base, error) {
	b := &base{
		tpl:    tpl,
		params: map[string]interface{}{},
		fields: map[string]interface{}{},
	}

	for name, def := range tpl.Parameters {
		if name == ArgInput || name == ArgArgs {
			continue
		}
		v, ok := args[name]
		if !ok || v == nil {
			v = def.Default
		}
		if v == nil {
			b.params[name] = ""
			continue
		}
		b.params[name] = v
		b.fields[name] = v
	}

	if raw, ok := args[ArgPrompt]; ok && raw != nil {
		instruction, ok := raw.(string)
		if !ok {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("prompt must be a string, got %T", raw))
		}
		b.instruction = strings.TrimSpace(instruction)
		// The instruction is rendered with the system prompt, so it follows
		// the same reference rules.
		if err := checkDeclared(tpl, b.instruction); err != nil {
			return nil, err
		}
	}
	// The instruction is also a parameter; keep it from being inserted twice.
	delete(b.params, ArgPrompt)
	delete(b.fields, ArgPrompt)
	return b, nil
}

func (b *base) appendSystem(line string) {
	b.extra = append(b.extra, line)
}

// systemPrompt joins the template's system text with kind-specific lines and
// the caller's instruction, separated by blank lines.
func (b *base) systemPrompt(tmpl string) string {
	parts := make([]string, 0, len(b.extra)+2)
	for _, p := range append(append([]string{tmpl}, b.extra...), b.instruction) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// render resolves system and user templates for item.
func (b *base) render(item models.Item, system, user string) models.ResolvedPrompt {
	text := itemText(item.Data)

	params := make(map[string]interface{}, len(b.params)+len(builtins))
	for k, v := range b.params {
		params[k] = v
	}
	fields := make(map[string]interface{}, len(b.fields)+len(builtins))
	for k, v := range b.fields {
		fields[k] = v
	}
	if data, ok := item.Data.(map[string]interface{}); ok {
		for k, v := range data {
			fields[k] = v
		}
	}
	builtinValues := map[string]interface{}{
		"text":           text,
		"input":          text,
		"input_raw_text": text,
		"id":             item.ID,
	}
	for k, v := range builtinValues {
		params[k] = v
		// An item field of the same name wins for {$name} references.
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}

	return models.ResolvedPrompt{
		System: resolver.Render(system, fields, params),
		User:   resolver.Render(user, fields, params),
	}
}

func (b *base) sealed() {}

// itemText renders item data for the {text} placeholder.
func itemText(data interface{}) string {
	if m, ok := data.(map[string]interface{}); ok {
		return resolver.FieldContext(m)
	}
	return resolver.Stringify(data)
}

// findParam returns the first declared parameter among preferred, falling back
// to the first non-reserved array or string parameter in name order.
func findParam(tpl registry.Template, preferred ...string) (string, bool) {
	for _, name := range preferred {
		if _, ok := tpl.Parameters[name]; ok {
			return name, true
		}
	}
	names := make([]string, 0, len(tpl.Parameters))
	for name := range tpl.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch name {
		case ArgInput, ArgPrompt, ArgArgs, "schema", "response_format":
			continue
		}
		if t := tpl.Parameters[name].Type; t == "array" || t == "string" {
			return name, true
		}
	}
	return "", false
}

// stringList accepts a list or a comma separated string.
func stringList(name string, v interface{}) ([]string, error) {
	var raw []string
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = strings.Split(val, ",")
	case []string:
		raw = val
	case []interface{}:
		for _, e := range val {
			switch e.(type) {
			case map[string]interface{}, []interface{}, nil:
				return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s must contain only strings", name))
			}
			raw = append(raw, resolver.Stringify(e))
		}
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s must be a list or comma separated string, got %T", name, v))
	}

	out := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// configArgs returns the nested "args" object, if any.
func configArgs(args map[string]interface{}) map[string]interface{} {
	m, _ := args[ArgArgs].(map[string]interface{})
	return m
}
