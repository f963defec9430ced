package operation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/engine/coercion"
	"llm-field-tools/internal/engine/validator"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

// ==========================
// single_choice
// ==========================

type singleChoice struct {
	*base
	choices []string
	schema  map[string]interface{}
}

func bindSingleChoice(b *base, args map[string]interface{}) (Operation, error) {
	name, ok := findParam(b.tpl, "choices", "categories", "options", "labels")
	if !ok {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("template %s declares no choices parameter", b.tpl.Name))
	}
	choices, err := stringList(name, b.params[name])
	if err != nil {
		return nil, err
	}
	if len(choices) < 2 {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s must have at least 2 items", name))
	}
	b.params[name] = strings.Join(choices, ", ")

	return &singleChoice{
		base:    b,
		choices: choices,
		schema:  map[string]interface{}{"type": "string", "enum": toInterfaces(choices)},
	}, nil
}

func (o *singleChoice) Kind() registry.OperationKind { return registry.SingleChoice }
func (o *singleChoice) Schema() map[string]interface{} { return o.schema }
func (o *singleChoice) Structured() bool { return false }

func (o *singleChoice) Prompt(item models.Item) models.ResolvedPrompt {
	return o.render(item, o.systemPrompt(o.tpl.PromptTemplates.System), o.tpl.PromptTemplates.User)
}

func (o *singleChoice) Check(raw interface{}) validator.Result {
	if s, ok := raw.(string); ok {
		raw = cleanChoice(s, toInterfaces(o.choices))
	}
	return validator.Validate(raw, o.schema, registry.SingleChoice)
}

// ==========================
// multi_label
// ==========================

type multiLabel struct {
	*base
	tags      []string
	maxLabels int
	schema    map[string]interface{}
}

func bindMultiLabel(b *base, args map[string]interface{}) (Operation, error) {
	name, ok := findParam(b.tpl, "tags", "labels", "choices", "categories")
	if !ok {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("template %s declares no tags parameter", b.tpl.Name))
	}
	tags, err := stringList(name, b.params[name])
	if err != nil {
		return nil, err
	}
	if len(tags) < 1 {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("%s must have at least 1 item", name))
	}
	b.params[name] = strings.Join(tags, ", ")

	op := &multiLabel{
		base: b,
		tags: tags,
		schema: map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string", "enum": toInterfaces(tags)},
		},
	}

	if raw, ok := configArgs(args)["max_tags"]; ok && raw != nil {
		n, ok := coercion.ToInteger(raw)
		if !ok || n < 1 {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("args.max_tags must be a positive integer, got %v", raw))
		}
		op.maxLabels = int(n)
		b.appendSystem(fmt.Sprintf("Return at most %d labels.", n))
	}
	return op, nil
}

func (o *multiLabel) Kind() registry.OperationKind { return registry.MultiLabel }
func (o *multiLabel) Schema() map[string]interface{} { return o.schema }
func (o *multiLabel) Structured() bool { return false }

func (o *multiLabel) Prompt(item models.Item) models.ResolvedPrompt {
	return o.render(item, o.systemPrompt(o.tpl.PromptTemplates.System), o.tpl.PromptTemplates.User)
}

func (o *multiLabel) Check(raw interface{}) validator.Result {
	if s, ok := raw.(string); ok {
		raw = parseLabels(s, toInterfaces(o.tags))
	}
	res := validator.Validate(raw, o.schema, registry.MultiLabel)
	if res.OK && o.maxLabels > 0 {
		if labels, ok := res.Coerced.([]interface{}); ok && len(labels) > o.maxLabels {
			res.Coerced = labels[:o.maxLabels]
		}
	}
	return res
}

// ==========================
// extraction
// ==========================

type extraction struct {
	*base
	fields     []string
	schema     map[string]interface{}
	structured bool
}

func bindExtraction(b *base, args map[string]interface{}) (Operation, error) {
	schema, err := callerSchema(args)
	if err != nil {
		return nil, err
	}

	op := &extraction{base: b}
	if schema != nil {
		op.schema = schema
		op.structured = true
		props, _ := schema["properties"].(map[string]interface{})
		for name := range props {
			op.fields = append(op.fields, name)
		}
		sort.Strings(op.fields)
	} else {
		name, ok := findParam(b.tpl, "fields")
		if !ok {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("template %s declares no fields parameter", b.tpl.Name))
		}
		fields, err := stringList(name, b.params[name])
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, apperrors.NewInvalidInputError("extract requires fields or schema")
		}
		op.fields = fields
		op.schema = fieldSchema(fields)
	}

	b.params["fields"] = strings.Join(op.fields, ", ")
	return op, nil
}

// callerSchema reads "schema" or its alias "response_format". A JSON string is
// accepted, and an OpenAI style {"json_schema": {"schema": ...}} wrapper is unwrapped.
func callerSchema(args map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := args["schema"]
	if !ok || raw == nil {
		raw, ok = args["response_format"]
	}
	if !ok || raw == nil {
		return nil, nil
	}

	if s, isString := raw.(string); isString {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("schema is not valid JSON: %v", err))
		}
		raw = decoded
	}
	schema, ok := raw.(map[string]interface{})
	if !ok {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("schema must be an object, got %T", raw))
	}
	if wrapped, ok := schema["json_schema"].(map[string]interface{}); ok {
		if inner, ok := wrapped["schema"].(map[string]interface{}); ok {
			schema = inner
		}
	}
	if props, ok := schema["properties"].(map[string]interface{}); !ok || len(props) == 0 {
		return nil, apperrors.NewInvalidInputError("schema must declare at least one property")
	}
	out := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out, nil
}

func fieldSchema(fields []string) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		props[f] = map[string]interface{}{"type": []interface{}{"string", "null"}}
	}
	return map[string]interface{}{"type": "object", "properties": props}
}

func (o *extraction) Kind() registry.OperationKind { return registry.Extraction }
func (o *extraction) Schema() map[string]interface{} { return o.schema }
func (o *extraction) Structured() bool { return o.structured }

func (o *extraction) Prompt(item models.Item) models.ResolvedPrompt {
	if !o.structured {
		return o.render(item, o.systemPrompt(o.tpl.PromptTemplates.System), o.tpl.PromptTemplates.User)
	}
	system := o.tpl.PromptTemplates.StructuredSystem
	if system == "" {
		system = o.tpl.PromptTemplates.System
	}
	schemaJSON, _ := json.MarshalIndent(o.schema, "", "  ")
	p := o.render(item, o.systemPrompt(system), "")
	p.User = fmt.Sprintf("Schema:\n%s\n\nText:\n%s\n\nExtracted data (as JSON):", schemaJSON, itemText(item.Data))
	return p
}

func (o *extraction) Check(raw interface{}) validator.Result {
	if s, ok := raw.(string); ok {
		obj, ok := parseObject(s)
		if !ok && !o.structured {
			obj, ok = parseKeyValues(s, o.fields)
		}
		if !ok {
			return validator.Result{Errors: []string{"output is not a JSON object"}}
		}
		raw = obj
	}
	return validator.Validate(raw, o.schema, registry.Extraction)
}
