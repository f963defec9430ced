package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

func intPtr(n int) *int { return &n }

func classifyTemplate() registry.Template {
	return registry.Template{
		Name:          "classify_by_llm",
		OperationKind: registry.SingleChoice,
		PromptTemplates: registry.PromptTemplates{
			System: "You classify text.",
			User:   "Choices: {choices}\n\nText: {text}",
		},
		Parameters: map[string]registry.ParameterDef{
			"input":   {Type: "array", Required: true},
			"choices": {Type: "array", Required: true, MinItems: intPtr(2)},
			"prompt":  {Type: "string"},
			"args":    {Type: "object"},
		},
	}
}

func tagTemplate() registry.Template {
	return registry.Template{
		Name:          "tag_by_llm",
		OperationKind: registry.MultiLabel,
		PromptTemplates: registry.PromptTemplates{
			System: "You tag text.",
			User:   "Tags: {tags}\n\nText: {text}",
		},
		Parameters: map[string]registry.ParameterDef{
			"input": {Type: "array", Required: true},
			"tags":  {Type: "array", Required: true},
			"args":  {Type: "object"},
		},
	}
}

func extractTemplate() registry.Template {
	return registry.Template{
		Name:          "extract_by_llm",
		OperationKind: registry.Extraction,
		PromptTemplates: registry.PromptTemplates{
			System:           "You extract fields.",
			User:             "Fields: {fields}\n\nText: {text}",
			StructuredSystem: "You extract by schema.",
		},
		Parameters: map[string]registry.ParameterDef{
			"input":  {Type: "array", Required: true},
			"fields": {Type: "array"},
			"schema": {Type: "object"},
			"prompt": {Type: "string"},
		},
	}
}

// ==========================
// single_choice
// ==========================

func TestBind_SingleChoicePromptAndCheck(t *testing.T) {
	op, err := Bind(classifyTemplate(), map[string]interface{}{
		"choices": []interface{}{"tech", "sports"},
		"prompt":  "Ignore emojis.",
	})
	require.NoError(t, err)
	assert.Equal(t, registry.SingleChoice, op.Kind())
	assert.False(t, op.Structured())

	p := op.Prompt(models.Item{ID: 0, Data: "new GPU launched"})
	assert.Equal(t, "You classify text.\n\nIgnore emojis.", p.System)
	assert.Equal(t, "Choices: tech, sports\n\nText: new GPU launched", p.User)

	tests := []struct {
		raw    string
		wantOK bool
		want   interface{}
	}{
		{"tech", true, "tech"},
		{" Tech.\n", true, "tech"},
		{`"sports"`, true, "sports"},
		{"finance", false, nil},
	}
	for _, tt := range tests {
		res := op.Check(tt.raw)
		assert.Equal(t, tt.wantOK, res.OK, "raw %q", tt.raw)
		if tt.wantOK {
			assert.Equal(t, tt.want, res.Coerced)
		}
	}
}

func TestCheck_ChoicesEndingInPeriod(t *testing.T) {
	op, err := Bind(classifyTemplate(), map[string]interface{}{"choices": []interface{}{"U.S.", "E.U."}})
	require.NoError(t, err)

	for _, raw := range []string{"U.S.", " u.s.\n", `"E.U."`} {
		res := op.Check(raw)
		assert.True(t, res.OK, "raw %q: %v", raw, res.Errors)
	}
	assert.Equal(t, "U.S.", op.Check("U.S.").Coerced)
	assert.Equal(t, "E.U.", op.Check("e.u.").Coerced)

	op, err = Bind(classifyTemplate(), map[string]interface{}{"choices": "a,b"})
	require.NoError(t, err)
	res := op.Check("a.")
	require.True(t, res.OK)
	assert.Equal(t, "a", res.Coerced, "a stray period is still dropped when nothing matches")
}

func TestCheck_TagsEndingInPeriod(t *testing.T) {
	op, err := Bind(tagTemplate(), map[string]interface{}{"tags": []interface{}{"Inc.", "etc.", "web"}})
	require.NoError(t, err)

	res := op.Check("Inc., web.")
	require.True(t, res.OK, "%v", res.Errors)
	assert.Equal(t, []interface{}{"Inc.", "web"}, res.Coerced)
}

func TestBind_SingleChoiceAcceptsCommaSeparatedChoices(t *testing.T) {
	op, err := Bind(classifyTemplate(), map[string]interface{}{"choices": "tech, sports ,"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"tech", "sports"}, op.Schema()["enum"])
}

func TestBind_SingleChoiceNeedsTwoChoices(t *testing.T) {
	for _, choices := range []interface{}{nil, "tech", []interface{}{"tech"}, []interface{}{"tech", "tech"}} {
		_, err := Bind(classifyTemplate(), map[string]interface{}{"choices": choices})
		require.Error(t, err, "choices %v", choices)
		assert.True(t, apperrors.IsInvalidInput(err))
	}
}

func TestBind_RejectsNonStringPrompt(t *testing.T) {
	_, err := Bind(classifyTemplate(), map[string]interface{}{"choices": "a,b", "prompt": 42})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))
}

// ==========================
// field references
// ==========================

func TestBind_UndeclaredReferenceFailsFast(t *testing.T) {
	tpl := classifyTemplate()
	tpl.PromptTemplates.User = "From {$sender}: {text} ({choices})"

	_, err := Bind(tpl, map[string]interface{}{"choices": "a,b"})
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingFieldReference(err))
	assert.Contains(t, err.Error(), "sender")
}

func TestBind_UndeclaredPlainPlaceholderFailsFast(t *testing.T) {
	tpl := classifyTemplate()
	tpl.PromptTemplates.System = "Tone: {tone}"

	err := CheckTemplate(tpl)
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingFieldReference(err))
}

func TestBind_UndeclaredReferenceInInstructionFailsFast(t *testing.T) {
	_, err := Bind(classifyTemplate(), map[string]interface{}{
		"choices": "a,b",
		"prompt":  "Focus on {$undeclared} and {other}",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingFieldReference(err))
	assert.Contains(t, err.Error(), "undeclared")
	assert.Contains(t, err.Error(), "other")
}

func TestBind_DeclaredReferenceInInstruction(t *testing.T) {
	tpl := classifyTemplate()
	tpl.Parameters["audience"] = registry.ParameterDef{Type: "string"}

	op, err := Bind(tpl, map[string]interface{}{
		"choices":  "a,b",
		"audience": "kids",
		"prompt":   "Pick from {choices} for {$audience}; id {id}.",
	})
	require.NoError(t, err)
	assert.Equal(t, "You classify text.\n\nPick from a, b for kids; id 7.",
		op.Prompt(models.Item{ID: 7, Data: "x"}).System)
}

func TestPrompt_ReferencesResolveFromItemFields(t *testing.T) {
	tpl := classifyTemplate()
	tpl.PromptTemplates.System = "Sender: {$name}"
	tpl.PromptTemplates.User = "Subject: {$subject}\nBody: {$message}\nChoices: {choices}"
	tpl.Parameters["name"] = registry.ParameterDef{Type: "string"}
	tpl.Parameters["subject"] = registry.ParameterDef{Type: "string"}
	tpl.Parameters["message"] = registry.ParameterDef{Type: "string"}

	op, err := Bind(tpl, map[string]interface{}{"choices": "sales,support"})
	require.NoError(t, err)

	p := op.Prompt(models.Item{ID: "m1", Data: map[string]interface{}{
		"name":    "Ada",
		"message": "my invoice is wrong",
	}})
	assert.Equal(t, "Sender: Ada", p.System)
	assert.Equal(t, "Subject: \nBody: my invoice is wrong\nChoices: sales, support", p.User,
		"a missing field reference resolves to the empty string")

	p = op.Prompt(models.Item{ID: "m2", Data: "plain text"})
	assert.Equal(t, "Sender: ", p.System, "missing references are empty in the system prompt too")
}

func TestPrompt_CallerValueFeedsReference(t *testing.T) {
	tpl := classifyTemplate()
	tpl.PromptTemplates.System = "Audience: {$audience}"
	tpl.Parameters["audience"] = registry.ParameterDef{Type: "string", Default: "general"}

	op, err := Bind(tpl, map[string]interface{}{"choices": "a,b"})
	require.NoError(t, err)
	assert.Equal(t, "Audience: general", op.Prompt(models.Item{ID: 0, Data: "x"}).System)

	op, err = Bind(tpl, map[string]interface{}{"choices": "a,b", "audience": "kids"})
	require.NoError(t, err)
	assert.Equal(t, "Audience: kids", op.Prompt(models.Item{ID: 0, Data: "x"}).System)
}

func TestPrompt_ItemValuesAreNotRescanned(t *testing.T) {
	op, err := Bind(classifyTemplate(), map[string]interface{}{"choices": "a,b"})
	require.NoError(t, err)

	p := op.Prompt(models.Item{ID: 0, Data: "see {choices} and {$text}"})
	assert.Equal(t, "Choices: a, b\n\nText: see {choices} and {$text}", p.User)
}

// ==========================
// multi_label
// ==========================

func TestBind_MultiLabel(t *testing.T) {
	op, err := Bind(tagTemplate(), map[string]interface{}{
		"tags": []interface{}{"python", "web", "databases"},
		"args": map[string]interface{}{"max_tags": float64(2)},
	})
	require.NoError(t, err)

	p := op.Prompt(models.Item{ID: 0, Data: "django orm tuning"})
	assert.Equal(t, "You tag text.\n\nReturn at most 2 labels.", p.System)
	assert.Contains(t, p.User, "Tags: python, web, databases")

	tests := []struct {
		name string
		raw  interface{}
		want []interface{}
	}{
		{"comma list", "Python, web", []interface{}{"python", "web"}},
		{"json array", `["databases"]`, []interface{}{"databases"}},
		{"bullets", "- web\n- python", []interface{}{"web", "python"}},
		{"none", "none", []interface{}{}},
		{"empty", "", []interface{}{}},
		{"truncated to max", "python, web, databases", []interface{}{"python", "web"}},
		{"structured list", []interface{}{"WEB"}, []interface{}{"web"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := op.Check(tt.raw)
			require.True(t, res.OK, "errors: %v", res.Errors)
			assert.Equal(t, tt.want, res.Coerced)
		})
	}

	res := op.Check("python, rust")
	assert.False(t, res.OK)
}

func TestBind_MultiLabelValidation(t *testing.T) {
	_, err := Bind(tagTemplate(), map[string]interface{}{"tags": []interface{}{}})
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = Bind(tagTemplate(), map[string]interface{}{
		"tags": "a",
		"args": map[string]interface{}{"max_tags": "lots"},
	})
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = Bind(tagTemplate(), map[string]interface{}{"tags": "a"})
	assert.NoError(t, err, "a single tag is enough")
}

// ==========================
// extraction
// ==========================

func TestBind_ExtractionFields(t *testing.T) {
	op, err := Bind(extractTemplate(), map[string]interface{}{"fields": "vendor, due_date"})
	require.NoError(t, err)
	assert.False(t, op.Structured())

	p := op.Prompt(models.Item{ID: 0, Data: "Invoice from ACME"})
	assert.Equal(t, "You extract fields.", p.System)
	assert.Equal(t, "Fields: vendor, due_date\n\nText: Invoice from ACME", p.User)

	res := op.Check("```json\n{\"vendor\": \"ACME\", \"total\": 12}\n```")
	require.True(t, res.OK, "errors: %v", res.Errors)
	assert.Equal(t, map[string]interface{}{"vendor": "ACME", "due_date": nil}, res.Coerced)

	res = op.Check("vendor: ACME\ndue_date: March 3, 2025")
	require.True(t, res.OK, "errors: %v", res.Errors)
	assert.Equal(t, map[string]interface{}{"vendor": "ACME", "due_date": "March 3, 2025"}, res.Coerced)

	res = op.Check("I could not find anything")
	assert.False(t, res.OK)
}

func TestBind_ExtractionSchemaIsStructured(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"amount":   map[string]interface{}{"type": "number"},
			"due_date": map[string]interface{}{"type": "string", "format": "date"},
		},
		"required": []interface{}{"amount"},
	}
	op, err := Bind(extractTemplate(), map[string]interface{}{"schema": schema, "prompt": "Amounts are in EUR."})
	require.NoError(t, err)
	assert.True(t, op.Structured())

	p := op.Prompt(models.Item{ID: 0, Data: "Pay 1.200 by 3/4/2025"})
	assert.Equal(t, "You extract by schema.\n\nAmounts are in EUR.", p.System)
	assert.Contains(t, p.User, "Schema:\n{")
	assert.Contains(t, p.User, "\n\nText:\nPay 1.200 by 3/4/2025\n\nExtracted data (as JSON):")

	res := op.Check(map[string]interface{}{"amount": "1200", "due_date": "3/4/2025"})
	require.True(t, res.OK, "errors: %v", res.Errors)
	assert.Equal(t, map[string]interface{}{"amount": 1200.0, "due_date": "2025-03-04"}, res.Coerced)

	res = op.Check(map[string]interface{}{"due_date": "3/4/2025"})
	assert.False(t, res.OK)
}

func TestBind_ExtractionResponseFormatAlias(t *testing.T) {
	op, err := Bind(extractTemplate(), map[string]interface{}{
		"response_format": `{"type":"json_schema","json_schema":{"name":"x","schema":{"type":"object","properties":{"city":{"type":"string"}}}}}`,
	})
	require.NoError(t, err)
	assert.True(t, op.Structured())
	assert.Contains(t, op.Schema()["properties"], "city")
}

func TestBind_ExtractionNeedsFieldsOrSchema(t *testing.T) {
	_, err := Bind(extractTemplate(), map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = Bind(extractTemplate(), map[string]interface{}{"schema": map[string]interface{}{"type": "object"}})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestBind_UnknownKind(t *testing.T) {
	tpl := classifyTemplate()
	tpl.OperationKind = "summarize"
	_, err := Bind(tpl, map[string]interface{}{"choices": "a,b"})
	assert.Error(t, err)
}
