package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-field-tools/pkg/registry"
)

func intPtr(n int) *int { return &n }

func classifyParams() map[string]registry.ParameterDef {
	return map[string]registry.ParameterDef{
		"input": {Type: "array", Required: true},
		"choices": {
			Type:     "array",
			Required: true,
			Items:    map[string]interface{}{"type": "string"},
			MinItems: intPtr(2),
		},
		"prompt":   {Type: "string"},
		"args":     {Type: "object"},
		"max_tags": {Type: "integer"},
		"schema":   {Type: "object"},
	}
}

func TestValidateArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]interface{}
		wantCode string
	}{
		{
			name: "list arguments",
			args: map[string]interface{}{
				"input":   []interface{}{"a", map[string]interface{}{"id": "x", "data": "b"}},
				"choices": []interface{}{"tech", "sports"},
			},
		},
		{
			name: "comma separated choices",
			args: map[string]interface{}{"input": []interface{}{"a"}, "choices": "tech, sports"},
		},
		{
			name: "bare string batch",
			args: map[string]interface{}{"input": "a, b and c", "choices": []interface{}{"x", "y"}},
		},
		{
			name: "integral float for integer",
			args: map[string]interface{}{"input": []interface{}{"a"}, "choices": "x,y", "max_tags": 2.0},
		},
		{
			name: "undeclared arguments pass through",
			args: map[string]interface{}{"input": []interface{}{"a"}, "choices": "x,y", "extra": 42},
		},
		{
			name: "JSON string object",
			args: map[string]interface{}{"input": []interface{}{"a"}, "choices": "x,y", "schema": `{"type":"object"}`},
		},
		{
			name:     "non JSON string object",
			args:     map[string]interface{}{"input": []interface{}{"a"}, "choices": "x,y", "schema": "object please"},
			wantCode: "INVALID_TYPE",
		},
		{
			name:     "missing required",
			args:     map[string]interface{}{"input": []interface{}{"a"}},
			wantCode: "REQUIRED_FIELD_MISSING",
		},
		{
			name:     "null required",
			args:     map[string]interface{}{"input": []interface{}{"a"}, "choices": nil},
			wantCode: "REQUIRED_FIELD_MISSING",
		},
		{
			name:     "single comma choice",
			args:     map[string]interface{}{"input": []interface{}{"a"}, "choices": "tech"},
			wantCode: "MIN_ITEMS_VIOLATION",
		},
		{
			name:     "wrong type",
			args:     map[string]interface{}{"input": []interface{}{"a"}, "choices": "x,y", "prompt": 5},
			wantCode: "INVALID_TYPE",
		},
		{
			name:     "fractional integer",
			args:     map[string]interface{}{"input": []interface{}{"a"}, "choices": "x,y", "max_tags": 2.5},
			wantCode: "INVALID_TYPE",
		},
		{
			name:     "wrong item type",
			args:     map[string]interface{}{"input": []interface{}{"a"}, "choices": []interface{}{1, 2}},
			wantCode: "INVALID_TYPE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateArgs(tt.args, classifyParams())
			if tt.wantCode == "" {
				assert.True(t, res.Valid, "%v", res.Errors)
				assert.Empty(t, res.Errors)
				return
			}
			assert.False(t, res.Valid)
			require.NotEmpty(t, res.Errors)
			assert.Equal(t, tt.wantCode, res.Errors[0].Code)
		})
	}
}

func TestValidationResult_Messages(t *testing.T) {
	res := ValidateArgs(map[string]interface{}{}, classifyParams())
	require.False(t, res.Valid)
	assert.Equal(t, []string{
		"field 'choices': required field missing",
		"field 'input': required field missing",
	}, res.Messages())
}
