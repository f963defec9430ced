package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationKind is the closed set of operations a template can describe.
type OperationKind string

const (
	SingleChoice OperationKind = "single_choice"
	MultiLabel   OperationKind = "multi_label"
	Extraction   OperationKind = "extraction"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case SingleChoice, MultiLabel, Extraction:
		return true
	}
	return false
}

// Defaults applied to model_config when a template omits them.
const (
	DefaultModel       = "openai/gpt-4o-mini"
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 1000
)

// Template is a tool definition loaded from configs/tools/*.json. Templates are
// immutable once loaded; the registry hands out deep copies.
type Template struct {
	Name            string                  `json:"tool_name"`
	Description     string                  `json:"description"`
	Category        string                  `json:"category,omitempty"`
	Version         string                  `json:"version,omitempty"`
	OperationKind   OperationKind           `json:"operation_type"`
	ModelConfig     ModelConfig             `json:"model_config"`
	PromptTemplates PromptTemplates         `json:"prompt_templates"`
	Parameters      map[string]ParameterDef `json:"parameters"`
	OutputSchema    map[string]interface{}  `json:"output_format,omitempty"`
	Examples        []Example               `json:"examples,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
}

// TaskType is the Zeebe job type serving this template.
func (t Template) TaskType() string {
	return strings.ReplaceAll(t.Name, "_", "-")
}

// ModelConfig selects and tunes the model behind a template.
type ModelConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// PromptTemplates holds the prompt text. StructuredSystem is used instead of
// System when the caller supplies a full output schema.
type PromptTemplates struct {
	System           string `json:"system"`
	User             string `json:"user"`
	StructuredSystem string `json:"structured_system,omitempty"`
}

// ParameterDef declares one caller-facing parameter.
type ParameterDef struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Required    bool                   `json:"required,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
	Items       map[string]interface{} `json:"items,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	MinItems    *int                   `json:"minItems,omitempty"`
}

// Example is shown in tool descriptions.
type Example struct {
	Input  map[string]interface{} `json:"input"`
	Output interface{}            `json:"output"`
}

// Summary is the listing view of a template.
type Summary struct {
	Name          string        `json:"name"`
	OperationKind OperationKind `json:"operation_type"`
	Description   string        `json:"description"`
	Category      string        `json:"category,omitempty"`
	Version       string        `json:"version,omitempty"`
}

func (t Template) Summary() Summary {
	return Summary{
		Name:          t.Name,
		OperationKind: t.OperationKind,
		Description:   t.Description,
		Category:      t.Category,
		Version:       t.Version,
	}
}

// Clone returns a deep copy so callers can never mutate a registry entry.
func (t Template) Clone() Template {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var out Template
	if err := json.Unmarshal(raw, &out); err != nil {
		return t
	}
	return out
}

func (t *Template) applyDefaults() {
	if t.ModelConfig.Model == "" {
		t.ModelConfig.Model = DefaultModel
	}
	if t.ModelConfig.MaxTokens == 0 {
		t.ModelConfig.MaxTokens = DefaultMaxTokens
	}
	if t.Parameters == nil {
		t.Parameters = map[string]ParameterDef{}
	}
}

func (t Template) validate() error {
	if !t.OperationKind.Valid() {
		return fmt.Errorf("unknown operation_type %q", t.OperationKind)
	}
	if t.ModelConfig.Temperature < 0 || t.ModelConfig.Temperature > 2 {
		return fmt.Errorf("model_config.temperature %.2f out of range [0, 2]", t.ModelConfig.Temperature)
	}
	if t.ModelConfig.MaxTokens < 0 {
		return fmt.Errorf("model_config.max_tokens must be positive")
	}
	if strings.TrimSpace(t.PromptTemplates.User) == "" {
		return fmt.Errorf("prompt_templates.user is required")
	}
	return nil
}
