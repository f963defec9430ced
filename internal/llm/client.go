// Package llm holds the model clients the batch executor talks to: one adapter
// per provider SDK behind a Router that picks a provider from the model name,
// retries transient failures and applies the optional rate limit.
package llm

import (
	"context"
	"strings"

	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

// Client returns the raw text answer for a resolved prompt.
type Client interface {
	Invoke(ctx context.Context, prompt models.ResolvedPrompt, cfg registry.ModelConfig) (string, error)
}

// StructuredClient is implemented by clients that can ask the model for JSON
// conforming to a schema and decode it themselves.
type StructuredClient interface {
	Client
	InvokeStructured(ctx context.Context, prompt models.ResolvedPrompt, cfg registry.ModelConfig, schema map[string]interface{}) (interface{}, error)
}

// Provider names.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGoogle     = "google"
	ProviderMock       = "mock"
)

// request is what a provider adapter sends. Model is already stripped of any
// routing prefix the provider does not understand.
type request struct {
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
	// JSON asks for a JSON object answer where the provider supports it.
	JSON bool
}

// provider is one SDK-backed adapter.
type provider interface {
	Name() string
	complete(ctx context.Context, req request) (string, error)
}

const (
	structuredInstruction = "\n\nYou must respond with valid JSON matching this schema:\n"
	defaultJSONSystem     = "You are a helpful assistant that outputs valid JSON."
)

// withSchemaInstruction appends the schema to the system prompt.
func withSchemaInstruction(system, schemaJSON string) string {
	if strings.TrimSpace(system) == "" {
		system = defaultJSONSystem
	}
	return system + structuredInstruction + schemaJSON
}
