// cmd/tools/template-generator/main.go
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"llm-field-tools/internal/engine/operation"
	"llm-field-tools/pkg/registry"
)

// kindDefaults holds what differs between the scaffolds of each operation kind.
type kindDefaults struct {
	category   string
	system     string
	user       string
	structured string
	maxTokens  int
	params     map[string]registry.ParameterDef
	output     map[string]interface{}
}

func minItems(n int) *int { return &n }

func defaultsFor(kind registry.OperationKind) (kindDefaults, error) {
	switch kind {
	case registry.SingleChoice:
		return kindDefaults{
			category:  "classification",
			system:    "Answer with exactly one of the allowed choices and nothing else.",
			user:      "Choices: {choices}\n\nText: {text}\n\nChoice:",
			maxTokens: 100,
			params: map[string]registry.ParameterDef{
				"choices": {
					Type:        "array",
					Description: "Allowed choices. A comma separated string is also accepted.",
					Required:    true,
					Items:       map[string]interface{}{"type": "string"},
					MinItems:    minItems(2),
				},
			},
			output: map[string]interface{}{"type": "string"},
		}, nil
	case registry.MultiLabel:
		return kindDefaults{
			category:  "classification",
			system:    "Reply with the matching tags separated by commas, or 'none' if no tag applies.",
			user:      "Tags: {tags}\n\nText: {text}\n\nTags:",
			maxTokens: 200,
			params: map[string]registry.ParameterDef{
				"tags": {
					Type:        "array",
					Description: "Allowed tags. A comma separated string is also accepted.",
					Required:    true,
					Items:       map[string]interface{}{"type": "string"},
					MinItems:    minItems(1),
				},
			},
			output: map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		}, nil
	case registry.Extraction:
		return kindDefaults{
			category:   "extraction",
			system:     "Reply with a single JSON object containing exactly the requested fields. Use null for fields that are not present.",
			user:       "Fields: {fields}\n\nText: {text}\n\nJSON:",
			structured: "Reply with a single JSON object that satisfies the schema. Use null for values that are not present.",
			maxTokens:  1000,
			params: map[string]registry.ParameterDef{
				"fields": {
					Type:        "array",
					Description: "Field names to extract. A comma separated string is also accepted.",
					Items:       map[string]interface{}{"type": "string"},
				},
				"schema": {
					Type:        "object",
					Description: "Full JSON schema of the object to extract. Takes precedence over fields.",
				},
			},
			output: map[string]interface{}{"type": "object"},
		}, nil
	}
	return kindDefaults{}, fmt.Errorf("unknown operation %q (want single_choice, multi_label or extraction)", kind)
}

// scaffold builds a template that loads cleanly and can be edited from there.
func scaffold(name, description, model string, kind registry.OperationKind) (registry.Template, error) {
	d, err := defaultsFor(kind)
	if err != nil {
		return registry.Template{}, err
	}

	params := map[string]registry.ParameterDef{
		operation.ArgInput: {
			Type:        "array",
			Description: "Items to process. Plain strings or objects with id and data.",
			Required:    true,
		},
		operation.ArgPrompt: {
			Type:        "string",
			Description: "Extra instruction appended to the system prompt.",
		},
		operation.ArgArgs: {
			Type:        "object",
			Description: "Overrides: model, provider, temperature, max_tokens, concurrency.",
		},
	}
	for k, v := range d.params {
		params[k] = v
	}

	return registry.Template{
		Name:          name,
		Description:   description,
		Category:      d.category,
		Version:       "0.1.0",
		OperationKind: kind,
		ModelConfig: registry.ModelConfig{
			Model:     model,
			MaxTokens: d.maxTokens,
		},
		PromptTemplates: registry.PromptTemplates{
			System:           d.system,
			User:             d.user,
			StructuredSystem: d.structured,
		},
		Parameters:   params,
		OutputSchema: d.output,
		Tags:         []string{"llm"},
	}, nil
}

func main() {
	name := flag.String("name", "", "Tool name in snake_case (e.g., sentiment_by_llm)")
	kind := flag.String("operation", "single_choice", "Operation: single_choice, multi_label or extraction")
	description := flag.String("description", "", "One line description shown in tool listings")
	model := flag.String("model", registry.DefaultModel, "Default model for the tool")
	outputDir := flag.String("output", "configs/tools", "Template directory")
	force := flag.Bool("force", false, "Overwrite an existing template file")
	flag.Parse()

	if *name == "" || *description == "" {
		fmt.Println("Usage: template-generator --name <tool_name> --description <text> [--operation <kind>] [--output <dir>]")
		fmt.Println("\nExample:")
		fmt.Println("  go run cmd/tools/template-generator/main.go --name sentiment_by_llm --description \"Classify sentiment\"")
		os.Exit(1)
	}
	if strings.ContainsAny(*name, "- ") {
		fmt.Println("Error: name must be snake_case; the job type is derived by replacing _ with -")
		os.Exit(1)
	}

	tpl, err := scaffold(*name, *description, *model, registry.OperationKind(*kind))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		fmt.Printf("Error creating directory: %v\n", err)
		os.Exit(1)
	}
	path := filepath.Join(*outputDir, *name+".json")
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Printf("Error: %s already exists (use --force to overwrite)\n", path)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		fmt.Printf("Error encoding template: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		fmt.Printf("Error writing %s: %v\n", path, err)
		os.Exit(1)
	}

	// Load the directory back the way the server does.
	reg, err := registry.Load(*outputDir, registry.WithCheck(operation.CheckTemplate))
	if err != nil {
		fmt.Printf("Error loading %s: %v\n", *outputDir, err)
		os.Exit(1)
	}
	for _, le := range reg.Skipped() {
		if le.Path == path {
			fmt.Printf("Error: generated template does not load: %v\n", le.Err)
			os.Exit(1)
		}
	}

	fmt.Printf("✓ Generated %s\n", path)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  1. Tune the prompts in %s\n", path)
	fmt.Printf("  2. Add examples for the tool description\n")
	fmt.Printf("  3. Add a %s entry under workers in configs/config.yaml\n", tpl.TaskType())
	fmt.Printf("  4. Check it with: tool-server validate\n")
}
