// internal/workers/llm-tool/models.go
package llmtool

import "llm-field-tools/internal/models"

// Input is the job variables, passed to the tool unchanged as its arguments.
type Input map[string]interface{}

// Output becomes the completed job's variables.
type Output struct {
	Results  []models.OutputItem    `json:"results"`
	Metadata models.ProcessMetadata `json:"metadata"`
	BatchID  string                 `json:"batchId"`
}
