package models

// Item is one unit of a batch after normalization.
type Item struct {
	ID   interface{} `json:"id"`
	Data interface{} `json:"data"`
}

// OutputItem carries the outcome for one input item. Exactly one of Result and
// Error is meaningful: Error is empty on success.
type OutputItem struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// Failed reports whether the item ended in an error.
func (o OutputItem) Failed() bool {
	return o.Error != ""
}

// ResolvedPrompt is the fully substituted prompt pair sent to a model.
type ResolvedPrompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// ProcessMetadata summarizes a finished batch.
type ProcessMetadata struct {
	TotalItems       int   `json:"total_items"`
	Successful       int   `json:"successful"`
	Failed           int   `json:"failed"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Summarize counts successes and failures in outputs.
func Summarize(outputs []OutputItem, elapsedMs int64) ProcessMetadata {
	meta := ProcessMetadata{TotalItems: len(outputs), ProcessingTimeMs: elapsedMs}
	for _, o := range outputs {
		if o.Failed() {
			meta.Failed++
		} else {
			meta.Successful++
		}
	}
	return meta
}
