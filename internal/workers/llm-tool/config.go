// internal/workers/llm-tool/config.go
package llmtool

import (
	"time"

	"llm-field-tools/internal/common/camunda"
	"llm-field-tools/internal/common/config"
)

type Config struct {
	// Timeout bounds one job, including every model call in its batch.
	Timeout time.Duration
	Retry   *camunda.RetryConfig
}

// LoadConfig derives the handler settings for one job type.
func LoadConfig(wcfg config.WorkerConfig) *Config {
	timeout := config.GetDuration(wcfg.Timeout)
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Config{
		Timeout: timeout,
		Retry: &camunda.RetryConfig{
			MaxRetries: wcfg.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
	}
}
