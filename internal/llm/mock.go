package llm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

// MockClient is a deterministic Client for tests and dry runs.
//
// Handler, when set, decides the answer for every prompt. Otherwise Responses
// are returned in order and the last one repeats. Err, when set, fails every call.
type MockClient struct {
	Responses []string
	Err       error
	Handler   func(prompt models.ResolvedPrompt) (string, error)
	// Delay is applied before answering. DelayFunc, when set, overrides it.
	Delay     time.Duration
	DelayFunc func(prompt models.ResolvedPrompt) time.Duration

	mu        sync.Mutex
	calls     []MockCall
	callIndex int
}

// MockCall records one invocation.
type MockCall struct {
	Prompt models.ResolvedPrompt
	Config registry.ModelConfig
	Schema map[string]interface{}
}

var _ StructuredClient = (*MockClient)(nil)

func (m *MockClient) Invoke(ctx context.Context, prompt models.ResolvedPrompt, cfg registry.ModelConfig) (string, error) {
	return m.answer(ctx, MockCall{Prompt: prompt, Config: cfg})
}

// InvokeStructured decodes the scripted answer as JSON, the way a structured
// provider would.
func (m *MockClient) InvokeStructured(ctx context.Context, prompt models.ResolvedPrompt, cfg registry.ModelConfig, schema map[string]interface{}) (interface{}, error) {
	raw, err := m.answer(ctx, MockCall{Prompt: prompt, Config: cfg, Schema: schema})
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return raw, nil
	}
	return out, nil
}

func (m *MockClient) answer(ctx context.Context, call MockCall) (string, error) {
	delay := m.Delay
	if m.DelayFunc != nil {
		delay = m.DelayFunc(call.Prompt)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	if m.Err != nil {
		m.mu.Unlock()
		return "", m.Err
	}
	if m.Handler != nil {
		m.mu.Unlock()
		return m.Handler(call.Prompt)
	}
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return "", nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns the number of invocations so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and rewinds Responses.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
