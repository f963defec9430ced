package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-field-tools/internal/common/config"
	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

func chatCompletion(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			},
		},
	})
	return string(body)
}

type capturedRequest struct {
	Path string
	Body map[string]interface{}
}

// openAIServer answers chat completions with the scripted statuses and content.
func openAIServer(t *testing.T, statuses []int, content string) (*httptest.Server, *int32, chan capturedRequest) {
	t.Helper()
	var calls int32
	captured := make(chan capturedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt32(&calls, 1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		captured <- capturedRequest{Path: r.URL.Path, Body: body}

		w.Header().Set("Content-Type", "application/json")
		if int(n) <= len(statuses) && statuses[n-1] != http.StatusOK {
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"error":{"message":"scripted failure","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(chatCompletion(content)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, captured
}

func newTestRouter(t *testing.T, cfg config.LLMConfig) *Router {
	t.Helper()
	r, err := NewRouter(context.Background(), cfg,
		WithRetryDelay(time.Millisecond),
		WithLogger(logger.NewTestLogger(t)),
	)
	require.NoError(t, err)
	return r
}

var testPrompt = models.ResolvedPrompt{System: "Classify.", User: "Text: new GPU"}

func TestSelectProvider(t *testing.T) {
	tests := []struct {
		explicit, model, fallback string
		want                      string
	}{
		{"", "gpt-4o-mini", "", ProviderOpenAI},
		{"", "gpt-4o-mini", ProviderOpenRouter, ProviderOpenRouter},
		{"", "openai/gpt-4o-mini", "", ProviderOpenRouter},
		{"", "meta-llama/llama-3.1-8b", "", ProviderOpenRouter},
		{"", "anthropic/claude-3-5-haiku", "", ProviderAnthropic},
		{"", "claude-3-5-sonnet-latest", "", ProviderAnthropic},
		{"", "gemini-1.5-flash", "", ProviderGoogle},
		{"", "google/gemini-2.0-flash", "", ProviderGoogle},
		{"OpenRouter", "claude-3-5-sonnet", "", ProviderOpenRouter},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectProvider(tt.explicit, tt.model, tt.fallback))
		})
	}
}

func TestNewRouter_RequiresAProvider(t *testing.T) {
	_, err := NewRouter(context.Background(), config.LLMConfig{})
	assert.Error(t, err)
}

func TestRouter_InvokeOpenAI(t *testing.T) {
	srv, calls, captured := openAIServer(t, nil, "tech")
	r := newTestRouter(t, config.LLMConfig{OpenAI: config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}})

	out, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "gpt-4o-mini", Temperature: 0, MaxTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, "tech", out)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	req := <-captured
	assert.Equal(t, "gpt-4o-mini", req.Body["model"])
	messages, ok := req.Body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, "Classify.", messages[0].(map[string]interface{})["content"])
	assert.Equal(t, "user", messages[1].(map[string]interface{})["role"])
	assert.NotContains(t, req.Body, "response_format")
}

func TestRouter_OpenRouterIDFallsBackToVendor(t *testing.T) {
	srv, _, captured := openAIServer(t, nil, "sports")
	r := newTestRouter(t, config.LLMConfig{OpenAI: config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}})

	out, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "openai/gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "sports", out)
	assert.Equal(t, "gpt-4o-mini", (<-captured).Body["model"], "vendor prefix is stripped for the direct provider")
}

func TestRouter_OpenRouterKeepsFullModelID(t *testing.T) {
	srv, _, captured := openAIServer(t, nil, "tech")
	r := newTestRouter(t, config.LLMConfig{OpenRouter: config.ProviderConfig{APIKey: "or-test", BaseURL: srv.URL}})

	_, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "meta-llama/llama-3.1-8b"})
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/llama-3.1-8b", (<-captured).Body["model"])

	_, err = r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "anthropic/claude-3-5-haiku"})
	require.NoError(t, err, "anthropic ids go through OpenRouter when no Anthropic key is set")
	assert.Equal(t, "anthropic/claude-3-5-haiku", (<-captured).Body["model"])
}

func TestRouter_UnconfiguredProvider(t *testing.T) {
	srv, calls, _ := openAIServer(t, nil, "tech")
	r := newTestRouter(t, config.LLMConfig{OpenAI: config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}})

	_, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "claude-3-5-haiku"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeModelInvocationFailed, apperrors.CodeOf(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestRouter_RetriesTransientErrors(t *testing.T) {
	srv, calls, _ := openAIServer(t, []int{http.StatusInternalServerError, http.StatusBadGateway}, "tech")
	r := newTestRouter(t, config.LLMConfig{
		MaxRetries: 2,
		OpenAI:     config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL},
	})

	out, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "tech", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCode  apperrors.ErrorCode
		wantCalls int32
	}{
		{"bad request is not retried", []int{400}, apperrors.ErrCodeModelInvocationFailed, 1},
		{"unauthorized is not retried", []int{401}, apperrors.ErrCodeModelInvocationFailed, 1},
		{"rate limit exhausts retries", []int{429, 429, 429}, apperrors.ErrCodeRateLimited, 3},
		{"server errors exhaust retries", []int{503, 503, 503}, apperrors.ErrCodeModelInvocationFailed, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls, _ := openAIServer(t, tt.statuses, "tech")
			r := newTestRouter(t, config.LLMConfig{
				MaxRetries: 2,
				OpenAI:     config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL},
			})

			_, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "gpt-4o-mini"})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(calls))
		})
	}
}

func TestRouter_InvokeStructured(t *testing.T) {
	srv, _, captured := openAIServer(t, nil, `{"city": "Paris"}`)
	r := newTestRouter(t, config.LLMConfig{OpenAI: config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}})

	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
	}
	out, err := r.InvokeStructured(context.Background(), models.ResolvedPrompt{User: "I live in Paris"}, registry.ModelConfig{Model: "gpt-4o-mini"}, schema)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"city": "Paris"}, out)

	req := <-captured
	format, ok := req.Body["response_format"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])

	messages := req.Body["messages"].([]interface{})
	system := messages[0].(map[string]interface{})["content"].(string)
	assert.True(t, strings.HasPrefix(system, "You are a helpful assistant that outputs valid JSON."))
	assert.Contains(t, system, "You must respond with valid JSON matching this schema:")
	assert.Contains(t, system, `"city"`)
}

func TestRouter_InvokeStructuredReturnsUndecodableText(t *testing.T) {
	srv, _, _ := openAIServer(t, nil, "city: Paris")
	r := newTestRouter(t, config.LLMConfig{OpenAI: config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}})

	out, err := r.InvokeStructured(context.Background(), testPrompt, registry.ModelConfig{Model: "gpt-4o-mini"},
		map[string]interface{}{"type": "object"})
	require.NoError(t, err)
	assert.Equal(t, "city: Paris", out)
}

func TestRouter_CancelledContext(t *testing.T) {
	srv, _, _ := openAIServer(t, []int{503, 503, 503}, "tech")
	r, err := NewRouter(context.Background(), config.LLMConfig{
		MaxRetries: 2,
		OpenAI:     config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL},
	}, WithRetryDelay(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = r.Invoke(ctx, testPrompt, registry.ModelConfig{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouter_InvokeAnthropic(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_test",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku",
			"content": [{"type": "text", "text": "sports"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	r := newTestRouter(t, config.LLMConfig{Anthropic: config.ProviderConfig{APIKey: "ak-test", BaseURL: srv.URL}})

	out, err := r.Invoke(context.Background(), testPrompt, registry.ModelConfig{Model: "anthropic/claude-3-5-haiku", MaxTokens: 20})
	require.NoError(t, err)
	assert.Equal(t, "sports", out)

	assert.Equal(t, "claude-3-5-haiku", body["model"])
	assert.Equal(t, float64(20), body["max_tokens"])
	system, ok := body["system"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, "Classify.", system[0].(map[string]interface{})["text"])
}

func TestWithSchemaInstruction(t *testing.T) {
	assert.Equal(t, "Be exact.\n\nYou must respond with valid JSON matching this schema:\n{}", withSchemaInstruction("Be exact.", "{}"))
	assert.Equal(t, defaultJSONSystem+structuredInstruction+"{}", withSchemaInstruction("  ", "{}"))
}
