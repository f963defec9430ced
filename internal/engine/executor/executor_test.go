package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/engine/normalizer"
	"llm-field-tools/internal/engine/operation"
	"llm-field-tools/internal/llm"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

func classifyOp(t *testing.T, choices ...string) operation.Operation {
	t.Helper()
	tpl := registry.Template{
		Name:          "classify_by_llm",
		OperationKind: registry.SingleChoice,
		ModelConfig:   registry.ModelConfig{Model: "gpt-4o-mini", MaxTokens: 10},
		PromptTemplates: registry.PromptTemplates{
			System: "Classify.",
			User:   "Choices: {choices}\nText: {text}",
		},
		Parameters: map[string]registry.ParameterDef{
			"input":   {Type: "array"},
			"choices": {Type: "array"},
		},
	}
	list := make([]interface{}, len(choices))
	for i, c := range choices {
		list[i] = c
	}
	op, err := operation.Bind(tpl, map[string]interface{}{"choices": list})
	require.NoError(t, err)
	return op
}

func items(t *testing.T, input ...interface{}) []models.Item {
	t.Helper()
	out, err := normalizer.Normalize(input)
	require.NoError(t, err)
	return out
}

func newExecutor(t *testing.T, client llm.Client, opts ...Option) *Executor {
	return New(client, append([]Option{WithLogger(logger.NewTestLogger(t))}, opts...)...)
}

func TestExecute_ClassifiesBatch(t *testing.T) {
	client := &llm.MockClient{Handler: func(p models.ResolvedPrompt) (string, error) {
		if strings.Contains(p.User, "iPhone") {
			return "tech", nil
		}
		return "Sports.", nil
	}}

	out, err := newExecutor(t, client).Execute(context.Background(), Request{
		Tool:      "classify_by_llm",
		Items:     items(t, "Apple releases new iPhone", "Lakers win game"),
		Operation: classifyOp(t, "tech", "sports", "politics"),
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OutputItem{
		{ID: 0, Result: "tech"},
		{ID: 1, Result: "sports"},
	}, out)
}

func TestExecute_PreservesOrderUnderRandomLatency(t *testing.T) {
	const n = 20
	input := make([]interface{}, n)
	for i := range input {
		input[i] = fmt.Sprintf("item-%d", i)
	}

	client := &llm.MockClient{
		// Earlier items finish later.
		DelayFunc: func(p models.ResolvedPrompt) time.Duration {
			var i int
			_, _ = fmt.Sscanf(p.User[strings.Index(p.User, "item-"):], "item-%d", &i)
			return time.Duration((n-i)*(i%3+1)) * time.Millisecond
		},
		Handler: func(p models.ResolvedPrompt) (string, error) {
			var i int
			_, _ = fmt.Sscanf(p.User[strings.Index(p.User, "item-"):], "item-%d", &i)
			if i%2 == 0 {
				return "even", nil
			}
			return "odd", nil
		},
	}

	out, err := newExecutor(t, client, WithConcurrency(7)).Execute(context.Background(), Request{
		Tool:      "classify_by_llm",
		Items:     items(t, input...),
		Operation: classifyOp(t, "even", "odd"),
	})
	require.NoError(t, err)
	require.Len(t, out, n)
	for i, o := range out {
		assert.Equal(t, i, o.ID)
		if i%2 == 0 {
			assert.Equal(t, "even", o.Result)
		} else {
			assert.Equal(t, "odd", o.Result)
		}
	}
}

func TestExecute_ModelErrorIsolatedToItem(t *testing.T) {
	client := &llm.MockClient{Handler: func(p models.ResolvedPrompt) (string, error) {
		if strings.Contains(p.User, "explode") {
			return "", apperrors.NewModelInvocationError("openai", false, errors.New("status 400"))
		}
		return "tech", nil
	}}

	out, err := newExecutor(t, client).Execute(context.Background(), Request{
		Tool:      "classify_by_llm",
		Items:     items(t, "fine", "explode", "also fine"),
		Operation: classifyOp(t, "tech", "sports"),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, models.OutputItem{ID: 0, Result: "tech"}, out[0])
	assert.Equal(t, models.OutputItem{ID: 2, Result: "tech"}, out[2])
	assert.Equal(t, 1, out[1].ID)
	assert.Nil(t, out[1].Result)
	assert.Contains(t, out[1].Error, "status 400")
	assert.Equal(t, 3, client.CallCount(), "model errors are not retried by the executor")
}

func TestExecute_RetryThenFail(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"finance"}}

	out, err := newExecutor(t, client).Execute(context.Background(), Request{
		Tool:      "classify_by_llm",
		Items:     items(t, "Fed raises rates"),
		Operation: classifyOp(t, "tech", "sports"),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Result)
	assert.Contains(t, out[0].Error, "Model output failed validation")

	calls := client.Calls()
	require.Len(t, calls, 2, "exactly one corrective retry")
	assert.NotContains(t, calls[0].Prompt.User, "previous output invalid because")
	assert.Contains(t, calls[1].Prompt.User, "previous output invalid because")
	assert.Equal(t, calls[0].Prompt.System, calls[1].Prompt.System)
}

func TestExecute_RetryThenSucceedStateSequence(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"finance", "tech"}}

	var mu sync.Mutex
	var transitions []string
	observer := func(id interface{}, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+">"+string(to))
	}

	out, err := newExecutor(t, client, WithStateObserver(observer)).Execute(context.Background(), Request{
		Tool:      "classify_by_llm",
		Items:     items(t, "new GPU"),
		Operation: classifyOp(t, "tech", "sports"),
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OutputItem{{ID: 0, Result: "tech"}}, out)
	assert.Equal(t, []string{
		"PENDING>PROMPTED",
		"PROMPTED>AWAITING_MODEL",
		"AWAITING_MODEL>VALIDATING",
		"VALIDATING>RETRY",
		"RETRY>AWAITING_MODEL",
		"AWAITING_MODEL>VALIDATING",
		"VALIDATING>DONE",
	}, transitions)
}

func TestExecute_CancellationReturnsNoOutput(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"tech"}, Delay: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := newExecutor(t, client, WithConcurrency(2)).Execute(ctx, Request{
		Tool:      "classify_by_llm",
		Items:     items(t, "a", "b", "c", "d"),
		Operation: classifyOp(t, "tech", "sports"),
	})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, apperrors.IsBatchCancelled(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// countingClient tracks how many calls are in flight at once.
type countingClient struct {
	inFlight int32
	peak     int32
	delay    time.Duration
}

func (c *countingClient) Invoke(ctx context.Context, _ models.ResolvedPrompt, _ registry.ModelConfig) (string, error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	defer atomic.AddInt32(&c.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&c.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&c.peak, peak, n) {
			break
		}
	}
	select {
	case <-time.After(c.delay):
		return "tech", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	client := &countingClient{delay: 15 * time.Millisecond}
	input := make([]interface{}, 12)
	for i := range input {
		input[i] = "text"
	}

	out, err := newExecutor(t, client).Execute(context.Background(), Request{
		Tool:        "classify_by_llm",
		Items:       items(t, input...),
		Operation:   classifyOp(t, "tech", "sports"),
		Concurrency: 3,
	})
	require.NoError(t, err)
	assert.Len(t, out, 12)
	assert.LessOrEqual(t, atomic.LoadInt32(&client.peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&client.peak), int32(0))
}

func TestExecute_StructuredExtraction(t *testing.T) {
	tpl := registry.Template{
		Name:          "extract_by_llm",
		OperationKind: registry.Extraction,
		PromptTemplates: registry.PromptTemplates{
			System: "Extract.",
			User:   "Fields: {fields}\nText: {text}",
		},
		Parameters: map[string]registry.ParameterDef{"fields": {Type: "array"}, "schema": {Type: "object"}},
	}
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"amount": map[string]interface{}{"type": "number"},
			"date":   map[string]interface{}{"type": "string", "format": "date"},
		},
		"required": []interface{}{"amount"},
	}
	op, err := operation.Bind(tpl, map[string]interface{}{"schema": schema})
	require.NoError(t, err)

	client := &llm.MockClient{Responses: []string{`{"amount": "$1,200"}`}}
	out, err := newExecutor(t, client).Execute(context.Background(), Request{
		Tool:      "extract_by_llm",
		Items:     items(t, map[string]interface{}{"id": "inv-1", "data": "Invoice total $1,200"}),
		Operation: op,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.OutputItem{
		{ID: "inv-1", Result: map[string]interface{}{"amount": 1200.0, "date": nil}},
	}, out)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].Schema, "structured operations use the structured client path")
}

func TestExecute_EmptyBatch(t *testing.T) {
	out, err := newExecutor(t, &llm.MockClient{}).Execute(context.Background(), Request{
		Tool:      "classify_by_llm",
		Operation: classifyOp(t, "tech", "sports"),
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExecute_RepeatedRunsAreIndependent(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"tech"}}
	exec := newExecutor(t, client)
	req := Request{
		Tool:      "classify_by_llm",
		Items:     items(t, "a", "b"),
		Operation: classifyOp(t, "tech", "sports"),
	}

	first, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []models.Item{{ID: 0, Data: "a"}, {ID: 1, Data: "b"}}, req.Items)
}
