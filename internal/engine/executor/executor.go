// Package executor runs one operation over a batch of items with bounded
// concurrency. Each item is prompted, answered and validated on its own; a
// failing item carries its error inline and never affects its siblings.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/common/metrics"
	"llm-field-tools/internal/common/observability"
	"llm-field-tools/internal/engine/operation"
	"llm-field-tools/internal/engine/validator"
	"llm-field-tools/internal/llm"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

// DefaultConcurrency is the number of simultaneous model calls per batch.
const DefaultConcurrency = 5

// maxAttempts is the first answer plus one corrective retry.
const maxAttempts = 2

// State is the lifecycle position of one item.
type State string

const (
	StatePending       State = "PENDING"
	StatePrompted      State = "PROMPTED"
	StateAwaitingModel State = "AWAITING_MODEL"
	StateValidating    State = "VALIDATING"
	StateRetry         State = "RETRY"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// StateObserver is told about every item transition. It is called from the
// item's goroutine and must be safe for concurrent use.
type StateObserver func(id interface{}, from, to State)

// Request is one batch.
type Request struct {
	// Tool names the template for logs and metrics.
	Tool        string
	Items       []models.Item
	Operation   operation.Operation
	ModelConfig registry.ModelConfig
	// Concurrency overrides the executor default when positive.
	Concurrency int
	// BatchID correlates logs and spans; one is generated when empty.
	BatchID string
}

type Executor struct {
	client      llm.Client
	concurrency int
	logger      logger.Logger
	observer    StateObserver
}

type Option func(*Executor)

func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithStateObserver(o StateObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// New returns an executor bound to one model client for the process lifetime.
func New(client llm.Client, opts ...Option) *Executor {
	e := &Executor{
		client:      client,
		concurrency: DefaultConcurrency,
		logger:      logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute processes every item and returns one output per item in input order.
// If ctx ends before the batch finishes, no outputs are returned and the error
// is a BatchCancelledError.
func (e *Executor) Execute(ctx context.Context, req Request) ([]models.OutputItem, error) {
	if req.Operation == nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("executor: request has no operation"))
	}
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	limit := e.concurrency
	if req.Concurrency > 0 {
		limit = req.Concurrency
	}

	ctx, span := observability.Tracer().Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("tool.name", req.Tool),
		attribute.Int("batch.items", len(req.Items)),
		attribute.Int("batch.concurrency", limit),
	))
	defer span.End()

	log := e.logger.WithFields(map[string]interface{}{
		"batch_id": batchID,
		"tool":     req.Tool,
	})
	log.Info("Batch started", map[string]interface{}{
		"items":       len(req.Items),
		"concurrency": limit,
		"operation":   string(req.Operation.Kind()),
	})
	start := time.Now()

	results := make([]models.OutputItem, len(req.Items))
	sem := semaphore.NewWeighted(int64(limit))
	done := make(chan struct{}, len(req.Items))
	started := 0

	for i, item := range req.Items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		started++
		go func(i int, item models.Item) {
			defer func() {
				sem.Release(1)
				done <- struct{}{}
			}()
			// Each goroutine writes only its own slot.
			results[i] = e.processItem(ctx, req, item, log)
		}(i, item)
	}
	for n := 0; n < started; n++ {
		<-done
	}

	if err := ctx.Err(); err != nil {
		log.Warn("Batch cancelled", map[string]interface{}{
			"started":    started,
			"elapsed_ms": time.Since(start).Milliseconds(),
			"error":      err.Error(),
		})
		span.SetStatus(codes.Error, "cancelled")
		return nil, apperrors.NewBatchCancelledError(err).WithMetadata("batch_id", batchID)
	}

	meta := models.Summarize(results, time.Since(start).Milliseconds())
	metrics.ToolItems.WithLabelValues(req.Tool, "success").Add(float64(meta.Successful))
	metrics.ToolItems.WithLabelValues(req.Tool, "failed").Add(float64(meta.Failed))
	span.SetAttributes(attribute.Int("batch.failed", meta.Failed))

	log.Info("Batch finished", map[string]interface{}{
		"successful":         meta.Successful,
		"failed":             meta.Failed,
		"processing_time_ms": meta.ProcessingTimeMs,
	})
	return results, nil
}

// processItem drives one item through the state machine.
func (e *Executor) processItem(ctx context.Context, req Request, item models.Item, log logger.Logger) models.OutputItem {
	state := StatePending
	move := func(to State) {
		if e.observer != nil {
			e.observer(item.ID, state, to)
		}
		log.Debug("Item transition", map[string]interface{}{
			"item_id": item.ID,
			"from":    string(state),
			"to":      string(to),
		})
		state = to
	}

	prompt := req.Operation.Prompt(item)
	move(StatePrompted)

	for attempt := 1; ; attempt++ {
		move(StateAwaitingModel)
		raw, err := e.invoke(ctx, req, prompt)
		if err != nil {
			move(StateFailed)
			if ctx.Err() == nil {
				log.Warn("Item model call failed", map[string]interface{}{
					"item_id": item.ID,
					"error":   err.Error(),
				})
			}
			return models.OutputItem{ID: item.ID, Error: message(err)}
		}

		move(StateValidating)
		res := req.Operation.Check(raw)
		if res.OK {
			move(StateDone)
			return models.OutputItem{ID: item.ID, Result: res.Coerced}
		}

		if attempt >= maxAttempts {
			move(StateFailed)
			verr := apperrors.NewValidationFailedError(res.Errors)
			log.Warn("Item failed validation after retry", map[string]interface{}{
				"item_id": item.ID,
				"errors":  res.Errors,
			})
			return models.OutputItem{ID: item.ID, Error: message(verr)}
		}

		move(StateRetry)
		metrics.ToolItemRetries.WithLabelValues(req.Tool).Inc()
		prompt.User = prompt.User + "\n\n" + validator.Feedback(res.Errors)
	}
}

// invoke asks the model, using schema-constrained output when the operation
// wants it and the client supports it.
func (e *Executor) invoke(ctx context.Context, req Request, prompt models.ResolvedPrompt) (interface{}, error) {
	gauge := metrics.BatchItemsInFlight.WithLabelValues(req.Tool)
	gauge.Inc()
	defer gauge.Dec()

	if req.Operation.Structured() {
		if sc, ok := e.client.(llm.StructuredClient); ok {
			return sc.InvokeStructured(ctx, prompt, req.ModelConfig, req.Operation.Schema())
		}
	}
	return e.client.Invoke(ctx, prompt, req.ModelConfig)
}

// message renders an item error for OutputItem.Error.
func message(err error) string {
	std := apperrors.AsStandard(err)
	if std.Details != "" {
		return std.Message + ": " + std.Details
	}
	return std.Message
}
