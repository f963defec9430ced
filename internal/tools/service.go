// Package tools is the entry point every surface calls: it resolves a
// template, checks and binds the caller's arguments, runs the batch and
// returns the per-item results with batch metadata.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llm-field-tools/internal/audit"
	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/common/metrics"
	"llm-field-tools/internal/common/observability"
	"llm-field-tools/internal/common/validation"
	"llm-field-tools/internal/engine/coercion"
	"llm-field-tools/internal/engine/executor"
	"llm-field-tools/internal/engine/normalizer"
	"llm-field-tools/internal/engine/operation"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

// Templates is the read side of the template registry.
type Templates interface {
	GetTemplate(name string) (registry.Template, error)
	ListTemplates() []registry.Template
}

// Recorder persists one audit row per call.
type Recorder interface {
	Record(ctx context.Context, r audit.Record) error
}

// CallResult is returned for every executed batch.
type CallResult struct {
	Items    []models.OutputItem    `json:"results"`
	Metadata models.ProcessMetadata `json:"metadata"`
	BatchID  string                 `json:"batch_id"`
	// Single is set when the caller passed a bare string instead of a list.
	Single bool `json:"single,omitempty"`
}

type Service struct {
	templates Templates
	executor  *executor.Executor
	recorder  Recorder
	obs       *observability.Observability
	logger    logger.Logger
	maxItems  int
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithObservability(o *observability.Observability) Option {
	return func(s *Service) { s.obs = o }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxItems caps the batch size; zero means unlimited.
func WithMaxItems(n int) Option {
	return func(s *Service) { s.maxItems = n }
}

func NewService(templates Templates, exec *executor.Executor, opts ...Option) *Service {
	s := &Service{
		templates: templates,
		executor:  exec,
		logger:    logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTemplates returns the listing view of every loaded tool.
func (s *Service) ListTemplates() []registry.Summary {
	tpls := s.templates.ListTemplates()
	out := make([]registry.Summary, len(tpls))
	for i, t := range tpls {
		out[i] = t.Summary()
	}
	return out
}

// Describe returns the full definition of one tool.
func (s *Service) Describe(name string) (registry.Template, error) {
	tpl, err := s.templates.GetTemplate(name)
	if err != nil {
		return registry.Template{}, notFound(name, err)
	}
	return tpl, nil
}

// Call runs the named tool over args["input"]. Errors returned here mean the
// batch never ran (or was cancelled); per-item failures are inline in the result.
func (s *Service) Call(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	batchID := uuid.NewString()
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "tools.Call", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("batch.id", batchID),
	))
	defer span.End()

	log := s.logger.WithFields(map[string]interface{}{"tool": name, "batch_id": batchID})

	req, single, err := s.prepare(name, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Tool call rejected", map[string]interface{}{
			"error_code": string(apperrors.CodeOf(err)),
			"error":      err.Error(),
		})
		s.finish(ctx, audit.Record{
			BatchID:   batchID,
			Tool:      name,
			Model:     req.ModelConfig.Model,
			Status:    audit.StatusRejected,
			ErrorCode: string(apperrors.CodeOf(err)),
		}, time.Since(start))
		return nil, err
	}
	req.BatchID = batchID

	results, err := s.executor.Execute(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		status := audit.StatusRejected
		if apperrors.IsBatchCancelled(err) {
			status = audit.StatusCancelled
		}
		s.finish(context.WithoutCancel(ctx), audit.Record{
			BatchID:          batchID,
			Tool:             name,
			Model:            req.ModelConfig.Model,
			Status:           status,
			ErrorCode:        string(apperrors.CodeOf(err)),
			TotalItems:       len(req.Items),
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, time.Since(start))
		return nil, err
	}

	meta := models.Summarize(results, time.Since(start).Milliseconds())
	span.SetAttributes(
		attribute.Int("batch.successful", meta.Successful),
		attribute.Int("batch.failed", meta.Failed),
	)
	s.finish(ctx, audit.Record{
		BatchID:          batchID,
		Tool:             name,
		Model:            req.ModelConfig.Model,
		Status:           audit.StatusCompleted,
		TotalItems:       meta.TotalItems,
		Successful:       meta.Successful,
		Failed:           meta.Failed,
		ProcessingTimeMs: meta.ProcessingTimeMs,
	}, time.Since(start))

	return &CallResult{
		Items:    results,
		Metadata: meta,
		BatchID:  batchID,
		Single:   single,
	}, nil
}

// prepare resolves, validates and binds everything the executor needs. The
// returned request carries the template's model config even on error, for audit.
func (s *Service) prepare(name string, args map[string]interface{}) (executor.Request, bool, error) {
	req := executor.Request{Tool: name}
	if args == nil {
		args = map[string]interface{}{}
	}

	tpl, err := s.templates.GetTemplate(name)
	if err != nil {
		return req, false, notFound(name, err)
	}
	req.ModelConfig = tpl.ModelConfig

	if res := validation.ValidateArgs(args, tpl.Parameters); !res.Valid {
		return req, false, apperrors.NewInvalidInputError(strings.Join(res.Messages(), "; "))
	}

	overrides, err := overridesOf(args)
	if err != nil {
		return req, false, err
	}
	req.ModelConfig = overrides.apply(req.ModelConfig)
	req.Concurrency = overrides.concurrency

	op, err := operation.Bind(tpl, args)
	if err != nil {
		return req, false, err
	}
	req.Operation = op

	input, single := args[operation.ArgInput], false
	if s, ok := input.(string); ok {
		input, single = []interface{}{s}, true
	}
	if input == nil {
		return req, false, apperrors.NewInvalidInputError("input is required")
	}
	items, err := normalizer.Normalize(input)
	if err != nil {
		return req, false, err
	}
	if s.maxItems > 0 && len(items) > s.maxItems {
		return req, false, apperrors.NewInvalidInputError(
			fmt.Sprintf("batch has %d items, limit is %d", len(items), s.maxItems))
	}
	req.Items = items
	return req, single, nil
}

func (s *Service) finish(ctx context.Context, rec audit.Record, elapsed time.Duration) {
	metrics.ToolCalls.WithLabelValues(rec.Tool, rec.Status).Inc()
	s.obs.RecordBatch(ctx, rec.Tool, rec.Status, elapsed)
	if s.recorder != nil {
		// Audit failures never fail the call; the store logs them.
		_ = s.recorder.Record(ctx, rec)
	}
}

func notFound(name string, err error) error {
	var nf *registry.NotFoundError
	if errors.As(err, &nf) {
		return apperrors.NewTemplateNotFoundError(name)
	}
	return apperrors.AsStandard(err)
}

// overrides are the per-call model settings read from args["args"].
type overrides struct {
	provider    string
	model       string
	temperature *float64
	maxTokens   int
	concurrency int
}

func overridesOf(args map[string]interface{}) (overrides, error) {
	var o overrides
	raw, ok := args[operation.ArgArgs]
	if !ok || raw == nil {
		return o, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return o, apperrors.NewInvalidInputError(fmt.Sprintf("args must be an object, got %T", raw))
	}

	if v, ok := m["model"]; ok && v != nil {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return o, apperrors.NewInvalidInputError("args.model must be a non-empty string")
		}
		o.model = strings.TrimSpace(s)
	}
	if v, ok := m["provider"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return o, apperrors.NewInvalidInputError("args.provider must be a string")
		}
		o.provider = strings.TrimSpace(s)
	}
	if v, ok := m["temperature"]; ok && v != nil {
		t, ok := coercion.ToNumber(v)
		if !ok || t < 0 || t > 2 {
			return o, apperrors.NewInvalidInputError(fmt.Sprintf("args.temperature must be between 0 and 2, got %v", v))
		}
		o.temperature = &t
	}
	if v, ok := m["max_tokens"]; ok && v != nil {
		n, ok := coercion.ToInteger(v)
		if !ok || n < 1 {
			return o, apperrors.NewInvalidInputError(fmt.Sprintf("args.max_tokens must be a positive integer, got %v", v))
		}
		o.maxTokens = int(n)
	}
	if v, ok := m["concurrency"]; ok && v != nil {
		n, ok := coercion.ToInteger(v)
		if !ok || n < 1 {
			return o, apperrors.NewInvalidInputError(fmt.Sprintf("args.concurrency must be a positive integer, got %v", v))
		}
		o.concurrency = int(n)
	}
	return o, nil
}

func (o overrides) apply(cfg registry.ModelConfig) registry.ModelConfig {
	if o.model != "" {
		cfg.Model = o.model
	}
	if o.provider != "" {
		cfg.Provider = o.provider
	}
	if o.temperature != nil {
		cfg.Temperature = *o.temperature
	}
	if o.maxTokens > 0 {
		cfg.MaxTokens = o.maxTokens
	}
	return cfg
}
