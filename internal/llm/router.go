package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llm-field-tools/internal/common/config"
	apperrors "llm-field-tools/internal/common/errors"
	commonhttp "llm-field-tools/internal/common/http"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/common/metrics"
	"llm-field-tools/internal/common/observability"
	"llm-field-tools/internal/models"
	"llm-field-tools/pkg/registry"
)

const defaultRetryDelay = time.Second

// Router is the process-wide model client. It owns one adapter per configured
// provider and picks one per call from the model config.
type Router struct {
	providers       map[string]provider
	defaultModel    string
	defaultProvider string
	maxRetries      int
	retryDelay      time.Duration
	timeout         time.Duration
	limiter         *RateLimiter
	httpClient      *http.Client
	logger          logger.Logger
}

var _ StructuredClient = (*Router)(nil)

type RouterOption func(*Router)

func WithRateLimiter(l *RateLimiter) RouterOption {
	return func(r *Router) { r.limiter = l }
}

func WithRetryDelay(d time.Duration) RouterOption {
	return func(r *Router) { r.retryDelay = d }
}

func WithLogger(l logger.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithHTTPClient replaces the HTTP client used by the OpenAI-compatible and
// Anthropic adapters.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.httpClient = c }
}

// NewRouter registers an adapter for every provider with an API key.
func NewRouter(ctx context.Context, cfg config.LLMConfig, opts ...RouterOption) (*Router, error) {
	r := &Router{
		providers:       make(map[string]provider),
		defaultModel:    cfg.DefaultModel,
		defaultProvider: cfg.DefaultProvider,
		maxRetries:      cfg.MaxRetries,
		retryDelay:      defaultRetryDelay,
		timeout:         time.Duration(cfg.Timeout) * time.Millisecond,
		logger:          logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.defaultModel == "" {
		r.defaultModel = registry.DefaultModel
	}
	if r.httpClient == nil {
		r.httpClient = commonhttp.NewClient(r.timeout)
	}

	if cfg.OpenAI.APIKey != "" {
		r.providers[ProviderOpenAI] = newOpenAIProvider(ProviderOpenAI, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, r.httpClient)
	}
	if cfg.OpenRouter.APIKey != "" {
		baseURL := cfg.OpenRouter.BaseURL
		if baseURL == "" {
			baseURL = OpenRouterBaseURL
		}
		r.providers[ProviderOpenRouter] = newOpenAIProvider(ProviderOpenRouter, cfg.OpenRouter.APIKey, baseURL, r.httpClient)
	}
	if cfg.Anthropic.APIKey != "" {
		r.providers[ProviderAnthropic] = newAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, r.httpClient)
	}
	if cfg.Google.APIKey != "" {
		p, err := newGoogleProvider(ctx, cfg.Google.APIKey)
		if err != nil {
			return nil, err
		}
		r.providers[ProviderGoogle] = p
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no model provider configured: set one of OPENAI_API_KEY, OPENROUTER_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY")
	}

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.logger.Info("Model router initialized", map[string]interface{}{
		"providers":     names,
		"default_model": r.defaultModel,
		"max_retries":   r.maxRetries,
	})
	return r, nil
}

// Close releases provider clients that hold connections.
func (r *Router) Close() error {
	if p, ok := r.providers[ProviderGoogle].(*googleProvider); ok {
		return p.Close()
	}
	return nil
}

// SelectProvider picks a provider for model. An explicit provider wins; then
// well-known prefixes; any other vendor/model id goes to OpenRouter; bare
// names go to fallback, or OpenAI when fallback is empty.
func SelectProvider(explicit, model, fallback string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "anthropic/"), strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(lower, "gemini"), strings.HasPrefix(lower, "google/"):
		return ProviderGoogle
	case strings.Contains(lower, "/"):
		return ProviderOpenRouter
	case fallback != "":
		return fallback
	default:
		return ProviderOpenAI
	}
}

// route resolves the adapter and the model id it expects. When the selected
// provider has no key, a vendor/model id falls back to OpenRouter, and an
// OpenRouter id falls back to the vendor named by its prefix.
func (r *Router) route(cfg registry.ModelConfig) (provider, string, error) {
	model := cfg.Model
	if model == "" {
		model = r.defaultModel
	}
	name := SelectProvider(cfg.Provider, model, r.defaultProvider)

	p, ok := r.providers[name]
	if !ok && cfg.Provider == "" {
		if vendor, _, found := strings.Cut(model, "/"); found {
			if name != ProviderOpenRouter {
				p, ok = r.providers[ProviderOpenRouter]
			} else {
				p, ok = r.providers[strings.ToLower(vendor)]
			}
		}
	}
	if !ok {
		return nil, "", apperrors.NewModelInvocationError(name, false,
			fmt.Errorf("provider %q is not configured for model %q", name, model))
	}

	if p.Name() != ProviderOpenRouter {
		if _, rest, found := strings.Cut(model, "/"); found {
			model = rest
		}
	}
	return p, model, nil
}

func (r *Router) Invoke(ctx context.Context, prompt models.ResolvedPrompt, cfg registry.ModelConfig) (string, error) {
	return r.invoke(ctx, prompt.System, prompt.User, cfg, false)
}

// InvokeStructured asks for a JSON object conforming to schema. An answer that
// does not decode is returned as raw text so the caller's validator can report
// it and ask again.
func (r *Router) InvokeStructured(ctx context.Context, prompt models.ResolvedPrompt, cfg registry.ModelConfig, schema map[string]interface{}) (interface{}, error) {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("schema is not serializable: %v", err))
	}
	raw, err := r.invoke(ctx, withSchemaInstruction(prompt.System, string(schemaJSON)), prompt.User, cfg, true)
	if err != nil {
		return nil, err
	}

	var out interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return raw, nil
	}
	return out, nil
}

func (r *Router) invoke(ctx context.Context, system, user string, cfg registry.ModelConfig, jsonMode bool) (string, error) {
	p, model, err := r.route(cfg)
	if err != nil {
		return "", err
	}
	req := request{
		System:      system,
		User:        user,
		Model:       model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		JSON:        jsonMode,
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx, p.Name()); err != nil {
				return "", err
			}
		}

		text, err := r.attempt(ctx, p, req, attempt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !isTransient(err) || attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay * time.Duration(attempt+1)
		r.logger.Warn("Transient model error, retrying", map[string]interface{}{
			"provider": p.Name(),
			"model":    model,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

// attempt performs one provider call with its own timeout, span and metrics.
func (r *Router) attempt(ctx context.Context, p provider, req request, attempt int) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "llm.invoke", trace.WithAttributes(
		attribute.String("llm.provider", p.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.attempt", attempt),
		attribute.Bool("llm.json_mode", req.JSON),
	))
	defer span.End()

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := p.complete(callCtx, req)
	elapsed := time.Since(start)
	metrics.ModelInvocationDuration.WithLabelValues(p.Name()).Observe(elapsed.Seconds())

	if err != nil {
		err = mapError(p.Name(), err)
		metrics.ModelInvocations.WithLabelValues(p.Name(), string(statusLabel(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	metrics.ModelInvocations.WithLabelValues(p.Name(), "success").Inc()
	r.logger.Debug("Model call completed", map[string]interface{}{
		"provider":       p.Name(),
		"model":          req.Model,
		"latency_ms":     elapsed.Milliseconds(),
		"system_chars":   len(req.System),
		"user_chars":     len(req.User),
		"response_chars": len(text),
	})
	return text, nil
}

func statusLabel(err error) apperrors.ErrorCode {
	if code := apperrors.CodeOf(err); code != "" {
		return code
	}
	return "cancelled"
}
