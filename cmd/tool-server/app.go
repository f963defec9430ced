// cmd/tool-server/app.go
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"llm-field-tools/internal/audit"
	"llm-field-tools/internal/common/camunda"
	"llm-field-tools/internal/common/config"
	"llm-field-tools/internal/common/database"
	httpclient "llm-field-tools/internal/common/http"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/common/observability"
	"llm-field-tools/internal/engine/executor"
	"llm-field-tools/internal/engine/operation"
	"llm-field-tools/internal/llm"
	"llm-field-tools/internal/tools"
	"llm-field-tools/pkg/registry"
)

// app holds everything a command needs. Close releases what was opened.
type app struct {
	cfg      *config.Config
	zap      *zap.Logger
	log      logger.Logger
	registry *registry.Registry
	service  *tools.Service
	router   *llm.Router
	redis    *database.RedisClient
	postgres *database.PostgresClient
	store    *audit.Store
	zeebe    *camunda.Client
	obs      *observability.Observability
	closers  []func() error
}

type appOptions struct {
	// client replaces the provider router, e.g. the mock client of --dry-run.
	client llm.Client
	// offline skips Redis and PostgreSQL.
	offline bool
	// observe sets up OpenTelemetry metrics and tracing.
	observe bool
}

func loadConfig(g *Globals) (*config.Config, error) {
	if g.Config != "" {
		return config.LoadFromFile(g.Config)
	}
	return config.Load()
}

// bootstrap loads the configuration, the logger and the template registry.
// Commands that never call a model stop here.
func bootstrap(g *Globals) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.NewZapAdapter(zapLog)
	a := &app{cfg: cfg, zap: zapLog, log: log}

	a.registry, err = registry.Load(cfg.Templates.Dir,
		registry.WithCheck(operation.CheckTemplate),
		registry.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, g *Globals, opts appOptions) (*app, error) {
	a, err := bootstrap(g)
	if err != nil {
		return nil, err
	}
	cfg, log := a.cfg, a.log

	if opts.observe {
		a.obs = observability.New(cfg.App.Name, log)
		a.closers = append(a.closers, func() error { a.obs.Shutdown(); return nil })

		shutdownTracing, err := observability.SetupTracing(ctx, cfg.App, cfg.Tracing, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownTracing(flushCtx)
		})
	}

	if !opts.offline {
		if err := a.connectStores(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	client := opts.client
	if client == nil {
		routerOpts := []llm.RouterOption{
			llm.WithLogger(log),
			llm.WithHTTPClient(httpclient.NewClient(config.GetDuration(cfg.LLM.Timeout))),
		}
		if a.redis != nil {
			limiter := llm.NewRateLimiter(a.redis, cfg.RateLimit.RequestsPerWindow,
				config.GetDuration(cfg.RateLimit.Window), cfg.RateLimit.KeyPrefix, log)
			routerOpts = append(routerOpts, llm.WithRateLimiter(limiter))
		}
		a.router, err = llm.NewRouter(ctx, cfg.LLM, routerOpts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.router.Close)
		client = a.router
	}

	exec := executor.New(client,
		executor.WithConcurrency(cfg.Batch.Concurrency),
		executor.WithLogger(log),
	)
	serviceOpts := []tools.Option{
		tools.WithLogger(log),
		tools.WithMaxItems(cfg.Batch.MaxItems),
		tools.WithObservability(a.obs),
	}
	if a.store != nil {
		serviceOpts = append(serviceOpts, tools.WithRecorder(a.store))
	}
	a.service = tools.NewService(a.registry, exec, serviceOpts...)

	log.Info("Tool service ready", map[string]interface{}{
		"templates": len(a.registry.ListTemplates()),
		"skipped":   len(a.registry.Skipped()),
		"audit":     a.store != nil,
		"rateLimit": a.redis != nil,
	})
	return a, nil
}

// connectStores opens Redis for rate limiting and PostgreSQL for the audit log
// when they are enabled.
func (a *app) connectStores(ctx context.Context) error {
	cfg := a.cfg

	if cfg.RateLimit.Enabled {
		err := retryWithBackoff(func() error {
			var err error
			a.redis, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return a.redis.Ping(ctx)
		}, 5, time.Second, a.zap, "Redis connection")
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.redis.Close)
		a.zap.Info("Redis connected successfully")
	}

	if cfg.Audit.Enabled {
		err := retryWithBackoff(func() error {
			var err error
			a.postgres, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return a.postgres.Ping(ctx)
		}, 5, time.Second, a.zap, "PostgreSQL connection")
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.postgres.Close)
		a.zap.Info("PostgreSQL connected successfully")

		a.store, err = audit.NewStore(a.postgres, cfg.Audit.Table, a.log)
		if err != nil {
			return err
		}
		if err := a.store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.zap.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.zap.Sync()
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}
