// cmd/tool-server/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"llm-field-tools/internal/api"
	"llm-field-tools/internal/audit"
	"llm-field-tools/internal/common/camunda"
	"llm-field-tools/internal/common/config"
	"llm-field-tools/internal/common/database"
	"llm-field-tools/internal/llm"
	llmtool "llm-field-tools/internal/workers/llm-tool"
)

type ServeCmd struct {
	Port int `help:"Override the HTTP port from the config file."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, g, appOptions{observe: true})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	if c.Port > 0 {
		cfg.Server.Port = c.Port
	}

	a.zap.Info("Starting tool server...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("transport", cfg.Server.Transport),
	)

	workers, err := a.startWorkers()
	if err != nil {
		return err
	}

	server := api.NewServer(a.service, a.registry, a.log, cfg.App.Version)
	if a.zeebe != nil {
		server.AddReadinessCheck("zeebe", a.zeebe.HealthCheck)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(cfg.Server.Address())
	}()

	select {
	case <-ctx.Done():
		a.zap.Info("Shutdown signal received, stopping workers...")
	case err = <-serveErr:
		if err != nil {
			a.zap.Error("HTTP server failed", zap.Error(err))
		}
	}

	for _, w := range workers {
		w.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.zap.Error("Error shutting down HTTP server", zap.Error(err))
	}

	a.zap.Info("Tool server stopped gracefully")
	return err
}

// startWorkers opens one Zeebe job worker per enabled template.
func (a *app) startWorkers() ([]*camunda.CamundaWorker, error) {
	cfg := a.cfg
	if !cfg.Camunda.Enabled {
		a.zap.Info("Zeebe workers disabled")
		return nil, nil
	}

	var zc *camunda.Client
	err := retryWithBackoff(func() error {
		var err error
		zc, err = camunda.NewClient(cfg.Camunda.BrokerAddress, config.GetDuration(cfg.Camunda.RequestTimeout))
		return err
	}, 10, 2*time.Second, a.zap, "Zeebe client initialization")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, zc.Close)
	a.zeebe = zc
	a.zap.Info("Zeebe client connected successfully")

	var workers []*camunda.CamundaWorker
	for _, tpl := range a.registry.ListTemplates() {
		taskType := tpl.TaskType()
		if !config.IsWorkerEnabled(cfg, taskType) {
			a.zap.Info("worker disabled", zap.String("taskType", taskType))
			continue
		}
		wcfg := config.GetWorkerConfig(cfg, taskType)
		handler := llmtool.NewHandler(llmtool.HandlerOptions{
			Config:   llmtool.LoadConfig(wcfg),
			Tool:     tpl.Name,
			TaskType: taskType,
			Service:  a.service,
			Logger:   a.log,
		})
		workers = append(workers, camunda.NewWorker(zc.GetClient(), taskType, wcfg, handler, a.log))
	}
	a.zap.Info("Workers registered", zap.Int("count", len(workers)))
	return workers, nil
}

type ListCmd struct{}

func (c *ListCmd) Run(g *Globals) error {
	a, err := bootstrap(g)
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tOPERATION\tJOB TYPE\tDESCRIPTION")
	for _, tpl := range a.registry.ListTemplates() {
		s := tpl.Summary()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.OperationKind, tpl.TaskType(), s.Description)
	}
	return tw.Flush()
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(g *Globals) error {
	a, err := bootstrap(g)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, tpl := range a.registry.ListTemplates() {
		fmt.Printf("ok    %s\n", tpl.Name)
	}
	skipped := a.registry.Skipped()
	for _, le := range skipped {
		fmt.Printf("FAIL  %s: %v\n", le.Path, le.Err)
	}
	if len(skipped) > 0 {
		return fmt.Errorf("%d template file(s) failed to load", len(skipped))
	}
	return nil
}

type CallCmd struct {
	Tool         string   `arg:"" help:"Tool name, e.g. classify_by_llm."`
	Args         string   `short:"a" default:"{}" help:"Arguments as a JSON object, or @path to read them from a file."`
	DryRun       bool     `help:"Answer with a scripted mock model instead of calling a provider."`
	MockResponse []string `help:"Scripted answers for --dry-run, used in order. The last one repeats." default:"mock"`
}

func (c *CallCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args, err := parseArgs(c.Args)
	if err != nil {
		return err
	}

	opts := appOptions{}
	var mock *llm.MockClient
	if c.DryRun {
		mock = &llm.MockClient{Responses: c.MockResponse}
		opts = appOptions{client: mock, offline: true}
	}
	a, err := newApp(ctx, g, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.service.Call(ctx, c.Tool, args)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}

	if mock != nil {
		for i, call := range mock.Calls() {
			fmt.Fprintf(os.Stderr, "--- prompt %d (model %s)\n[system]\n%s\n[user]\n%s\n",
				i+1, call.Config.Model, call.Prompt.System, call.Prompt.User)
		}
	}
	return nil
}

// parseArgs accepts a JSON object or @file holding one.
func parseArgs(raw string) (map[string]interface{}, error) {
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read args file: %w", err)
		}
	}
	var args map[string]interface{}
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("args must be a JSON object: %w", err)
	}
	return args, nil
}

type StatsCmd struct {
	Since time.Duration `default:"24h" help:"How far back to aggregate."`
}

func (c *StatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := bootstrap(g)
	if err != nil {
		return err
	}
	defer a.Close()

	pg, err := database.NewPostgres(a.cfg.Database.Postgres)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pg.Close)

	store, err := audit.NewStore(pg, a.cfg.Audit.Table, a.log)
	if err != nil {
		return err
	}
	summaries, err := store.Summaries(ctx, time.Now().Add(-c.Since))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCALLS\tITEMS\tFAILED\tAVG MS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Tool, s.Calls, s.Items, s.Failed, s.AvgLatency)
	}
	return tw.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
