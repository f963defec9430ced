// internal/workers/llm-tool/handler.go
package llmtool

import (
	"context"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"llm-field-tools/internal/common/camunda"
	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/common/logger"
	"llm-field-tools/internal/common/metrics"
	"llm-field-tools/internal/tools"
)

// Caller runs one tool call.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]interface{}) (*tools.CallResult, error)
}

// Handler serves the job type of one tool template.
type Handler struct {
	config       *Config
	tool         string
	taskType     string
	service      Caller
	errorHandler *apperrors.ErrorHandler
	logger       logger.Logger
}

type HandlerOptions struct {
	Config   *Config
	Tool     string
	TaskType string
	Service  Caller
	Logger   logger.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{Timeout: 2 * time.Minute}
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.With(map[string]interface{}{
		"taskType": opts.TaskType,
		"tool":     opts.Tool,
	})
	return &Handler{
		config:       cfg,
		tool:         opts.Tool,
		taskType:     opts.TaskType,
		service:      opts.Service,
		errorHandler: apperrors.NewErrorHandler(log),
		logger:       log,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job)
	if err == nil {
		var output *Output
		output, err = h.Execute(ctx, input)
		if err == nil {
			h.completeJob(client, job, output)
			metrics.WorkerJobsCompleted.WithLabelValues(h.taskType).Inc()
			metrics.WorkerJobDuration.WithLabelValues(h.taskType).Observe(time.Since(start).Seconds())
			return
		}
	}

	metrics.WorkerJobsFailed.WithLabelValues(h.taskType, string(apperrors.AsStandard(err).Code)).Inc()
	// The job context may already be done; failing the job must still reach the broker.
	h.errorHandler.HandleJobError(context.WithoutCancel(ctx), client, job, err)
}

func (h *Handler) parseInput(job entities.Job) (Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, apperrors.NewInvalidInputError("job variables are not a JSON object: " + err.Error())
	}
	return Input(variables), nil
}

// Execute runs the tool with the job variables as arguments.
func (h *Handler) Execute(ctx context.Context, input Input) (*Output, error) {
	res, err := h.service.Call(ctx, h.tool, input)
	if err != nil {
		return nil, err
	}

	h.logger.Info("tool call completed", map[string]interface{}{
		"batchId":    res.BatchID,
		"totalItems": res.Metadata.TotalItems,
		"failed":     res.Metadata.Failed,
	})
	return &Output{
		Results:  res.Items,
		Metadata: res.Metadata,
		BatchID:  res.BatchID,
	}, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		h.errorHandler.HandleJobError(context.Background(), client, job, apperrors.NewInternalError(err))
		return
	}

	err = camunda.Retry(context.Background(), h.config.Retry, "complete job", func(ctx context.Context) error {
		_, err := cmd.Send(ctx)
		return err
	})
	if err != nil {
		h.logger.Error("Failed to send complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
	}
}
