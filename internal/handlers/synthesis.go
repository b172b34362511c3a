package handlers

import (
	"context"
	"errors"
	"log/slog"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/gpu"
	"loom/internal/stage"
)

// Synthesis executes GPU-backed generation stages. One instance serves every
// synthesis operation; the request's operation name selects the model
// pipeline on the service side.
type Synthesis struct {
	client *gpu.Client
	logger *slog.Logger
}

// NewSynthesis constructs the handler around an inference client.
func NewSynthesis(client *gpu.Client) *Synthesis {
	return &Synthesis{client: client, logger: logging.NewNop()}
}

// SetLogger installs the stage-scoped logger.
func (h *Synthesis) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// Execute submits the stage's work to the inference service and waits for
// the resulting artifact reference.
func (h *Synthesis) Execute(ctx context.Context, req stage.Request) (stage.Result, error) {
	task := gpu.Task{
		Operation:      req.Operation,
		JobID:          req.JobID,
		Stage:          req.Stage,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Topic:          req.Topic,
		Inputs:         req.DependencyRefs,
		Params:         req.Payload,
	}

	ref, err := h.client.Invoke(ctx, task)
	if err != nil {
		return stage.Result{}, classifyInferenceError(req, err)
	}

	h.logger.Info("synthesis produced artifact",
		logging.String(logging.FieldEventType, "synthesis_complete"),
		logging.String("operation", req.Operation),
		logging.String("result_ref", ref),
	)
	return stage.Result{Ref: ref}, nil
}

// HealthCheck probes the inference service.
func (h *Synthesis) HealthCheck(ctx context.Context) stage.Health {
	if err := h.client.HealthCheck(ctx); err != nil {
		return stage.Unhealthy("gpu", err.Error())
	}
	return stage.Healthy("gpu")
}

func classifyInferenceError(req stage.Request, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if gpu.RequestRejected(err) {
		return services.Wrap(
			services.ErrValidation, req.Stage, req.Operation,
			"inference service rejected the request", err)
	}
	var failed *gpu.TaskFailedError
	if errors.As(err, &failed) {
		return services.Wrap(
			services.ErrExternalService, req.Stage, req.Operation,
			"inference task failed", err)
	}
	return services.Wrap(
		services.ErrExternalService, req.Stage, req.Operation,
		"inference service unavailable", err)
}
