package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/cdn"
	"loom/internal/stage"
	"loom/internal/textutil"
)

// Upload publishes a finished artifact to the CDN. Publishing is not
// idempotent on the service side, so every attempt first checks whether the
// object key already exists; a retry that follows a half-acknowledged
// success finds the object and completes without publishing twice. The key
// is derived from the job and stage only, so it is stable across attempts.
type Upload struct {
	client *cdn.Client
	logger *slog.Logger
}

// NewUpload constructs the handler around a CDN client.
func NewUpload(client *cdn.Client) *Upload {
	return &Upload{client: client, logger: logging.NewNop()}
}

// SetLogger installs the stage-scoped logger.
func (h *Upload) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// Execute publishes the artifact produced by the stage's single dependency.
func (h *Upload) Execute(ctx context.Context, req stage.Request) (stage.Result, error) {
	source, err := singleDependencyRef(req)
	if err != nil {
		return stage.Result{}, err
	}
	key := objectKey(req.JobID, req.Stage)

	exists, err := h.client.Exists(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stage.Result{}, err
		}
		return stage.Result{}, services.Wrap(
			services.ErrExternalService, req.Stage, req.Operation,
			"duplicate check failed", err)
	}
	if exists {
		h.logger.Info("object already published, skipping upload",
			logging.String(logging.FieldEventType, "upload_deduplicated"),
			logging.String("object_key", key),
		)
		return stage.Result{Ref: h.client.PublicURL(key)}, nil
	}

	obj, err := h.client.Upload(ctx, key, source)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stage.Result{}, err
		}
		return stage.Result{}, services.Wrap(
			services.ErrExternalService, req.Stage, req.Operation,
			"publish failed", err)
	}

	h.logger.Info("artifact published",
		logging.String(logging.FieldEventType, "upload_complete"),
		logging.String("object_key", obj.Key),
		logging.String("object_url", obj.URL),
	)
	return stage.Result{Ref: obj.URL}, nil
}

// HealthCheck probes the CDN.
func (h *Upload) HealthCheck(ctx context.Context) stage.Health {
	if err := h.client.HealthCheck(ctx); err != nil {
		return stage.Unhealthy("cdn", err.Error())
	}
	return stage.Healthy("cdn")
}

func singleDependencyRef(req stage.Request) (string, error) {
	if len(req.DependencyRefs) != 1 {
		return "", services.Wrap(
			services.ErrValidation, req.Stage, req.Operation,
			fmt.Sprintf("upload stages need exactly one dependency, have %d", len(req.DependencyRefs)),
			nil)
	}
	for dep, ref := range req.DependencyRefs {
		if ref == "" {
			return "", services.Wrap(
				services.ErrValidation, req.Stage, req.Operation,
				"dependency "+dep+" recorded no artifact reference", nil)
		}
		return ref, nil
	}
	return "", nil
}

// objectKey builds the CDN key for a stage's artifact. Stage names come
// from operator config, so the stage segment is sanitized before it is
// embedded in a URL path.
func objectKey(jobID, stageName string) string {
	return "jobs/" + jobID + "/" + textutil.SanitizeToken(stageName)
}
