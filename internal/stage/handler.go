package stage

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Request carries one stage attempt into a handler. DependencyRefs maps each
// completed dependency stage to the artifact reference it recorded, so a
// handler can locate upstream outputs without touching the job store.
// IdempotencyKey is stable across attempts of the same (job, stage) pair;
// handlers forward it to external services so duplicate deliveries can be
// discarded there.
type Request struct {
	JobID          string
	Stage          string
	Operation      string
	Attempt        int
	Priority       string
	IdempotencyKey string
	Topic          string
	Payload        json.RawMessage
	DependencyRefs map[string]string
}

// Result is the durable outcome of a successful attempt. Ref points at the
// produced artifact and is recorded as the stage's result reference.
type Result struct {
	Ref string
}

// Handler describes the contract the worker pools need from each stage.
type Handler interface {
	Execute(context.Context, Request) (Result, error)
	HealthCheck(context.Context) Health
}

// LoggerAware lets the executor hand a handler its stage-scoped logger.
type LoggerAware interface {
	SetLogger(*slog.Logger)
}
