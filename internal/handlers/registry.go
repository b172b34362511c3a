package handlers

import (
	"context"
	"fmt"
	"sort"

	"loom/internal/config"
	"loom/internal/pipeline"
	"loom/internal/services/cdn"
	"loom/internal/services/gpu"
	"loom/internal/stage"
)

// Registry maps operation names to stage handlers.
type Registry struct {
	handlers map[string]stage.Handler
}

// Option customizes registry construction.
type Option func(*builder)

type builder struct {
	gpuClient *gpu.Client
	cdnClient *cdn.Client
}

// WithGPUClient overrides the inference client (useful for tests).
func WithGPUClient(client *gpu.Client) Option {
	return func(b *builder) {
		b.gpuClient = client
	}
}

// WithCDNClient overrides the CDN client (useful for tests).
func WithCDNClient(client *cdn.Client) Option {
	return func(b *builder) {
		b.cdnClient = client
	}
}

// New builds the registry for every operation the pipeline declares. All
// operations share one synthesis handler except upload, which gets the
// CDN-backed handler.
func New(cfg *config.Config, pl *pipeline.Pipeline, opts ...Option) *Registry {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.gpuClient == nil {
		b.gpuClient = gpu.NewClient(gpu.Config{
			BaseURL:             cfg.GPU.BaseURL,
			TimeoutSeconds:      cfg.GPU.RequestTimeout,
			PollIntervalSeconds: cfg.GPU.PollInterval,
		})
	}
	if b.cdnClient == nil {
		b.cdnClient = cdn.NewClient(cdn.Config{
			BaseURL:        cfg.CDN.BaseURL,
			APIKey:         cfg.CDN.APIKey,
			TimeoutSeconds: cfg.CDN.RequestTimeout,
		})
	}

	synthesis := NewSynthesis(b.gpuClient)
	upload := NewUpload(b.cdnClient)

	handlers := make(map[string]stage.Handler)
	for _, def := range pl.Definitions() {
		if def.Operation == "upload" {
			handlers[def.Operation] = upload
			continue
		}
		handlers[def.Operation] = synthesis
	}
	return &Registry{handlers: handlers}
}

// FromMap builds a registry directly from an operation-to-handler map.
// Workflow tests use it to run stub handlers through the real pools.
func FromMap(handlers map[string]stage.Handler) *Registry {
	copied := make(map[string]stage.Handler, len(handlers))
	for op, h := range handlers {
		copied[op] = h
	}
	return &Registry{handlers: copied}
}

// Handler resolves the handler for an operation.
func (r *Registry) Handler(operation string) (stage.Handler, error) {
	h, ok := r.handlers[operation]
	if !ok {
		return nil, fmt.Errorf("no handler registered for operation %q", operation)
	}
	return h, nil
}

// Health probes each distinct handler once and returns the results sorted
// by service name.
func (r *Registry) Health(ctx context.Context) []stage.Health {
	seen := make(map[stage.Handler]bool, len(r.handlers))
	var checks []stage.Health
	for _, h := range r.handlers {
		if seen[h] {
			continue
		}
		seen[h] = true
		checks = append(checks, h.HealthCheck(ctx))
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}
