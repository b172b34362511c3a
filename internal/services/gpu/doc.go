// Package gpu provides the client for the GPU inference service that backs
// every synthesis stage.
//
// This package is used by:
//   - Script, metadata, chunks, prompts stages: text generation
//   - Voiceover stage: speech synthesis
//   - Thumbnail and images stages: image generation
//   - Video stage: final render
//
// # Task Lifecycle
//
// The inference service is asynchronous: POST /enqueue (with wait=false)
// registers a task and returns its id, GET /status/{id} reports
// queued/processing/completed/failed. Invoke wraps the pair into a
// synchronous call that polls until the task reaches a terminal status or
// the context expires, then returns the artifact reference the service
// recorded (its served url, or the raw file path when no url exists).
//
// # Configuration
//
// Requires base_url; request timeout and poll interval have defaults.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Invoke: enqueue a task and block until its terminal status.
// Client.HealthCheck: verify the service is reachable and ready.
//
// # Retry Behaviour
//
// Individual HTTP calls retry on 408/429/5xx and network timeouts with
// exponential backoff (base 1s, max 10s, up to 5 attempts by default).
// A task that reports failed is never retried here; attempt-level retry
// policy belongs to the pipeline.
package gpu
