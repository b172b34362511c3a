// Package services defines shared utilities consumed by the stage handlers and
// external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, queue names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent retry decisions (retryable vs permanent).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
