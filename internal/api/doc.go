// Package api defines wire-format types and converters for the IPC and HTTP
// API layer. It translates internal job models into transport-friendly DTOs
// that the CLI and dashboard consumers can render without coupling to
// internal types.
//
// # Key Types
//
// Job/JobDetail: transport representation of a pipeline job, optionally with
// stage results and dead-letter history attached.
//
// WorkflowStatus: workflow running state, job and stage counts, queue
// depths, dispatch slot usage, and handler health.
//
// DaemonStatus: aggregated daemon runtime information including preflight
// check results.
//
// LogEvent/LogStreamResponse: structured log payloads for live tailing.
//
// # Converters
//
// FromJob: jobs.Job -> Job with RFC3339 timestamp formatting and payload
// passthrough.
//
// FromStatusSummary: workflow.StatusSummary -> WorkflowStatus.
//
// HandlerHealthSlice: deterministic ordering of handler health reports.
//
// # Design Notes
//
// DTOs use camelCase JSON tags for JavaScript/TypeScript consumers. Internal
// enums (jobs.Status, jobs.StageStatus, task.Priority) are exposed as
// lowercase strings. Timestamps use RFC3339 with milliseconds. Job payloads
// are passed through as json.RawMessage to avoid double-encoding.
package api
