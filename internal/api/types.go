package api

import (
	"encoding/json"
	"time"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a pipeline job in a transport-friendly format.
type Job struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Topic          string          `json:"topic"`
	Status         string          `json:"status"`
	Priority       string          `json:"priority,omitempty"`
	Paused         bool            `json:"paused,omitempty"`
	FailingStage   string          `json:"failingStage,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	RequiredStages []string        `json:"requiredStages,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	StartedAt      string          `json:"startedAt,omitempty"`
	FinishedAt     string          `json:"finishedAt,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// StageResult describes one stage record within a job: the current attempt,
// retry schedule, and eventual outcome.
type StageResult struct {
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	ResultRef   string `json:"resultRef,omitempty"`
	Error       string `json:"error,omitempty"`
	NextRetryAt string `json:"nextRetryAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// DeadLetter records a stage that exhausted its retry budget.
type DeadLetter struct {
	Stage     string `json:"stage"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	Critical  bool   `json:"critical"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// JobDetail bundles a job with its stage results and dead-letter history.
type JobDetail struct {
	Job
	Stages      []StageResult `json:"stages"`
	DeadLetters []DeadLetter  `json:"deadLetters,omitempty"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool             `json:"running"`
	LastError   string           `json:"lastError,omitempty"`
	Jobs        map[string]int   `json:"jobs"`
	Stages      map[string]int   `json:"stages"`
	DeadLetters int              `json:"deadLetters"`
	QueueDepths map[string]int64 `json:"queueDepths,omitempty"`
	SlotsInUse  int              `json:"slotsInUse"`
	SlotsTotal  int              `json:"slotsTotal"`
	Handlers    []HandlerHealth  `json:"handlers"`
}

// HandlerHealth mirrors readiness reporting for stage handlers.
type HandlerHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// CheckStatus captures the outcome of one preflight check.
type CheckStatus struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	DatabasePath string         `json:"databasePath"`
	LockFilePath string         `json:"lockFilePath"`
	Workflow     WorkflowStatus `json:"workflow"`
	Checks       []CheckStatus  `json:"checks,omitempty"`
}

// QueueInfo reports one configured queue with its live ready depth.
type QueueInfo struct {
	Name        string `json:"name"`
	Priority    string `json:"priority"`
	Concurrency int    `json:"concurrency"`
	Depth       int64  `json:"depth"`
}

// SubmitRequest is the payload accepted by job submission endpoints.
type SubmitRequest struct {
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	RequiredStages []string        `json:"requiredStages,omitempty"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ActionResponse reports the outcome of a single job control action.
type ActionResponse struct {
	ID      string `json:"id"`
	Updated bool   `json:"updated"`
}

// PriorityRequest carries the target class for a job priority override.
type PriorityRequest struct {
	Priority string `json:"priority"`
}

// RestartResponse lists the stages reset by a restart request, including
// dependents pulled in by the restart closure.
type RestartResponse struct {
	ID     string   `json:"id"`
	Stages []string `json:"stages"`
}

// HealthResponse summarizes store health for monitoring probes. Healthy
// reflects the cached preflight results, not a live re-check.
type HealthResponse struct {
	Healthy     bool          `json:"healthy"`
	Total       int           `json:"total"`
	Pending     int           `json:"pending"`
	Active      int           `json:"active"`
	Degraded    int           `json:"degraded"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	DeadLetters int           `json:"deadLetters"`
	Checks      []CheckStatus `json:"checks,omitempty"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// JobDetailResponse wraps a single job with its stage breakdown.
type JobDetailResponse struct {
	Job JobDetail `json:"job"`
}

// QueueListResponse wraps queue introspection data.
type QueueListResponse struct {
	Queues []QueueInfo `json:"queues"`
}

// StatsResponse provides normalized store and broker counters.
type StatsResponse struct {
	Jobs        map[string]int   `json:"jobs"`
	Stages      map[string]int   `json:"stages"`
	DeadLetters int              `json:"deadLetters"`
	QueueDepths map[string]int64 `json:"queueDepths,omitempty"`
}

// LogEvent is the transport form of one structured log line.
type LogEvent struct {
	Sequence      uint64            `json:"seq"`
	Timestamp     time.Time         `json:"ts"`
	Level         string            `json:"level"`
	Message       string            `json:"msg"`
	Component     string            `json:"component,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	JobID         string            `json:"jobId,omitempty"`
	Queue         string            `json:"queue,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// LogStreamResponse carries a batch of log events plus the next cursor.
type LogStreamResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}
