package ipc

import "loom/internal/api"

// Job mirrors the HTTP API job DTO for internal IPC callers.
type Job = api.Job

// JobDetail bundles a job with its stage results and dead letters.
type JobDetail = api.JobDetail

// QueueInfo describes one configured queue with its live ready depth.
type QueueInfo = api.QueueInfo

// CheckStatus reports the outcome of one preflight check.
type CheckStatus = api.CheckStatus

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus = api.WorkflowStatus

// StartRequest triggers daemon workflow startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops daemon workflow.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon/workflow status information.
type StatusResponse struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	DatabasePath string         `json:"database_path"`
	LockPath     string         `json:"lock_path"`
	Workflow     WorkflowStatus `json:"workflow"`
	Checks       []CheckStatus  `json:"checks"`
}

// SubmitRequest carries a new job submission.
type SubmitRequest = api.SubmitRequest

// SubmitResponse acknowledges an accepted job.
type SubmitResponse = api.SubmitResponse

// JobListRequest filters job listing by status.
type JobListRequest struct {
	Statuses []string `json:"statuses"`
}

// JobListResponse contains job entries.
type JobListResponse = api.JobListResponse

// JobDescribeRequest fetches a single job by id.
type JobDescribeRequest struct {
	ID string `json:"id"`
}

// JobDescribeResponse contains a single job with stage history.
type JobDescribeResponse struct {
	Found bool      `json:"found"`
	Job   JobDetail `json:"job"`
}

// JobCancelRequest cancels one job.
type JobCancelRequest struct {
	ID string `json:"id"`
}

// JobCancelResponse reports whether the cancel applied.
type JobCancelResponse struct {
	Updated bool `json:"updated"`
}

// JobPauseRequest pauses dispatch for one job.
type JobPauseRequest struct {
	ID string `json:"id"`
}

// JobPauseResponse reports whether the pause applied.
type JobPauseResponse struct {
	Updated bool `json:"updated"`
}

// JobResumeRequest resumes dispatch for one job.
type JobResumeRequest struct {
	ID string `json:"id"`
}

// JobResumeResponse reports whether the resume applied.
type JobResumeResponse struct {
	Updated bool `json:"updated"`
}

// JobPriorityRequest reassigns the priority class for one job.
type JobPriorityRequest struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

// JobPriorityResponse reports whether the priority change applied.
type JobPriorityResponse struct {
	Updated bool `json:"updated"`
}

// StageRestartRequest resets stages on a job for re-execution.
type StageRestartRequest struct {
	ID     string   `json:"id"`
	Stages []string `json:"stages"`
}

// StageRestartResponse lists the stages actually reset, including dependents.
type StageRestartResponse struct {
	Stages []string `json:"stages"`
}

// QueuesRequest fetches the configured queue topology with live depths.
type QueuesRequest struct{}

// QueuesResponse contains queue entries.
type QueuesResponse = api.QueueListResponse

// StatsRequest fetches aggregate job and stage counters.
type StatsRequest struct{}

// StatsResponse reports normalized store and broker counters.
type StatsResponse = api.StatsResponse

// JobHealthRequest fetches aggregate diagnostics.
type JobHealthRequest struct{}

// JobHealthResponse reports job health information. Healthy reflects the
// daemon's cached preflight results.
type JobHealthResponse struct {
	Healthy     bool          `json:"healthy"`
	Total       int           `json:"total"`
	Pending     int           `json:"pending"`
	Active      int           `json:"active"`
	Degraded    int           `json:"degraded"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	DeadLetters int           `json:"dead_letters"`
	Checks      []CheckStatus `json:"checks,omitempty"`
}

// DatabaseHealthRequest fetches detailed database diagnostics.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse reports database health information.
type DatabaseHealthResponse struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	TablesPresent    []string `json:"tables_present"`
	IntegrityCheck   bool     `json:"integrity_check"`
	TotalJobs        int      `json:"total_jobs"`
	Error            string   `json:"error"`
}

// PurgeRequest removes terminal jobs older than the supplied age. Zero means
// every terminal job.
type PurgeRequest struct {
	OlderThanMillis int64 `json:"older_than_millis"`
}

// PurgeResponse reports number of removed jobs.
type PurgeResponse struct {
	Removed int64 `json:"removed"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
