package api

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/stage"
	"loom/internal/task"
	"loom/internal/workflow"
)

// FromJob converts a stored job to its API representation.
func FromJob(job *jobs.Job) Job {
	if job == nil {
		return Job{}
	}

	dto := Job{
		ID:            job.ID,
		Title:         job.DisplayTitle,
		Topic:         job.Topic,
		Status:        string(job.Status),
		Priority:      string(job.Priority),
		Paused:        job.Paused,
		FailingStage:  job.FailingStage,
		ErrorMessage:  job.ErrorMessage,
		CorrelationID: job.CorrelationID,
	}
	if len(job.RequiredStages) > 0 {
		dto.RequiredStages = append([]string(nil), job.RequiredStages...)
	}
	if !job.CreatedAt.IsZero() {
		dto.CreatedAt = job.CreatedAt.UTC().Format(dateTimeFormat)
	}
	if !job.UpdatedAt.IsZero() {
		dto.UpdatedAt = job.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	if job.StartedAt != nil {
		dto.StartedAt = job.StartedAt.UTC().Format(dateTimeFormat)
	}
	if job.FinishedAt != nil {
		dto.FinishedAt = job.FinishedAt.UTC().Format(dateTimeFormat)
	}
	if raw := strings.TrimSpace(job.PayloadJSON); raw != "" {
		dto.Payload = json.RawMessage(raw)
	}
	return dto
}

// FromJobs converts a slice of stored jobs into API DTOs.
func FromJobs(list []*jobs.Job) []Job {
	if len(list) == 0 {
		return nil
	}
	out := make([]Job, 0, len(list))
	for _, job := range list {
		out = append(out, FromJob(job))
	}
	return out
}

// FromStageResult converts a stage record to its API representation.
func FromStageResult(row *jobs.StageResult) StageResult {
	if row == nil {
		return StageResult{}
	}
	dto := StageResult{
		Stage:       row.Stage,
		Status:      string(row.Status),
		Attempt:     row.Attempt,
		MaxAttempts: row.MaxAttempts,
		ResultRef:   row.ResultRef,
		Error:       row.LastError,
	}
	if row.NextRetryAt != nil {
		dto.NextRetryAt = row.NextRetryAt.UTC().Format(dateTimeFormat)
	}
	if !row.UpdatedAt.IsZero() {
		dto.UpdatedAt = row.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromStageResults converts a slice of stage records into API DTOs.
func FromStageResults(rows []*jobs.StageResult) []StageResult {
	if len(rows) == 0 {
		return nil
	}
	out := make([]StageResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromStageResult(row))
	}
	return out
}

// FromDeadLetter converts a dead-letter record to its API representation.
func FromDeadLetter(letter *jobs.DeadLetter) DeadLetter {
	if letter == nil {
		return DeadLetter{}
	}
	dto := DeadLetter{
		Stage:    letter.Stage,
		Attempts: letter.Attempts,
		Error:    letter.LastError,
		Critical: letter.Critical,
	}
	if !letter.CreatedAt.IsZero() {
		dto.CreatedAt = letter.CreatedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromDeadLetters converts a slice of dead-letter records into API DTOs.
func FromDeadLetters(letters []*jobs.DeadLetter) []DeadLetter {
	if len(letters) == 0 {
		return nil
	}
	out := make([]DeadLetter, 0, len(letters))
	for _, letter := range letters {
		out = append(out, FromDeadLetter(letter))
	}
	return out
}

// FromHealthSummary converts aggregate store health counters to API payload.
// The caller decides Healthy and attaches preflight checks.
func FromHealthSummary(summary jobs.HealthSummary) HealthResponse {
	return HealthResponse{
		Total:       summary.Total,
		Pending:     summary.Pending,
		Active:      summary.Active,
		Degraded:    summary.Degraded,
		Completed:   summary.Completed,
		Failed:      summary.Failed,
		DeadLetters: summary.DeadLetters,
	}
}

// FromStatusSummary converts a workflow status summary to API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	wf := WorkflowStatus{
		Running:     summary.Running,
		Jobs:        MergeJobStats(summary.Jobs),
		Stages:      MergeStageStats(summary.Stages),
		DeadLetters: summary.DeadLetters,
		QueueDepths: summary.QueueDepths,
		SlotsInUse:  summary.SlotsInUse,
		SlotsTotal:  summary.SlotsTotal,
		Handlers:    HandlerHealthSlice(summary.Handlers),
	}
	if summary.LastError != "" {
		wf.LastError = summary.LastError
	}
	return wf
}

// MergeJobStats produces a string-keyed representation of job stats.
func MergeJobStats(stats map[jobs.Status]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}

// MergeStageStats produces a string-keyed representation of stage stats.
func MergeStageStats(stats map[jobs.StageStatus]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}

// HandlerHealthSlice converts handler health reports into a deterministic
// name-ordered slice.
func HandlerHealthSlice(health []stage.Health) []HandlerHealth {
	if len(health) == 0 {
		return nil
	}
	out := make([]HandlerHealth, 0, len(health))
	for _, h := range health {
		out = append(out, HandlerHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	slices.SortFunc(out, func(a, b HandlerHealth) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// FromLogEvents converts hub log events into API payloads.
func FromLogEvents(events []logging.LogEvent) []LogEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]LogEvent, 0, len(events))
	for _, evt := range events {
		out = append(out, LogEvent{
			Sequence:      evt.Sequence,
			Timestamp:     evt.Timestamp,
			Level:         evt.Level,
			Message:       evt.Message,
			Component:     evt.Component,
			Stage:         evt.Stage,
			JobID:         evt.JobID,
			Queue:         evt.Queue,
			CorrelationID: evt.CorrelationID,
			Fields:        evt.Fields,
		})
	}
	return out
}

// CreateParams converts the request into store params, parsing the optional
// priority override. Topic, payload, and stage-set validation stay with the
// workflow manager.
func (r SubmitRequest) CreateParams() (jobs.CreateParams, error) {
	params := jobs.CreateParams{
		Topic:          strings.TrimSpace(r.Topic),
		Payload:        r.Payload,
		RequiredStages: r.RequiredStages,
	}
	if trimmed := strings.TrimSpace(r.Priority); trimmed != "" {
		priority, err := task.ParsePriority(trimmed)
		if err != nil {
			return jobs.CreateParams{}, err
		}
		params.Priority = priority
	}
	return params, nil
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
