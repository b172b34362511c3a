package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loom/internal/task"
	"loom/internal/textutil"
)

// CreateParams describes a job submission.
type CreateParams struct {
	Topic          string
	Payload        json.RawMessage
	RequiredStages []string
	Priority       task.Priority
	CorrelationID  string
}

// NewJob inserts a pending job and returns the stored row.
func (s *Store) NewJob(ctx context.Context, params CreateParams) (*Job, error) {
	if params.Priority != "" && !params.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority class %q", params.Priority)
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	id := uuid.NewString()
	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	var requiredJSON any
	if len(params.RequiredStages) > 0 {
		data, err := json.Marshal(params.RequiredStages)
		if err != nil {
			return nil, fmt.Errorf("marshal required stages: %w", err)
		}
		requiredJSON = string(data)
	}

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, display_title, topic, payload_json, required_stages, status,
            priority, paused, correlation_id, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id,
		textutil.DisplayTitle(params.Topic),
		params.Topic,
		nullableString(string(params.Payload)),
		requiredJSON,
		StatusPending,
		string(params.Priority),
		correlationID,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by identifier. Returns nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by status set (all jobs when no status is
// provided), ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ActiveJobs returns jobs that still have work scheduled or in flight.
func (s *Store) ActiveJobs(ctx context.Context) ([]*Job, error) {
	return s.ListJobs(ctx, StatusPending, StatusRunning, StatusPartialFailure)
}

// ApplyPhase records a job-level status transition. Terminal rows are left
// untouched so late reports against cancelled or finished jobs are discarded;
// the return value reports whether the update applied.
func (s *Store) ApplyPhase(ctx context.Context, id string, status Status, failingStage, errorMessage string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var finished any
	if status.IsTerminal() {
		finished = now
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, failing_stage = ?, error_message = ?, updated_at = ?,
             started_at = COALESCE(started_at, ?),
             finished_at = COALESCE(?, finished_at)
         WHERE id = ? AND status NOT IN (?, ?)`,
		status,
		nullableString(failingStage),
		nullableString(errorMessage),
		now,
		now,
		finished,
		id,
		StatusCompleted,
		StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("apply job phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// CancelJob marks a non-terminal job failed with the cancelled reason.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.ApplyPhase(ctx, id, StatusFailed, "", CancelledReason)
}

// SetJobPriority updates the job-level priority override for a non-terminal
// job. An empty priority restores per-stage routing.
func (s *Store) SetJobPriority(ctx context.Context, id string, priority task.Priority) (bool, error) {
	if priority != "" && !priority.Valid() {
		return false, fmt.Errorf("unknown priority class %q", priority)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET priority = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?)`,
		string(priority),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusCompleted,
		StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("set job priority: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReopenJob returns a job to the running state after a stage restart. Unlike
// ApplyPhase this deliberately applies to terminal rows: restarting a
// dead-lettered stage of a failed job reopens the job. The previous outcome's
// failure detail and finished timestamp are cleared.
func (s *Store) ReopenJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, failing_stage = NULL, error_message = NULL,
             finished_at = NULL, updated_at = ?
         WHERE id = ?`,
		StatusRunning,
		now,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("reopen job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetJobPaused toggles the paused flag for a non-terminal job.
func (s *Store) SetJobPaused(ctx context.Context, id string, paused bool) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET paused = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?)`,
		boolToInt(paused),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusCompleted,
		StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("set job paused: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const jobColumns = "id, display_title, topic, payload_json, required_stages, status, priority, paused, failing_stage, error_message, correlation_id, created_at, updated_at, started_at, finished_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id            string
		displayTitle  string
		topic         string
		payloadJSON   sql.NullString
		requiredRaw   sql.NullString
		statusStr     string
		priorityStr   string
		paused        sql.NullInt64
		failingStage  sql.NullString
		errorMessage  sql.NullString
		correlationID sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
		startedRaw    sql.NullString
		finishedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&displayTitle,
		&topic,
		&payloadJSON,
		&requiredRaw,
		&statusStr,
		&priorityStr,
		&paused,
		&failingStage,
		&errorMessage,
		&correlationID,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:            id,
		DisplayTitle:  displayTitle,
		Topic:         topic,
		PayloadJSON:   payloadJSON.String,
		Status:        Status(statusStr),
		Priority:      task.Priority(priorityStr),
		FailingStage:  failingStage.String,
		ErrorMessage:  errorMessage.String,
		CorrelationID: correlationID.String,
	}
	if paused.Valid {
		job.Paused = paused.Int64 != 0
	}
	if requiredRaw.Valid && requiredRaw.String != "" {
		if err := json.Unmarshal([]byte(requiredRaw.String), &job.RequiredStages); err != nil {
			return nil, fmt.Errorf("decode required stages for job %s: %w", id, err)
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			job.FinishedAt = &finished
		}
	}
	return job, nil
}
