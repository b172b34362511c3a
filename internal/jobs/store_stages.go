package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EmitStage inserts the pending stage row that backs a first emission. The
// UNIQUE(job_id, stage) constraint makes emission single-shot: a second call
// is a no-op and returns false.
func (s *Store) EmitStage(ctx context.Context, jobID, stage, idempotencyKey string, maxAttempts int, envelopeJSON string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO stage_results (
            job_id, stage, status, attempt, max_attempts, idempotency_key,
            envelope_json, created_at, updated_at
        ) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		jobID,
		stage,
		StagePending,
		maxAttempts,
		idempotencyKey,
		nullableString(envelopeJSON),
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("emit stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// AcquireLease claims a delivered stage attempt for an executor. The guard
// admits pending and retrying rows, which enforces at most one running
// attempt per (job, stage): duplicate deliveries find the row already
// running or succeeded and are not claimed. A running row whose heartbeat
// predates staleBefore is also claimable, so a redelivery after a crash can
// take over the orphaned lease. Deliveries carrying an attempt older than
// the row's are refused, which keeps a lingering duplicate from regressing
// the attempt counter or jumping a scheduled backoff. The current row is
// returned either way so the caller can classify the refusal.
func (s *Store) AcquireLease(ctx context.Context, jobID, stage, owner string, attempt int, staleBefore time.Time) (*StageResult, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, attempt = ?, lease_owner = ?, lease_heartbeat = ?, updated_at = ?
         WHERE job_id = ? AND stage = ? AND attempt <= ?
           AND (status IN (?, ?)
                OR (status = ? AND (lease_heartbeat IS NULL OR lease_heartbeat < ?)))`,
		StageRunning,
		attempt,
		owner,
		now,
		now,
		jobID,
		stage,
		attempt,
		StagePending,
		StageRetrying,
		StageRunning,
		staleBefore.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	row, err := s.StageResult(ctx, jobID, stage)
	if err != nil {
		return nil, false, err
	}
	return row, affected > 0, nil
}

// Heartbeat refreshes the lease timestamp while a handler runs.
func (s *Store) Heartbeat(ctx context.Context, jobID, stage, owner string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET lease_heartbeat = ?, updated_at = ?
         WHERE job_id = ? AND stage = ? AND lease_owner = ? AND status = ?`,
		now,
		now,
		jobID,
		stage,
		owner,
		StageRunning,
	)
	if err != nil {
		return fmt.Errorf("update lease heartbeat: %w", err)
	}
	return nil
}

// RecordStageSuccess durably records a success report. It is idempotent per
// idempotency key: a replay of an already-recorded success changes nothing
// and returns false.
func (s *Store) RecordStageSuccess(ctx context.Context, jobID, stage, idempotencyKey, resultRef string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, result_ref = ?, last_error = NULL, next_retry_at = NULL,
             lease_owner = NULL, lease_heartbeat = NULL, updated_at = ?
         WHERE job_id = ? AND stage = ? AND idempotency_key = ? AND status != ?`,
		StageSucceeded,
		nullableString(resultRef),
		now,
		jobID,
		stage,
		idempotencyKey,
		StageSucceeded,
	)
	if err != nil {
		return false, fmt.Errorf("record stage success: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ScheduleRetry parks a failed running attempt until its backoff elapses.
// The envelope for the next attempt is stored alongside so the retry
// scheduler can re-emit it after a restart.
func (s *Store) ScheduleRetry(ctx context.Context, jobID, stage string, attempt int, nextRetryAt time.Time, lastError, nextEnvelopeJSON string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?,
             envelope_json = ?, lease_owner = NULL, lease_heartbeat = NULL, updated_at = ?
         WHERE job_id = ? AND stage = ? AND status = ?`,
		StageRetrying,
		attempt,
		nextRetryAt.UTC().Format(time.RFC3339Nano),
		nullableString(lastError),
		nullableString(nextEnvelopeJSON),
		now,
		jobID,
		stage,
		StageRunning,
	)
	if err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// DueRetries returns retrying rows whose delay has elapsed. Stages of
// finished or cancelled jobs are excluded so the scheduler never re-emits
// work the job can no longer use.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*StageResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_results
         WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
           AND job_id IN (SELECT id FROM jobs WHERE status IN (?, ?, ?))
         ORDER BY next_retry_at LIMIT ?`,
		StageRetrying,
		now.UTC().Format(time.RFC3339Nano),
		StatusPending,
		StatusRunning,
		StatusPartialFailure,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()
	return collectStageResults(rows)
}

// MarkRetryEmitted flips a retrying row back to pending once its next
// attempt has been pushed. Called after the push so a crash in between
// re-pushes rather than losing the attempt; the lease guard absorbs the
// resulting duplicate.
func (s *Store) MarkRetryEmitted(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, next_retry_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StagePending,
		now,
		id,
		StageRetrying,
	)
	if err != nil {
		return false, fmt.Errorf("mark retry emitted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RecordDeadLetter moves a stage to its terminal dead-letter state and
// appends the dead-letter history row in one transaction.
func (s *Store) RecordDeadLetter(ctx context.Context, letter DeadLetter) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dead letter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE stage_results
             SET status = ?, last_error = ?, next_retry_at = NULL,
                 lease_owner = NULL, lease_heartbeat = NULL, updated_at = ?
             WHERE job_id = ? AND stage = ?`,
			StageDeadLettered,
			nullableString(letter.LastError),
			now,
			letter.JobID,
			letter.Stage,
		); err != nil {
			return fmt.Errorf("mark stage dead-lettered: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO dead_letters (job_id, stage, attempts, last_error, envelope_json, critical, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			letter.JobID,
			letter.Stage,
			letter.Attempts,
			nullableString(letter.LastError),
			nullableString(letter.EnvelopeJSON),
			boolToInt(letter.Critical),
			now,
		); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dead letter: %w", err)
		}
		return nil
	})
}

// MarkStageSkipped records that a stage can never run because an upstream
// stage dead-lettered. Skipped stages were never emitted, so this inserts
// the terminal row directly.
func (s *Store) MarkStageSkipped(ctx context.Context, jobID, stage, idempotencyKey, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO stage_results (
            job_id, stage, status, attempt, max_attempts, idempotency_key,
            last_error, created_at, updated_at
        ) VALUES (?, ?, ?, 0, 1, ?, ?, ?, ?)`,
		jobID,
		stage,
		StageSkipped,
		idempotencyKey,
		nullableString(reason),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("mark stage skipped: %w", err)
	}
	return nil
}

// ResetStages deletes the stage rows for a restart so the pipeline can
// re-emit them. Dead-letter history rows are preserved.
func (s *Store) ResetStages(ctx context.Context, jobID string, stages []string) (int64, error) {
	if len(stages) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(stages))
	args := make([]any, 0, len(stages)+1)
	args = append(args, jobID)
	for _, stage := range stages {
		args = append(args, stage)
	}
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM stage_results WHERE job_id = ? AND stage IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stages: %w", err)
	}
	return res.RowsAffected()
}

// StageResult fetches one (job, stage) row. Returns nil when absent.
func (s *Store) StageResult(ctx context.Context, jobID, stage string) (*StageResult, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_results WHERE job_id = ? AND stage = ?`,
		jobID,
		stage,
	)
	result, err := scanStageResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage result: %w", err)
	}
	return result, nil
}

// StageResults returns all stage rows for a job in emission order.
func (s *Store) StageResults(ctx context.Context, jobID string) ([]*StageResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_results WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()
	return collectStageResults(rows)
}

// StaleLeases returns running rows of active jobs whose heartbeat predates
// the cutoff.
func (s *Store) StaleLeases(ctx context.Context, cutoff time.Time) ([]*StageResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_results
         WHERE status = ? AND lease_heartbeat IS NOT NULL AND lease_heartbeat < ?
           AND job_id IN (SELECT id FROM jobs WHERE status IN (?, ?, ?))
         ORDER BY lease_heartbeat`,
		StageRunning,
		cutoff.UTC().Format(time.RFC3339Nano),
		StatusPending,
		StatusRunning,
		StatusPartialFailure,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale leases: %w", err)
	}
	defer rows.Close()
	return collectStageResults(rows)
}

// StalePendingStages returns unleased pending rows of active jobs that have
// not been touched since the cutoff. A pending row this old means the
// recorded emission never reached the broker, or its delivery was lost; the
// redispatcher pushes the stored envelope again.
func (s *Store) StalePendingStages(ctx context.Context, cutoff time.Time) ([]*StageResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_results
         WHERE status = ? AND updated_at < ?
           AND job_id IN (SELECT id FROM jobs WHERE status IN (?, ?, ?))
         ORDER BY updated_at`,
		StagePending,
		cutoff.UTC().Format(time.RFC3339Nano),
		StatusPending,
		StatusRunning,
		StatusPartialFailure,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale pending stages: %w", err)
	}
	defer rows.Close()
	return collectStageResults(rows)
}

// TouchStage refreshes updated_at so the row drops out of the stale-pending
// scan. Called after a redispatch push and when a paused job's delivery is
// returned to the broker.
func (s *Store) TouchStage(ctx context.Context, jobID, stage string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results SET updated_at = ? WHERE job_id = ? AND stage = ?`,
		now,
		jobID,
		stage,
	)
	if err != nil {
		return fmt.Errorf("touch stage: %w", err)
	}
	return nil
}

// RequeueStage releases a worker's own running lease back to pending,
// refreshing the stored envelope. The owner guard means a lease that was
// meanwhile taken over by another executor is left alone. Used when a worker
// cannot finish an attempt it claimed.
func (s *Store) RequeueStage(ctx context.Context, jobID, stage, owner, envelopeJSON string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, envelope_json = ?, lease_owner = NULL, lease_heartbeat = NULL, updated_at = ?
         WHERE job_id = ? AND stage = ? AND status = ? AND lease_owner = ?`,
		StagePending,
		nullableString(envelopeJSON),
		now,
		jobID,
		stage,
		StageRunning,
		owner,
	)
	if err != nil {
		return false, fmt.Errorf("requeue stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReclaimStaleLease releases a running lease back to pending only while its
// heartbeat still predates the cutoff. The heartbeat condition is re-checked
// inside the UPDATE so a lease taken over by a live executor between the
// stale scan and the reclaim is never yanked out from under it.
func (s *Store) ReclaimStaleLease(ctx context.Context, jobID, stage string, cutoff time.Time, envelopeJSON string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, envelope_json = ?, lease_owner = NULL, lease_heartbeat = NULL, updated_at = ?
         WHERE job_id = ? AND stage = ? AND status = ?
           AND lease_heartbeat IS NOT NULL AND lease_heartbeat < ?`,
		StagePending,
		nullableString(envelopeJSON),
		now,
		jobID,
		stage,
		StageRunning,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim stale lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeadLetters returns the dead-letter history for a job.
func (s *Store) DeadLetters(ctx context.Context, jobID string) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, stage, attempts, last_error, envelope_json, critical, created_at
         FROM dead_letters WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var (
			letter     DeadLetter
			lastError  sql.NullString
			envelope   sql.NullString
			critical   sql.NullInt64
			createdRaw sql.NullString
		)
		if err := rows.Scan(&letter.ID, &letter.JobID, &letter.Stage, &letter.Attempts, &lastError, &envelope, &critical, &createdRaw); err != nil {
			return nil, err
		}
		letter.LastError = lastError.String
		letter.EnvelopeJSON = envelope.String
		if critical.Valid {
			letter.Critical = critical.Int64 != 0
		}
		if created, err := parseTimeString(createdRaw.String); err == nil {
			letter.CreatedAt = created
		}
		out = append(out, &letter)
	}
	return out, rows.Err()
}

const stageColumns = "id, job_id, stage, status, attempt, max_attempts, idempotency_key, result_ref, last_error, envelope_json, next_retry_at, lease_owner, lease_heartbeat, created_at, updated_at"

func collectStageResults(rows *sql.Rows) ([]*StageResult, error) {
	var out []*StageResult
	for rows.Next() {
		result, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func scanStageResult(scanner interface{ Scan(dest ...any) error }) (*StageResult, error) {
	var (
		id           int64
		jobID        string
		stage        string
		statusStr    string
		attempt      int
		maxAttempts  int
		key          string
		resultRef    sql.NullString
		lastError    sql.NullString
		envelope     sql.NullString
		nextRetryRaw sql.NullString
		leaseOwner   sql.NullString
		heartbeatRaw sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&jobID,
		&stage,
		&statusStr,
		&attempt,
		&maxAttempts,
		&key,
		&resultRef,
		&lastError,
		&envelope,
		&nextRetryRaw,
		&leaseOwner,
		&heartbeatRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	result := &StageResult{
		ID:             id,
		JobID:          jobID,
		Stage:          stage,
		Status:         StageStatus(statusStr),
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: key,
		ResultRef:      resultRef.String,
		LastError:      lastError.String,
		EnvelopeJSON:   envelope.String,
		LeaseOwner:     leaseOwner.String,
	}
	if nextRetryRaw.Valid {
		if next, err := parseTimeString(nextRetryRaw.String); err == nil {
			result.NextRetryAt = &next
		}
	}
	if heartbeatRaw.Valid {
		if beat, err := parseTimeString(heartbeatRaw.String); err == nil {
			result.LeaseHeartbeat = &beat
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		result.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		result.UpdatedAt = updated
	}
	return result, nil
}
