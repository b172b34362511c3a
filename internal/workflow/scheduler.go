package workflow

import (
	"context"
	"time"

	"loom/internal/logging"
	"loom/internal/task"
)

// retryBatchSize bounds how many due retries one scheduler tick dispatches.
const retryBatchSize = 50

// runRetryScheduler re-emits scheduled retries once their backoff elapses.
func (m *Manager) runRetryScheduler(ctx context.Context) {
	ticker := time.NewTicker(m.timings.retryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.dispatchDueRetries(ctx); err != nil && ctx.Err() == nil {
				m.setLastError(err)
				m.logger.Error("retry dispatch failed",
					logging.String(logging.FieldEventType, "retry_dispatch_failed"),
					logging.Error(err))
			}
		}
	}
}

func (m *Manager) dispatchDueRetries(ctx context.Context) (int, error) {
	rows, err := m.store.DueRetries(ctx, time.Now().UTC(), retryBatchSize)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, row := range rows {
		env, err := task.Decode([]byte(row.EnvelopeJSON))
		if err != nil {
			if dlErr := m.coord.DeadLetterStage(ctx, row.JobID, row.Stage, row.Attempt, "stored retry envelope did not decode: "+err.Error()); dlErr != nil {
				m.logger.Error("dead-lettering undecodable retry failed",
					logging.String(logging.FieldJobID, row.JobID),
					logging.String(logging.FieldStage, row.Stage),
					logging.Error(dlErr))
			}
			continue
		}
		if err := m.broker.Push(ctx, env.Queue, []byte(row.EnvelopeJSON)); err != nil {
			m.logger.Error("retry push failed",
				logging.String(logging.FieldJobID, row.JobID),
				logging.String(logging.FieldStage, row.Stage),
				logging.String(logging.FieldQueue, env.Queue),
				logging.Error(err))
			continue
		}
		if _, err := m.store.MarkRetryEmitted(ctx, row.ID); err != nil {
			m.logger.Warn("marking retry emitted failed",
				logging.String(logging.FieldJobID, row.JobID),
				logging.String(logging.FieldStage, row.Stage),
				logging.Error(err))
			continue
		}
		dispatched++
		m.logger.Info("retry dispatched",
			logging.String(logging.FieldEventType, "retry_dispatched"),
			logging.String(logging.FieldJobID, row.JobID),
			logging.String(logging.FieldStage, row.Stage),
			logging.Int(logging.FieldAttempt, row.Attempt),
			logging.String(logging.FieldQueue, env.Queue))
	}
	return dispatched, nil
}

// runRedispatcher recovers work that stopped moving: leases whose heartbeat
// died with their worker, and pending rows whose broker push never landed.
func (m *Manager) runRedispatcher(ctx context.Context) {
	ticker := time.NewTicker(m.timings.redispatch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.reclaimStaleLeases(ctx); err != nil && ctx.Err() == nil {
				m.setLastError(err)
				m.logger.Error("stale lease reclaim failed",
					logging.String(logging.FieldEventType, "lease_reclaim_failed"),
					logging.Error(err))
			}
			if err := m.redispatchStalePending(ctx); err != nil && ctx.Err() == nil {
				m.setLastError(err)
				m.logger.Error("stale pending redispatch failed",
					logging.String(logging.FieldEventType, "redispatch_failed"),
					logging.Error(err))
			}
		}
	}
}

func (m *Manager) reclaimStaleLeases(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.timings.heartbeatTimeout)
	rows, err := m.store.StaleLeases(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, row := range rows {
		released, err := m.store.ReclaimStaleLease(ctx, row.JobID, row.Stage, cutoff, row.EnvelopeJSON)
		if err != nil {
			return err
		}
		if !released {
			// A live executor took the lease over between the scan and now.
			continue
		}
		m.logger.Warn("stale lease reclaimed",
			logging.String(logging.FieldEventType, "stale_lease_reclaimed"),
			logging.String(logging.FieldJobID, row.JobID),
			logging.String(logging.FieldStage, row.Stage),
			logging.String("lease_owner", row.LeaseOwner),
			logging.Alert("worker stopped heartbeating; attempt redispatched"))
		m.replayStored(ctx, row.JobID, row.Stage, row.Attempt, row.EnvelopeJSON)
	}
	return nil
}

func (m *Manager) redispatchStalePending(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.timings.heartbeatTimeout)
	rows, err := m.store.StalePendingStages(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !m.replayStored(ctx, row.JobID, row.Stage, row.Attempt, row.EnvelopeJSON) {
			continue
		}
		if err := m.store.TouchStage(ctx, row.JobID, row.Stage); err != nil {
			m.logger.Warn("stage touch failed",
				logging.String(logging.FieldJobID, row.JobID),
				logging.String(logging.FieldStage, row.Stage),
				logging.Error(err))
		}
		m.logger.Info("stage redispatched",
			logging.String(logging.FieldEventType, "stage_redispatched"),
			logging.String(logging.FieldJobID, row.JobID),
			logging.String(logging.FieldStage, row.Stage))
	}
	return nil
}

// replayStored pushes a row's stored envelope back onto its queue. An
// envelope that no longer decodes dead-letters the stage instead of looping
// through the scan forever.
func (m *Manager) replayStored(ctx context.Context, jobID, stageName string, attempt int, envelopeJSON string) bool {
	env, err := task.Decode([]byte(envelopeJSON))
	if err != nil {
		if dlErr := m.coord.DeadLetterStage(ctx, jobID, stageName, attempt, "stored envelope did not decode: "+err.Error()); dlErr != nil {
			m.logger.Error("dead-lettering undecodable envelope failed",
				logging.String(logging.FieldJobID, jobID),
				logging.String(logging.FieldStage, stageName),
				logging.Error(dlErr))
		}
		return false
	}
	if err := m.broker.Push(ctx, env.Queue, []byte(envelopeJSON)); err != nil {
		m.logger.Error("redispatch push failed",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldStage, stageName),
			logging.String(logging.FieldQueue, env.Queue),
			logging.Error(err))
		return false
	}
	return true
}

// runRetentionSweep deletes terminal jobs older than the retention window.
func (m *Manager) runRetentionSweep(ctx context.Context) {
	interval := time.Duration(m.cfg.Retention.SweepInterval) * time.Second
	if interval <= 0 || m.cfg.Retention.WindowDays <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweepRetention(ctx); err != nil && ctx.Err() == nil {
				m.setLastError(err)
				m.logger.Error("retention sweep failed",
					logging.String(logging.FieldEventType, "retention_sweep_failed"),
					logging.Error(err))
			}
		}
	}
}

func (m *Manager) sweepRetention(ctx context.Context) error {
	window := time.Duration(m.cfg.Retention.WindowDays) * 24 * time.Hour
	purged, err := m.store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return err
	}
	if purged > 0 {
		m.logger.Info("retention sweep purged jobs",
			logging.String(logging.FieldEventType, "retention_sweep"),
			logging.Int64("purged", purged))
	}
	return nil
}
