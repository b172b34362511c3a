package api

import (
	"context"

	"loom/internal/jobs"
)

// JobControlService captures the operations per-job cancel workflows need.
type JobControlService interface {
	Describe(ctx context.Context, id string) (*JobDetail, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type CancelJobOutcome string

const (
	CancelJobDone             CancelJobOutcome = "cancelled"
	CancelJobNotFound         CancelJobOutcome = "not_found"
	CancelJobAlreadyCompleted CancelJobOutcome = "already_completed"
	CancelJobAlreadyFailed    CancelJobOutcome = "already_failed"
)

type CancelJobResult struct {
	ID          string           `json:"id"`
	Outcome     CancelJobOutcome `json:"outcome"`
	PriorStatus string           `json:"prior_status,omitempty"`
}

type CancelJobsResult struct {
	UpdatedCount int               `json:"updatedCount"`
	Jobs         []CancelJobResult `json:"jobs"`
}

// CancelJobsByID validates IDs and cancels jobs unless already terminal.
func CancelJobsByID(ctx context.Context, service JobControlService, ids []string) (CancelJobsResult, error) {
	result := CancelJobsResult{Jobs: make([]CancelJobResult, 0, len(ids))}
	for _, id := range ids {
		job, err := service.Describe(ctx, id)
		if err != nil {
			return CancelJobsResult{}, err
		}
		if job == nil {
			result.Jobs = append(result.Jobs, CancelJobResult{ID: id, Outcome: CancelJobNotFound})
			continue
		}
		status := job.Status
		parsed, ok := jobs.ParseStatus(status)
		if ok {
			switch parsed {
			case jobs.StatusCompleted:
				result.Jobs = append(result.Jobs, CancelJobResult{ID: id, Outcome: CancelJobAlreadyCompleted, PriorStatus: status})
				continue
			case jobs.StatusFailed:
				result.Jobs = append(result.Jobs, CancelJobResult{ID: id, Outcome: CancelJobAlreadyFailed, PriorStatus: status})
				continue
			}
		}

		cancelled, err := service.Cancel(ctx, id)
		if err != nil {
			return CancelJobsResult{}, err
		}
		if cancelled {
			result.UpdatedCount++
			result.Jobs = append(result.Jobs, CancelJobResult{ID: id, Outcome: CancelJobDone, PriorStatus: status})
			continue
		}
		result.Jobs = append(result.Jobs, CancelJobResult{ID: id, Outcome: CancelJobAlreadyFailed, PriorStatus: status})
	}
	return result, nil
}
