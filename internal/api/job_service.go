package api

import (
	"context"

	"loom/internal/jobs"
)

// JobReader abstracts job persistence interactions needed for API queries.
type JobReader interface {
	ListJobs(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	StageResults(ctx context.Context, jobID string) ([]*jobs.StageResult, error)
	DeadLetters(ctx context.Context, jobID string) ([]*jobs.DeadLetter, error)
	Stats(ctx context.Context) (map[jobs.Status]int, error)
}

// JobService exposes read-only job operations returning API DTOs.
type JobService struct {
	store JobReader
}

// NewJobService constructs a JobService around the provided reader.
func NewJobService(store JobReader) *JobService {
	if store == nil {
		return nil
	}
	return &JobService{store: store}
}

// List returns jobs filtered by status.
func (s *JobService) List(ctx context.Context, statuses ...jobs.Status) ([]Job, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	list, err := s.store.ListJobs(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromJobs(list), nil
}

// Stats returns job summary counts keyed by status string.
func (s *JobService) Stats(ctx context.Context) (map[string]int, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeJobStats(stats), nil
}

// Describe fetches a single job together with its stage results and
// dead-letter history.
func (s *JobService) Describe(ctx context.Context, id string) (*JobDetail, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	detail := JobDetail{Job: FromJob(job)}

	rows, err := s.store.StageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	detail.Stages = FromStageResults(rows)

	letters, err := s.store.DeadLetters(ctx, id)
	if err != nil {
		return nil, err
	}
	detail.DeadLetters = FromDeadLetters(letters)
	return &detail, nil
}
