package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/jobs"
)

type mockJobReader struct {
	jobs     []*jobs.Job
	stages   []*jobs.StageResult
	letters  []*jobs.DeadLetter
	stats    map[jobs.Status]int
	jobErr   error
	statsErr error
}

func (m *mockJobReader) ListJobs(context.Context, ...jobs.Status) ([]*jobs.Job, error) {
	return m.jobs, m.jobErr
}

func (m *mockJobReader) GetJob(context.Context, string) (*jobs.Job, error) {
	if len(m.jobs) == 0 {
		return nil, m.jobErr
	}
	return m.jobs[0], m.jobErr
}

func (m *mockJobReader) StageResults(context.Context, string) ([]*jobs.StageResult, error) {
	return m.stages, nil
}

func (m *mockJobReader) DeadLetters(context.Context, string) ([]*jobs.DeadLetter, error) {
	return m.letters, nil
}

func (m *mockJobReader) Stats(context.Context) (map[jobs.Status]int, error) {
	return m.stats, m.statsErr
}

func TestJobService_List(t *testing.T) {
	now := time.Now().UTC()
	reader := &mockJobReader{
		jobs: []*jobs.Job{{
			ID:           "job-1",
			DisplayTitle: "Example",
			Status:       jobs.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}},
	}
	svc := NewJobService(reader)
	got, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unexpected job count: %d", len(got))
	}
	if got[0].Title != "Example" {
		t.Fatalf("unexpected title: %q", got[0].Title)
	}
	if got[0].Status != string(jobs.StatusPending) {
		t.Fatalf("unexpected status: %q", got[0].Status)
	}
	if got[0].CreatedAt == "" || got[0].UpdatedAt == "" {
		t.Fatalf("expected timestamps to be formatted")
	}
}

func TestJobService_ListError(t *testing.T) {
	errSentinel := errors.New("boom")
	svc := NewJobService(&mockJobReader{jobErr: errSentinel})
	_, err := svc.List(context.Background())
	if !errors.Is(err, errSentinel) {
		t.Fatalf("expected error %v, got %v", errSentinel, err)
	}
}

func TestJobService_Stats(t *testing.T) {
	svc := NewJobService(&mockJobReader{stats: map[jobs.Status]int{
		jobs.StatusPending: 2,
		jobs.StatusFailed:  1,
	}})
	got, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if got[string(jobs.StatusPending)] != 2 {
		t.Fatalf("expected pending count 2, got %d", got[string(jobs.StatusPending)])
	}
	if got[string(jobs.StatusFailed)] != 1 {
		t.Fatalf("expected failed count 1, got %d", got[string(jobs.StatusFailed)])
	}
}

func TestJobService_DescribeAttachesStagesAndLetters(t *testing.T) {
	reader := &mockJobReader{
		jobs: []*jobs.Job{{ID: "job-7", DisplayTitle: "Demo"}},
		stages: []*jobs.StageResult{
			{Stage: "script", Status: jobs.StageSucceeded, Attempt: 1, MaxAttempts: 3},
			{Stage: "video", Status: jobs.StageDeadLettered, Attempt: 3, MaxAttempts: 3},
		},
		letters: []*jobs.DeadLetter{{Stage: "video", Attempts: 3, Critical: true}},
	}
	svc := NewJobService(reader)
	detail, err := svc.Describe(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	if detail == nil {
		t.Fatal("Describe returned nil detail")
	}
	if detail.ID != "job-7" {
		t.Fatalf("unexpected id: %q", detail.ID)
	}
	if len(detail.Stages) != 2 {
		t.Fatalf("expected 2 stage results, got %d", len(detail.Stages))
	}
	if len(detail.DeadLetters) != 1 || !detail.DeadLetters[0].Critical {
		t.Fatalf("unexpected dead letters: %+v", detail.DeadLetters)
	}
}

func TestJobService_DescribeMissingJob(t *testing.T) {
	svc := NewJobService(&mockJobReader{})
	detail, err := svc.Describe(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	if detail != nil {
		t.Fatalf("expected nil detail for missing job, got %+v", detail)
	}
}
