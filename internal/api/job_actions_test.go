package api

import (
	"context"
	"errors"
	"testing"
)

type jobControlStub struct {
	details map[string]*JobDetail
}

func (s *jobControlStub) Describe(_ context.Context, id string) (*JobDetail, error) {
	if detail, ok := s.details[id]; ok {
		return detail, nil
	}
	return nil, nil
}

func (s *jobControlStub) Cancel(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("empty id")
	}
	return true, nil
}

func TestCancelJobsByIDSkipsTerminalJobs(t *testing.T) {
	stub := &jobControlStub{
		details: map[string]*JobDetail{
			"a": {Job: Job{ID: "a", Status: "running"}},
			"b": {Job: Job{ID: "b", Status: "completed"}},
			"c": {Job: Job{ID: "c", Status: "failed"}},
		},
	}

	result, err := CancelJobsByID(context.Background(), stub, []string{"a", "b", "c", "missing"})
	if err != nil {
		t.Fatalf("CancelJobsByID: %v", err)
	}
	if len(result.Jobs) != 4 {
		t.Fatalf("len(Jobs) = %d, want 4", len(result.Jobs))
	}
	if result.UpdatedCount != 1 {
		t.Fatalf("UpdatedCount = %d, want 1", result.UpdatedCount)
	}

	if result.Jobs[0].Outcome != CancelJobDone || result.Jobs[0].PriorStatus != "running" {
		t.Fatalf("job a outcome = %+v, want cancelled from running", result.Jobs[0])
	}
	if result.Jobs[1].Outcome != CancelJobAlreadyCompleted {
		t.Fatalf("job b outcome = %s, want %s", result.Jobs[1].Outcome, CancelJobAlreadyCompleted)
	}
	if result.Jobs[2].Outcome != CancelJobAlreadyFailed {
		t.Fatalf("job c outcome = %s, want %s", result.Jobs[2].Outcome, CancelJobAlreadyFailed)
	}
	if result.Jobs[3].Outcome != CancelJobNotFound {
		t.Fatalf("missing job outcome = %s, want %s", result.Jobs[3].Outcome, CancelJobNotFound)
	}
}
