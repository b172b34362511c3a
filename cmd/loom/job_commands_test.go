package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"loom/internal/jobs"
)

func TestJobListAndShow(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"}); err != nil {
		t.Fatalf("alpha job: %v", err)
	}
	beta, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "beta teardown"})
	if err != nil {
		t.Fatalf("beta job: %v", err)
	}
	if _, err := env.store.ApplyPhase(ctx, beta.ID, jobs.StatusFailed, "script", "render farm offline"); err != nil {
		t.Fatalf("fail beta job: %v", err)
	}

	out, _, err := runCLI(t, []string{"list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "Alpha Launch Recap")
	requireContains(t, out, "Beta Teardown")
	requireContains(t, out, "Pending")
	requireContains(t, out, "Failed")

	out, _, err = runCLI(t, []string{"list", "--status", "failed"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("list --status failed: %v", err)
	}
	requireContains(t, out, "Beta Teardown")
	if strings.Contains(out, "Alpha Launch Recap") {
		t.Fatalf("expected filtered list to omit pending job, got:\n%s", out)
	}

	out, _, err = runCLI(t, []string{"show", beta.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "Job "+shortJobID(beta.ID))
	requireContains(t, out, "Beta Teardown")
	requireContains(t, out, "Failed")
	requireContains(t, out, "script")
	requireContains(t, out, "render farm offline")
}

func TestJobShowNotFound(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"show", "no-such-job"}, env.socketPath, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestJobListJSON(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"}); err != nil {
		t.Fatalf("alpha job: %v", err)
	}
	if _, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "beta teardown"}); err != nil {
		t.Fatalf("beta job: %v", err)
	}

	out, _, err := runCLI(t, []string{"--json", "list"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\noutput: %s", err, out)
	}
	if len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(resp.Jobs))
	}
	for _, job := range resp.Jobs {
		if _, ok := job["id"]; !ok {
			t.Fatal("missing 'id' key in job JSON")
		}
		if _, ok := job["status"]; !ok {
			t.Fatal("missing 'status' key in job JSON")
		}
	}
}

func TestSubmitCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"submit", "gamma product walkthrough", "--priority", "high"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "submitted")

	out, _, err = runCLI(t, []string{"--json", "submit", "delta retrospective", "--payload", `{"brief":"quarterly recap"}`}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("submit --json: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\noutput: %s", err, out)
	}
	if resp["id"] == "" {
		t.Fatalf("expected job id in submit response, got %v", resp)
	}
	if _, ok := resp["status"]; !ok {
		t.Fatalf("expected status in submit response, got %v", resp)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"submit", "gamma", "--payload", "{not json"}, env.socketPath, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "valid JSON") {
		t.Fatalf("expected payload validation error, got %v", err)
	}
}

func TestSubmitWithStageScope(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(
		t,
		[]string{"--json", "submit", "epsilon short", "--stage", "script", "--stage", "metadata"},
		env.socketPath,
		env.configPath,
	)
	if err != nil {
		t.Fatalf("submit --stage: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\noutput: %s", err, out)
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatalf("expected job id, got %v", resp)
	}

	out, _, err = runCLI(t, []string{"show", id}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "script, metadata")
}

func TestJobPauseResumeCancel(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	out, _, err := runCLI(t, []string{"pause", job.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	requireContains(t, out, "paused")

	updated, err := env.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("lookup paused job: %v", err)
	}
	if !updated.Paused {
		t.Fatalf("expected job to be paused")
	}

	out, _, err = runCLI(t, []string{"resume", job.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	requireContains(t, out, "resumed")

	out, _, err = runCLI(t, []string{"cancel", job.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "cancel requested")

	updated, err = env.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("lookup cancelled job: %v", err)
	}
	if updated.Status != jobs.StatusFailed || updated.ErrorMessage != jobs.CancelledReason {
		t.Fatalf("expected cancelled job, got status=%s error=%q", updated.Status, updated.ErrorMessage)
	}

	out, _, err = runCLI(t, []string{"cancel", job.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	requireContains(t, out, "is not cancellable")

	out, _, err = runCLI(t, []string{"pause", job.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("pause terminal: %v", err)
	}
	requireContains(t, out, "is not pausable")
}

func TestJobPriorityCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	out, _, err := runCLI(t, []string{"priority", job.ID, "high"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("priority: %v", err)
	}
	requireContains(t, out, "priority set to high")

	updated, err := env.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("lookup job: %v", err)
	}
	if updated.Priority.String() != "high" {
		t.Fatalf("expected high priority, got %q", updated.Priority)
	}

	_, _, err = runCLI(t, []string{"priority", job.ID, "urgent"}, env.socketPath, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "priority") {
		t.Fatalf("expected unknown priority error, got %v", err)
	}
}

func TestRestartStageCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	out, _, err := runCLI(t, []string{"restart-stage", job.ID, "script"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("restart-stage: %v", err)
	}
	requireContains(t, out, "Restarted stages for job "+job.ID)
	requireContains(t, out, "script")

	_, _, err = runCLI(t, []string{"restart-stage", job.ID, "mixdown"}, env.socketPath, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("expected unknown stage error, got %v", err)
	}
}

func TestJobPurgeCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if _, err := env.store.ApplyPhase(ctx, job.ID, jobs.StatusFailed, "script", "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	out, _, err := runCLI(t, []string{"purge", "--older-than", "24h"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("purge --older-than: %v", err)
	}
	requireContains(t, out, "Purged 0 jobs")

	out, _, err = runCLI(t, []string{"purge"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	requireContains(t, out, "Purged 1 jobs")

	remaining, err := env.store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty store after purge, got %d jobs", len(remaining))
	}
}
