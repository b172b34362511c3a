package jobs_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"loom/internal/jobs"
	"loom/internal/task"
	"loom/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, jobs.CreateParams{
		Topic:   "deep_sea-volcanoes",
		Payload: json.RawMessage(`{"length":"short"}`),
	})
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}
	if job.DisplayTitle != "Deep Sea Volcanoes" {
		t.Fatalf("unexpected display title %q", job.DisplayTitle)
	}
	if job.CorrelationID == "" {
		t.Fatal("expected correlation id to be assigned")
	}

	fetched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched == nil || fetched.Topic != "deep_sea-volcanoes" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}
	if fetched.PayloadJSON != `{"length":"short"}` {
		t.Fatalf("unexpected payload %q", fetched.PayloadJSON)
	}

	missing, err := store.GetJob(ctx, "no-such-job")
	if err != nil {
		t.Fatalf("GetJob for missing id failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing job, got %#v", missing)
	}
}

func TestNewJobStoresRequiredStagesAndPriority(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, jobs.CreateParams{
		Topic:          "city timelapse",
		RequiredStages: []string{"voiceover", "images"},
		Priority:       task.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if len(job.RequiredStages) != 2 || job.RequiredStages[0] != "voiceover" {
		t.Fatalf("unexpected required stages: %v", job.RequiredStages)
	}
	if job.Priority != task.PriorityHigh {
		t.Fatalf("unexpected priority %q", job.Priority)
	}

	if _, err := store.NewJob(ctx, jobs.CreateParams{Topic: "x", Priority: task.Priority("urgent")}); err == nil {
		t.Fatal("expected error for unknown priority class")
	}
}

func TestListJobsSupportsStatusFilter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	a := testsupport.NewJob(t, store, "first")
	b := testsupport.NewJob(t, store, "second")
	if _, err := store.ApplyPhase(ctx, b.ID, jobs.StatusRunning, "", ""); err != nil {
		t.Fatalf("ApplyPhase failed: %v", err)
	}
	c := testsupport.NewJob(t, store, "third")
	if _, err := store.ApplyPhase(ctx, c.ID, jobs.StatusFailed, "script", "boom"); err != nil {
		t.Fatalf("ApplyPhase failed: %v", err)
	}

	all, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != a.ID || all[1].ID != b.ID || all[2].ID != c.ID {
		t.Fatal("expected creation-time ordering")
	}

	filtered, err := store.ListJobs(ctx, jobs.StatusRunning, jobs.StatusFailed)
	if err != nil {
		t.Fatalf("filtered ListJobs failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(filtered))
	}

	active, err := store.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ActiveJobs failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active jobs, got %d", len(active))
	}
}

func TestApplyPhaseGuardsTerminalJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "guarded")

	applied, err := store.ApplyPhase(ctx, job.ID, jobs.StatusRunning, "", "")
	if err != nil {
		t.Fatalf("ApplyPhase failed: %v", err)
	}
	if !applied {
		t.Fatal("expected running transition to apply")
	}

	updated, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if updated.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}

	applied, err = store.ApplyPhase(ctx, job.ID, jobs.StatusCompleted, "", "")
	if err != nil {
		t.Fatalf("ApplyPhase failed: %v", err)
	}
	if !applied {
		t.Fatal("expected completion to apply")
	}

	applied, err = store.ApplyPhase(ctx, job.ID, jobs.StatusRunning, "", "")
	if err != nil {
		t.Fatalf("ApplyPhase after terminal failed: %v", err)
	}
	if applied {
		t.Fatal("terminal job must reject further transitions")
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
}

func TestCancelJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "cancel me")

	cancelled, err := store.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to apply")
	}

	updated, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if updated.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}
	if updated.ErrorMessage != jobs.CancelledReason {
		t.Fatalf("expected cancelled reason, got %q", updated.ErrorMessage)
	}

	again, err := store.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("second CancelJob failed: %v", err)
	}
	if again {
		t.Fatal("cancelling a terminal job must be a no-op")
	}
}

func TestReopenJobClearsTerminalOutcome(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "restart me")
	if _, err := store.ApplyPhase(ctx, job.ID, jobs.StatusFailed, "chunks", "retry budget exhausted"); err != nil {
		t.Fatalf("ApplyPhase failed: %v", err)
	}

	reopened, err := store.ReopenJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ReopenJob failed: %v", err)
	}
	if !reopened {
		t.Fatal("expected reopen to apply")
	}

	updated, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if updated.Status != jobs.StatusRunning {
		t.Fatalf("expected running, got %s", updated.Status)
	}
	if updated.FailingStage != "" || updated.ErrorMessage != "" {
		t.Fatalf("expected failure detail cleared, got stage=%q err=%q", updated.FailingStage, updated.ErrorMessage)
	}
	if updated.FinishedAt != nil {
		t.Fatal("expected finished timestamp cleared")
	}
}

func TestSetJobPriorityAndPaused(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "knobs")

	applied, err := store.SetJobPriority(ctx, job.ID, task.PriorityHigh)
	if err != nil {
		t.Fatalf("SetJobPriority failed: %v", err)
	}
	if !applied {
		t.Fatal("expected priority update to apply")
	}

	applied, err = store.SetJobPaused(ctx, job.ID, true)
	if err != nil {
		t.Fatalf("SetJobPaused failed: %v", err)
	}
	if !applied {
		t.Fatal("expected pause to apply")
	}

	updated, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if updated.Priority != task.PriorityHigh || !updated.Paused {
		t.Fatalf("unexpected job state: priority=%q paused=%v", updated.Priority, updated.Paused)
	}

	if _, err := store.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	applied, err = store.SetJobPriority(ctx, job.ID, task.PriorityLow)
	if err != nil {
		t.Fatalf("SetJobPriority after terminal failed: %v", err)
	}
	if applied {
		t.Fatal("terminal job must reject priority changes")
	}
}

func TestStatsHealthAndRetention(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	done := testsupport.NewJob(t, store, "done")
	if _, err := store.ApplyPhase(ctx, done.ID, jobs.StatusCompleted, "", ""); err != nil {
		t.Fatalf("ApplyPhase failed: %v", err)
	}
	testsupport.NewJob(t, store, "waiting")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[jobs.StatusCompleted] != 1 || stats[jobs.StatusPending] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 2 || health.Completed != 1 || health.Pending != 1 {
		t.Fatalf("unexpected health summary: %+v", health)
	}

	removed, err := store.DeleteTerminalBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 job swept, got %d", removed)
	}

	remaining, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Status != jobs.StatusPending {
		t.Fatalf("unexpected remaining jobs: %#v", remaining)
	}
}

func TestCheckHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable {
		t.Fatalf("expected readable database: %+v", health)
	}
	if !health.IntegrityCheck {
		t.Fatal("expected integrity check to pass")
	}
	if len(health.TablesPresent) != 3 {
		t.Fatalf("expected 3 tables, got %v", health.TablesPresent)
	}
}
