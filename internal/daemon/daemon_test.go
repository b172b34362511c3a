package daemon_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"loom/internal/broker"
	"loom/internal/daemon"
	"loom/internal/handlers"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/stage"
	"loom/internal/testsupport"
	"loom/internal/workflow"
)

type noopHandler struct{}

func (noopHandler) Execute(_ context.Context, req stage.Request) (stage.Result, error) {
	return stage.Result{Ref: "ref://" + req.Stage}, nil
}

func (noopHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("noop")
}

func newTestDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	cfg.GPU.BaseURL = ""
	cfg.CDN.BaseURL = ""

	store := testsupport.MustOpenStore(t, cfg)
	bus, err := broker.Open(cfg)
	if err != nil {
		t.Fatalf("broker.Open: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	pipe, err := pipeline.FromConfig(cfg)
	if err != nil {
		t.Fatalf("pipeline.FromConfig: %v", err)
	}

	ops := make(map[string]stage.Handler)
	for _, def := range cfg.Stages {
		ops[def.Operation] = noopHandler{}
	}

	logger := logging.NewNop()
	mgr := workflow.NewManager(cfg, store, bus, pipe, handlers.FromMap(ops), logger)
	d, err := daemon.New(cfg, store, logger, mgr, "", nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.PID <= 0 {
		t.Fatalf("expected positive PID, got %d", status.PID)
	}
	if status.LockFilePath == "" {
		t.Fatal("expected lock file path")
	}
	if len(status.Checks) == 0 {
		t.Fatal("expected preflight checks after start")
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	time.Sleep(50 * time.Millisecond)
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonJobControl(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	// The workflow is intentionally not started: submitted stages sit in the
	// broker, so jobs stay active and control actions are deterministic.
	job, err := d.SubmitJob(ctx, jobs.CreateParams{
		Topic:   "volcano documentary",
		Payload: json.RawMessage(`{"style":"calm"}`),
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job id")
	}

	list, err := d.ListJobs(ctx, nil)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list))
	}

	paused, err := d.PauseJob(ctx, job.ID)
	if err != nil || !paused {
		t.Fatalf("PauseJob = (%v, %v), want (true, nil)", paused, err)
	}
	resumed, err := d.ResumeJob(ctx, job.ID)
	if err != nil || !resumed {
		t.Fatalf("ResumeJob = (%v, %v), want (true, nil)", resumed, err)
	}

	cancelled, err := d.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to apply")
	}

	got, err := d.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobs.StatusFailed || got.ErrorMessage != jobs.CancelledReason {
		t.Fatalf("expected cancelled job, got status=%s error=%q", got.Status, got.ErrorMessage)
	}

	// Cancel is not repeatable once the job is terminal.
	again, err := d.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("second CancelJob: %v", err)
	}
	if again {
		t.Fatal("expected second cancel to be a no-op")
	}
}

func TestDaemonHealthSurfaces(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	if _, err := d.SubmitJob(ctx, jobs.CreateParams{Topic: "health probe"}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	health, err := d.JobHealth(ctx)
	if err != nil {
		t.Fatalf("JobHealth: %v", err)
	}
	if health.Total != 1 {
		t.Fatalf("expected 1 job in health summary, got %d", health.Total)
	}

	db, err := d.DatabaseHealth(ctx)
	if err != nil {
		t.Fatalf("DatabaseHealth: %v", err)
	}
	if !db.DatabaseExists || !db.DatabaseReadable {
		t.Fatalf("expected readable database, got %+v", db)
	}

	depths, err := d.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if len(depths) == 0 {
		t.Fatal("expected queue depths for configured queues")
	}
}

func TestDaemonTestNotificationUnconfigured(t *testing.T) {
	d := newTestDaemon(t)

	sent, detail, err := d.TestNotification(context.Background())
	if err != nil {
		t.Fatalf("TestNotification: %v", err)
	}
	if sent {
		t.Fatal("expected notification to be skipped without a topic")
	}
	if detail == "" {
		t.Fatal("expected explanatory detail")
	}
}
