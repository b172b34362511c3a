package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/internal/broker"
	"loom/internal/config"
	"loom/internal/handlers"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/task"
	"loom/internal/testsupport"
	"loom/internal/workflow"
)

// stubHandler counts executions and can be told to fail a number of times
// or block until released.
type stubHandler struct {
	mu       sync.Mutex
	calls    int
	failures int
	execErr  error
	block    chan struct{}
	requests []stage.Request
}

func (h *stubHandler) Execute(ctx context.Context, req stage.Request) (stage.Result, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.requests = append(h.requests, req)
	failures := h.failures
	execErr := h.execErr
	block := h.block
	h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stage.Result{}, ctx.Err()
		}
	}
	if call <= failures {
		if execErr == nil {
			execErr = services.Wrap(services.ErrTransient, req.Stage, req.Operation, "induced failure", nil)
		}
		return stage.Result{}, execErr
	}
	return stage.Result{Ref: "ref://" + req.Stage + "/" + req.JobID}, nil
}

func (h *stubHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("stub")
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *stubHandler) setFailures(n int) {
	h.mu.Lock()
	h.failures = n
	h.mu.Unlock()
}

func (h *stubHandler) request(i int) (stage.Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.requests) {
		return stage.Request{}, false
	}
	return h.requests[i], true
}

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event   notifications.Event
	payload notifications.Payload
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(notifications.Payload, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	r.events = append(r.events, recordedEvent{event: event, payload: copied})
	return nil
}

func (r *recordingNotifier) byEvent(event notifications.Event) []notifications.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifications.Payload
	for _, rec := range r.events {
		if rec.event == event {
			out = append(out, rec.payload)
		}
	}
	return out
}

func testQueues() []config.Queue {
	return []config.Queue{
		{Name: "q-script", Priority: "medium", Concurrency: 2},
		{Name: "q-fanout", Priority: "medium", Concurrency: 3},
		{Name: "q-final", Priority: "medium", Concurrency: 2},
		{Name: "rush", Priority: "high", Concurrency: 2},
	}
}

func testStages() []config.Stage {
	return []config.Stage{
		{Name: "script", Queue: "q-script", Operation: "script", MaxAttempts: 3, BackoffBase: 1, BackoffCap: 4, Timeout: 30},
		{Name: "metadata", Queue: "q-fanout", DependsOn: []string{"script"}, Operation: "metadata", MaxAttempts: 3, BackoffBase: 1, BackoffCap: 4, Timeout: 30},
		{Name: "chunks", Queue: "q-fanout", DependsOn: []string{"script"}, Operation: "chunks", MaxAttempts: 2, BackoffBase: 1, BackoffCap: 4, Timeout: 30},
		{Name: "thumbnail", Queue: "q-fanout", DependsOn: []string{"script"}, Operation: "thumbnail", MaxAttempts: 2, BackoffBase: 1, BackoffCap: 4, Timeout: 30, Optional: true},
		{Name: "video", Queue: "q-final", DependsOn: []string{"metadata", "chunks"}, Operation: "video", MaxAttempts: 2, BackoffBase: 1, BackoffCap: 4, Timeout: 30},
	}
}

type fixture struct {
	cfg      *config.Config
	store    *jobs.Store
	bus      broker.Broker
	mgr      *workflow.Manager
	notifier *recordingNotifier
	stubs    map[string]*stubHandler
}

func startManager(t *testing.T, opts ...workflow.ManagerOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t,
		testsupport.WithTopology(testQueues(), testStages()),
		testsupport.WithGlobalSlots(4))
	cfg.Broker.PopTimeout = 1

	store := testsupport.MustOpenStore(t, cfg)
	bus, err := broker.Open(cfg)
	if err != nil {
		t.Fatalf("broker.Open failed: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	pipe, err := pipeline.FromConfig(cfg)
	if err != nil {
		t.Fatalf("pipeline.FromConfig failed: %v", err)
	}

	stubs := map[string]*stubHandler{
		"script":    {},
		"metadata":  {},
		"chunks":    {},
		"thumbnail": {},
		"video":     {},
	}
	handlerMap := make(map[string]stage.Handler, len(stubs))
	for op, h := range stubs {
		handlerMap[op] = h
	}

	notifier := &recordingNotifier{}
	base := []workflow.ManagerOption{
		workflow.WithRetryBackoff(5*time.Millisecond, 20*time.Millisecond),
		workflow.WithTimings(25*time.Millisecond, 2*time.Second, 25*time.Millisecond, 150*time.Millisecond),
	}
	mgr := workflow.NewManagerWithOptions(cfg, store, bus, pipe, handlers.FromMap(handlerMap), logging.NewNop(), notifier, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &fixture{cfg: cfg, store: store, bus: bus, mgr: mgr, notifier: notifier, stubs: stubs}
}

func (f *fixture) waitForJob(t *testing.T, jobID string, want jobs.Status) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var last *jobs.Job
	for time.Now().Before(deadline) {
		job, err := f.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		last = job
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s, last: %+v", jobID, want, last)
	return nil
}

func (f *fixture) waitForStage(t *testing.T, jobID, stageName string, want jobs.StageStatus) *jobs.StageResult {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		row, err := f.store.StageResult(context.Background(), jobID, stageName)
		if err != nil {
			t.Fatalf("StageResult failed: %v", err)
		}
		if row != nil && row.Status == want {
			return row
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("stage %s/%s never reached %s", jobID, stageName, want)
	return nil
}

func (f *fixture) waitForCalls(t *testing.T, op string, want int) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if f.stubs[op].callCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("handler %s never reached %d calls, got %d", op, want, f.stubs[op].callCount())
}

func TestManagerRunsPipelineToCompletion(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{
		Topic:   "how jellyfish sleep",
		Payload: json.RawMessage(`{"style":"documentary"}`),
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	done := f.waitForJob(t, job.ID, jobs.StatusCompleted)

	if done.ErrorMessage != "" {
		t.Fatalf("clean run must not record an error, got %q", done.ErrorMessage)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatalf("expected start and finish timestamps, got %+v", done)
	}
	for _, name := range []string{"script", "metadata", "chunks", "thumbnail", "video"} {
		row, err := f.store.StageResult(ctx, job.ID, name)
		if err != nil {
			t.Fatalf("StageResult failed: %v", err)
		}
		if row == nil || row.Status != jobs.StageSucceeded {
			t.Fatalf("stage %s not succeeded: %+v", name, row)
		}
		if row.ResultRef != "ref://"+name+"/"+job.ID {
			t.Fatalf("stage %s has unexpected ref %q", name, row.ResultRef)
		}
		if f.stubs[name].callCount() != 1 {
			t.Fatalf("stage %s executed %d times", name, f.stubs[name].callCount())
		}
	}

	req, ok := f.stubs["script"].request(0)
	if !ok {
		t.Fatal("script handler saw no request")
	}
	if req.Topic != "how jellyfish sleep" || req.Attempt != 1 || req.Operation != "script" {
		t.Fatalf("unexpected script request: %+v", req)
	}
	if string(req.Payload) != `{"style":"documentary"}` {
		t.Fatalf("payload not forwarded: %s", req.Payload)
	}

	videoReq, ok := f.stubs["video"].request(0)
	if !ok {
		t.Fatal("video handler saw no request")
	}
	wantRefs := map[string]string{
		"metadata": "ref://metadata/" + job.ID,
		"chunks":   "ref://chunks/" + job.ID,
	}
	if len(videoReq.DependencyRefs) != len(wantRefs) {
		t.Fatalf("unexpected dependency refs: %+v", videoReq.DependencyRefs)
	}
	for dep, ref := range wantRefs {
		if videoReq.DependencyRefs[dep] != ref {
			t.Fatalf("dependency %s ref = %q, want %q", dep, videoReq.DependencyRefs[dep], ref)
		}
	}

	completed := f.notifier.byEvent(notifications.EventJobCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one completion notification, got %d", len(completed))
	}
	if completed[0]["job_id"] != job.ID || completed[0]["error"] != "" {
		t.Fatalf("unexpected completion payload: %+v", completed[0])
	}
}

func TestManagerRetriesTransientFailures(t *testing.T) {
	f := startManager(t)
	f.stubs["metadata"].setFailures(2)

	job, err := f.mgr.SubmitJob(context.Background(), jobs.CreateParams{Topic: "retry me"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	if got := f.stubs["metadata"].callCount(); got != 3 {
		t.Fatalf("metadata executed %d times, want 3", got)
	}
	row, err := f.store.StageResult(context.Background(), job.ID, "metadata")
	if err != nil {
		t.Fatalf("StageResult failed: %v", err)
	}
	if row.Status != jobs.StageSucceeded || row.Attempt != 3 {
		t.Fatalf("unexpected metadata row: status=%s attempt=%d", row.Status, row.Attempt)
	}
	req, ok := f.stubs["metadata"].request(2)
	if !ok {
		t.Fatal("third metadata attempt not recorded")
	}
	if req.Attempt != 3 {
		t.Fatalf("third delivery carried attempt %d", req.Attempt)
	}
	letters, err := f.store.DeadLetters(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 0 {
		t.Fatalf("recovered stage must not dead-letter: %+v", letters)
	}
}

func TestManagerFailsJobWhenCriticalStageExhausts(t *testing.T) {
	f := startManager(t)
	f.stubs["chunks"].setFailures(99)

	job, err := f.mgr.SubmitJob(context.Background(), jobs.CreateParams{Topic: "doomed"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	failed := f.waitForJob(t, job.ID, jobs.StatusFailed)

	if failed.FailingStage != "chunks" {
		t.Fatalf("failing stage = %q, want chunks", failed.FailingStage)
	}
	if failed.ErrorMessage == "" {
		t.Fatal("failed job must record the stage error")
	}
	if got := f.stubs["chunks"].callCount(); got != 2 {
		t.Fatalf("chunks executed %d times, want its full budget of 2", got)
	}

	video := f.waitForStage(t, job.ID, "video", jobs.StageSkipped)
	if video.LastError == "" {
		t.Fatal("skipped stage must record why")
	}
	if got := f.stubs["video"].callCount(); got != 0 {
		t.Fatalf("video executed %d times despite skip", got)
	}

	letters, err := f.store.DeadLetters(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 || !letters[0].Critical || letters[0].Attempts != 2 {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}

	if got := f.notifier.byEvent(notifications.EventDeadLetter); len(got) != 1 {
		t.Fatalf("expected one dead-letter notification, got %d", len(got))
	}
	failures := f.notifier.byEvent(notifications.EventJobFailed)
	if len(failures) != 1 || failures[0]["stage"] != "chunks" {
		t.Fatalf("unexpected failure notifications: %+v", failures)
	}
}

func TestManagerCompletesDegradedWhenOptionalStageExhausts(t *testing.T) {
	f := startManager(t)
	f.stubs["thumbnail"].setFailures(99)

	job, err := f.mgr.SubmitJob(context.Background(), jobs.CreateParams{Topic: "mostly fine"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	done := f.waitForJob(t, job.ID, jobs.StatusCompleted)

	if done.ErrorMessage != "degraded: thumbnail dead-lettered" {
		t.Fatalf("unexpected degradation annotation: %q", done.ErrorMessage)
	}
	if got := f.stubs["video"].callCount(); got != 1 {
		t.Fatalf("video executed %d times, want 1", got)
	}
	row, err := f.store.StageResult(context.Background(), job.ID, "thumbnail")
	if err != nil {
		t.Fatalf("StageResult failed: %v", err)
	}
	if row.Status != jobs.StageDeadLettered {
		t.Fatalf("thumbnail row status = %s", row.Status)
	}
	letters, err := f.store.DeadLetters(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 || letters[0].Critical {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
	completed := f.notifier.byEvent(notifications.EventJobCompleted)
	if len(completed) != 1 || completed[0]["error"] != "degraded: thumbnail dead-lettered" {
		t.Fatalf("unexpected completion payloads: %+v", completed)
	}
	if got := f.notifier.byEvent(notifications.EventJobFailed); len(got) != 0 {
		t.Fatalf("degraded completion must not notify failure: %+v", got)
	}
}

func TestManagerAbsorbsDuplicateDeliveries(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.stubs["video"].block = release

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "dup"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	chunks := f.waitForStage(t, job.ID, "chunks", jobs.StageSucceeded)

	// Replay the stored first-attempt envelope while the job is still
	// running. The lease guard sees the succeeded row and refuses the claim.
	if err := f.bus.Push(ctx, "q-fanout", []byte(chunks.EnvelopeJSON)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := f.stubs["chunks"].callCount(); got != 1 {
		t.Fatalf("duplicate delivery re-ran chunks: %d calls", got)
	}

	close(release)
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	// Replay after completion. The terminal-job guard discards it.
	script, err := f.store.StageResult(ctx, job.ID, "script")
	if err != nil {
		t.Fatalf("StageResult failed: %v", err)
	}
	if err := f.bus.Push(ctx, "q-script", []byte(script.EnvelopeJSON)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := f.stubs["script"].callCount(); got != 1 {
		t.Fatalf("post-completion duplicate re-ran script: %d calls", got)
	}
	row, err := f.store.StageResult(ctx, job.ID, "script")
	if err != nil {
		t.Fatalf("StageResult failed: %v", err)
	}
	if row.Status != jobs.StageSucceeded {
		t.Fatalf("script row changed after duplicate: %s", row.Status)
	}
}

func TestManagerCancelStopsDispatch(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.stubs["script"].block = release

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "cancel me"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForCalls(t, "script", 1)

	cancelled, err := f.mgr.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel to apply")
	}
	close(release)

	got := f.waitForJob(t, job.ID, jobs.StatusFailed)
	if got.ErrorMessage != jobs.CancelledReason {
		t.Fatalf("cancelled job error = %q", got.ErrorMessage)
	}

	time.Sleep(300 * time.Millisecond)
	for _, name := range []string{"metadata", "chunks", "thumbnail", "video"} {
		if calls := f.stubs[name].callCount(); calls != 0 {
			t.Fatalf("stage %s ran %d times after cancel", name, calls)
		}
		row, err := f.store.StageResult(ctx, job.ID, name)
		if err != nil {
			t.Fatalf("StageResult failed: %v", err)
		}
		if row != nil {
			t.Fatalf("stage %s was emitted after cancel: %+v", name, row)
		}
	}
	if got := f.notifier.byEvent(notifications.EventJobFailed); len(got) != 0 {
		t.Fatalf("cancellation must not notify: %+v", got)
	}
}

func TestManagerPauseHoldsEmissionsUntilResume(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.stubs["script"].block = release

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "pause me"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForCalls(t, "script", 1)

	paused, err := f.mgr.PauseJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("PauseJob failed: %v", err)
	}
	if !paused {
		t.Fatal("expected pause to apply")
	}
	close(release)

	f.waitForStage(t, job.ID, "script", jobs.StageSucceeded)
	time.Sleep(300 * time.Millisecond)
	for _, name := range []string{"metadata", "chunks", "thumbnail"} {
		if calls := f.stubs[name].callCount(); calls != 0 {
			t.Fatalf("stage %s dispatched while paused", name)
		}
		row, err := f.store.StageResult(ctx, job.ID, name)
		if err != nil {
			t.Fatalf("StageResult failed: %v", err)
		}
		if row != nil {
			t.Fatalf("stage %s emitted while paused: %+v", name, row)
		}
	}

	resumed, err := f.mgr.ResumeJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResumeJob failed: %v", err)
	}
	if !resumed {
		t.Fatal("expected resume to apply")
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)
}

func TestManagerPauseMaintainsBrokerFlag(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.stubs["script"].block = release

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "flagged pause"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForCalls(t, "script", 1)

	if _, err := f.mgr.PauseJob(ctx, job.ID); err != nil {
		t.Fatalf("PauseJob failed: %v", err)
	}
	held, err := f.bus.HasFlag(ctx, "paused:"+job.ID)
	if err != nil {
		t.Fatalf("HasFlag failed: %v", err)
	}
	if !held {
		t.Fatal("pause should hold the broker pause flag")
	}

	close(release)
	if _, err := f.mgr.ResumeJob(ctx, job.ID); err != nil {
		t.Fatalf("ResumeJob failed: %v", err)
	}
	held, err = f.bus.HasFlag(ctx, "paused:"+job.ID)
	if err != nil {
		t.Fatalf("HasFlag failed: %v", err)
	}
	if held {
		t.Fatal("resume should clear the broker pause flag")
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)
}

func TestManagerFanInGuardAllowsRestart(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "fan in once"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	held, err := f.bus.HasFlag(ctx, "enqueued:"+job.ID+":video")
	if err != nil {
		t.Fatalf("HasFlag failed: %v", err)
	}
	if !held {
		t.Fatal("fan-in emission should leave its enqueue-once flag held")
	}
	if calls := f.stubs["video"].callCount(); calls != 1 {
		t.Fatalf("video ran %d times, want 1", calls)
	}

	// Restarting must clear the guard; otherwise the fresh emission would
	// lose the race against the finished run's flag.
	restarted, err := f.mgr.RestartStages(ctx, job.ID, []string{"video"})
	if err != nil {
		t.Fatalf("RestartStages failed: %v", err)
	}
	if len(restarted) == 0 {
		t.Fatal("expected video in the restart set")
	}
	f.waitForCalls(t, "video", 2)
	f.waitForJob(t, job.ID, jobs.StatusCompleted)
}

func TestManagerPriorityOverrideRoutesToRushQueue(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{
		Topic:    "urgent launch",
		Priority: task.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	for _, name := range []string{"script", "metadata", "chunks", "thumbnail", "video"} {
		row, err := f.store.StageResult(ctx, job.ID, name)
		if err != nil {
			t.Fatalf("StageResult failed: %v", err)
		}
		env, err := task.Decode([]byte(row.EnvelopeJSON))
		if err != nil {
			t.Fatalf("stored envelope did not decode: %v", err)
		}
		if env.Queue != "rush" {
			t.Fatalf("stage %s routed to %q, want rush", name, env.Queue)
		}
		if env.Priority != task.PriorityHigh {
			t.Fatalf("stage %s carried class %q, want high", name, env.Priority)
		}
	}
}

func TestManagerRestartStagesReRunsDependents(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "redo"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	reset, err := f.mgr.RestartStages(ctx, job.ID, []string{"chunks"})
	if err != nil {
		t.Fatalf("RestartStages failed: %v", err)
	}
	if len(reset) != 2 || reset[0] != "chunks" || reset[1] != "video" {
		t.Fatalf("unexpected restart set: %v", reset)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)
	f.waitForCalls(t, "chunks", 2)
	f.waitForCalls(t, "video", 2)
	if got := f.stubs["script"].callCount(); got != 1 {
		t.Fatalf("script re-ran on unrelated restart: %d calls", got)
	}
	if got := f.stubs["metadata"].callCount(); got != 1 {
		t.Fatalf("metadata re-ran on unrelated restart: %d calls", got)
	}
}

func TestManagerRestartRecoversFailedJob(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	f.stubs["chunks"].setFailures(2)
	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "second chance"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusFailed)

	f.stubs["chunks"].setFailures(0)
	reset, err := f.mgr.RestartStages(ctx, job.ID, []string{"chunks"})
	if err != nil {
		t.Fatalf("RestartStages failed: %v", err)
	}
	if len(reset) != 2 || reset[0] != "chunks" || reset[1] != "video" {
		t.Fatalf("unexpected restart set: %v", reset)
	}

	done := f.waitForJob(t, job.ID, jobs.StatusCompleted)
	if done.FailingStage != "" || done.ErrorMessage != "" {
		t.Fatalf("reopened job kept failure state: %+v", done)
	}

	// Dead-letter rows survive the restart as history.
	letters, err := f.store.DeadLetters(ctx, job.ID)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected the original dead letter to remain, got %d", len(letters))
	}
}

func TestManagerSubmitValidation(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	if _, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("empty topic error = %v", err)
	}
	if _, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "x", Payload: json.RawMessage(`{"broken`)}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("invalid payload error = %v", err)
	}
	if _, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "x", RequiredStages: []string{"nope"}}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unknown stage error = %v", err)
	}
}

func TestManagerSubsetJobRunsOnlyRequiredClosure(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{
		Topic:          "just metadata",
		RequiredStages: []string{"metadata"},
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	rows, err := f.store.StageResults(ctx, job.ID)
	if err != nil {
		t.Fatalf("StageResults failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected script and metadata rows only, got %d", len(rows))
	}
	for _, name := range []string{"chunks", "thumbnail", "video"} {
		if calls := f.stubs[name].callCount(); calls != 0 {
			t.Fatalf("out-of-scope stage %s ran %d times", name, calls)
		}
	}
}

func TestManagerReclaimsStaleLease(t *testing.T) {
	f := startManager(t, workflow.WithTimings(10*time.Second, 60*time.Millisecond, 25*time.Millisecond, 80*time.Millisecond))
	ctx := context.Background()

	// Fabricate a crashed worker: an emitted stage whose lease heartbeat
	// stopped and whose delivery was lost with the process.
	job := testsupport.NewJob(t, f.store, "orphaned")
	env := task.New(job.ID, "script", "q-script", task.PriorityMedium, 3, nil)
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := f.store.EmitStage(ctx, job.ID, "script", env.IdempotencyKey, 3, string(data)); err != nil {
		t.Fatalf("EmitStage failed: %v", err)
	}
	if _, _, err := f.store.AcquireLease(ctx, job.ID, "script", "ghost-w1", 1, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	f.waitForJob(t, job.ID, jobs.StatusCompleted)
	if got := f.stubs["script"].callCount(); got < 1 {
		t.Fatalf("reclaimed stage never executed: %d calls", got)
	}
}

func TestManagerRedispatchesLostEmission(t *testing.T) {
	f := startManager(t, workflow.WithTimings(10*time.Second, 60*time.Millisecond, 25*time.Millisecond, 80*time.Millisecond))
	ctx := context.Background()

	// A stage row whose broker push never happened, as after a crash
	// between the durable emission and the push.
	job := testsupport.NewJob(t, f.store, "lost push")
	env := task.New(job.ID, "script", "q-script", task.PriorityMedium, 3, nil)
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := f.store.EmitStage(ctx, job.ID, "script", env.IdempotencyKey, 3, string(data)); err != nil {
		t.Fatalf("EmitStage failed: %v", err)
	}

	f.waitForJob(t, job.ID, jobs.StatusCompleted)
}

func TestManagerStatusSnapshot(t *testing.T) {
	f := startManager(t)
	ctx := context.Background()

	job, err := f.mgr.SubmitJob(ctx, jobs.CreateParams{Topic: "status"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	f.waitForJob(t, job.ID, jobs.StatusCompleted)

	status := f.mgr.Status(ctx)
	if !status.Running {
		t.Fatal("expected running workflow")
	}
	if status.Jobs[jobs.StatusCompleted] != 1 {
		t.Fatalf("unexpected job stats: %+v", status.Jobs)
	}
	if status.Stages[jobs.StageSucceeded] != 5 {
		t.Fatalf("unexpected stage stats: %+v", status.Stages)
	}
	if status.SlotsTotal != 4 || status.SlotsInUse != 0 {
		t.Fatalf("unexpected slots: %d/%d", status.SlotsInUse, status.SlotsTotal)
	}
	if len(status.Handlers) != 5 {
		t.Fatalf("expected five handler health entries, got %d", len(status.Handlers))
	}
	if len(status.QueueDepths) != 4 {
		t.Fatalf("expected depth per queue, got %+v", status.QueueDepths)
	}
	for name, depth := range status.QueueDepths {
		if depth != 0 {
			t.Fatalf("queue %s not drained: %d", name, depth)
		}
	}
}
