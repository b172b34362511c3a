package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/internal/broker"
	"loom/internal/config"
	"loom/internal/handlers"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/task"
)

// timings gathers the intervals the workflow runs on. Config seconds are
// converted once at manager construction.
type timings struct {
	popTimeout        time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	retryPoll         time.Duration
	redispatch        time.Duration
	errorRetry        time.Duration
}

// executor is one worker goroutine bound to a queue. It pops deliveries,
// claims the stage lease, runs the handler under heartbeat, and reports the
// outcome to the coordinator. Acknowledgement always happens after the
// outcome is durable.
type executor struct {
	id       string
	queue    config.Queue
	store    *jobs.Store
	broker   broker.Broker
	registry *handlers.Registry
	pipe     *pipeline.Pipeline
	coord    *coordinator
	slots    *capacity
	logger   *slog.Logger
	timings  timings
}

func (e *executor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		delivery, err := e.broker.Pop(ctx, e.queue.Name, e.timings.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("broker pop failed",
				logging.String(logging.FieldEventType, "broker_pop_failed"),
				logging.Error(err))
			e.sleep(ctx, e.timings.errorRetry)
			continue
		}
		if delivery == nil {
			continue
		}
		e.handle(ctx, delivery)
	}
}

func (e *executor) handle(ctx context.Context, delivery *broker.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("worker panic",
				logging.String(logging.FieldEventType, "worker_panic"),
				logging.Alert("worker goroutine panicked"),
				logging.Any("panic", r))
		}
	}()

	env, err := task.Decode(delivery.Payload)
	if err != nil {
		e.logger.Error("undecodable delivery dropped",
			logging.String(logging.FieldEventType, "poison_delivery"),
			logging.Alert("delivery payload did not decode"),
			logging.Error(err))
		e.ack(ctx, delivery)
		return
	}
	def, ok := e.pipe.Definition(env.Stage)
	if !ok {
		e.logger.Error("delivery names unknown stage",
			logging.String(logging.FieldEventType, "unknown_stage"),
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Alert("pipeline topology does not know this stage"))
		e.ack(ctx, delivery)
		return
	}
	job, err := e.store.GetJob(ctx, env.JobID)
	if err != nil {
		e.backOff(ctx, delivery, "job lookup failed", err)
		return
	}
	if job == nil || job.Status.IsTerminal() {
		e.logger.Debug("delivery for finished job discarded",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage))
		e.ack(ctx, delivery)
		return
	}
	paused := job.Paused
	if !paused {
		// The store mark is authoritative; the broker flag covers a pause
		// another process issued after this job read.
		if held, err := e.broker.HasFlag(ctx, pauseFlag(env.JobID)); err == nil && held {
			paused = true
		}
	}
	if paused {
		e.deferDelivery(ctx, delivery, env, "job paused")
		return
	}
	refs, missing, err := e.dependencyRefs(ctx, env.JobID, def)
	if err != nil {
		e.backOff(ctx, delivery, "dependency lookup failed", err)
		return
	}
	if len(missing) > 0 {
		// Emission happens only after dependencies succeed, so an
		// unsatisfied delivery means the upstream results were reset
		// underneath it. Defer; the restart's fresh emission supersedes it.
		e.logger.Warn("delivery with unsatisfied dependencies deferred",
			logging.String(logging.FieldEventType, "dependency_unsatisfied"),
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Any("missing", missing))
		e.deferDelivery(ctx, delivery, env, "dependencies unsatisfied")
		return
	}

	if err := e.slots.acquire(ctx, env.Priority.Rank()); err != nil {
		// Shutdown while queued for a slot. The unacked delivery comes back
		// through processing recovery.
		return
	}
	defer e.slots.release()

	staleBefore := time.Now().UTC().Add(-e.timings.heartbeatTimeout)
	row, claimed, err := e.store.AcquireLease(ctx, env.JobID, env.Stage, e.id, env.Attempt, staleBefore)
	if err != nil {
		e.backOff(ctx, delivery, "lease acquisition failed", err)
		return
	}
	if !claimed {
		status := jobs.StageStatus("absent")
		if row != nil {
			status = row.Status
		}
		e.logger.Debug("duplicate delivery absorbed",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Int(logging.FieldAttempt, env.Attempt),
			logging.String("stage_status", string(status)))
		e.ack(ctx, delivery)
		return
	}

	e.execute(ctx, delivery, env, def, job, refs)
}

// execute runs the handler for a claimed lease and reports the outcome. The
// lease heartbeat runs for as long as the handler does.
func (e *executor) execute(
	ctx context.Context,
	delivery *broker.Delivery,
	env task.Envelope,
	def pipeline.Definition,
	job *jobs.Job,
	refs map[string]string,
) {
	handler, err := e.registry.Handler(def.Operation)
	if err != nil {
		e.report(ctx, delivery, env, "", services.Wrap(services.ErrConfiguration, env.Stage, def.Operation, "no handler registered", err))
		return
	}

	taskCtx := services.WithJobID(ctx, env.JobID)
	taskCtx = services.WithStage(taskCtx, env.Stage)
	taskCtx = services.WithQueue(taskCtx, env.Queue)
	if env.CorrelationID != "" {
		taskCtx = services.WithRequestID(taskCtx, env.CorrelationID)
	}
	if aware, ok := handler.(stage.LoggerAware); ok {
		aware.SetLogger(logging.WithContext(taskCtx, e.logger))
	}

	hbCtx, hbCancel := context.WithCancel(taskCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		e.beatLease(hbCtx, env.JobID, env.Stage)
	}()

	runCtx := taskCtx
	cancelRun := func() {}
	if def.Timeout > 0 {
		runCtx, cancelRun = context.WithTimeout(taskCtx, def.Timeout)
	}

	e.logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String(logging.FieldJobID, env.JobID),
		logging.String(logging.FieldStage, env.Stage),
		logging.Int(logging.FieldAttempt, env.Attempt),
		logging.String(logging.FieldCorrelationID, env.CorrelationID))
	started := time.Now()

	result, execErr := runHandler(runCtx, handler, stage.Request{
		JobID:          env.JobID,
		Stage:          env.Stage,
		Operation:      def.Operation,
		Attempt:        env.Attempt,
		Priority:       env.Priority.String(),
		IdempotencyKey: env.IdempotencyKey,
		Topic:          job.Topic,
		Payload:        env.Payload,
		DependencyRefs: refs,
	})
	cancelRun()
	hbCancel()
	hbWG.Wait()

	if execErr != nil && ctx.Err() != nil {
		// Shutdown, not a handler verdict. Hand the lease back so a restart
		// re-runs the attempt cleanly.
		released, err := e.store.RequeueStage(context.Background(), env.JobID, env.Stage, e.id, string(delivery.Payload))
		if err != nil || !released {
			e.logger.Warn("lease release on shutdown failed",
				logging.String(logging.FieldJobID, env.JobID),
				logging.String(logging.FieldStage, env.Stage),
				logging.Error(err))
		}
		e.logger.Debug("stage interrupted by shutdown",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage))
		return
	}
	if execErr != nil && errors.Is(execErr, context.DeadlineExceeded) {
		execErr = services.Wrap(services.ErrTimeout, env.Stage, def.Operation,
			fmt.Sprintf("handler exceeded %s timeout", def.Timeout), execErr)
	}

	if execErr != nil {
		e.logger.Warn("stage attempt failed",
			logging.String(logging.FieldEventType, "stage_attempt_failed"),
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Int(logging.FieldAttempt, env.Attempt),
			logging.Duration("stage_duration", time.Since(started)),
			logging.Error(execErr))
		e.report(ctx, delivery, env, "", execErr)
		return
	}

	e.logger.Info("stage complete",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String(logging.FieldJobID, env.JobID),
		logging.String(logging.FieldStage, env.Stage),
		logging.Int(logging.FieldAttempt, env.Attempt),
		logging.String("result_ref", result.Ref),
		logging.Duration("stage_duration", time.Since(started)))
	e.report(ctx, delivery, env, result.Ref, nil)
}

// runHandler isolates handler panics into ordinary retryable errors.
func runHandler(ctx context.Context, handler stage.Handler, req stage.Request) (result stage.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrTransient, req.Stage, req.Operation,
				fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return handler.Execute(ctx, req)
}

// report hands the outcome to the coordinator, then acknowledges. A report
// that cannot be made durable releases the lease and requeues the delivery
// so the attempt is replayed rather than lost.
func (e *executor) report(ctx context.Context, delivery *broker.Delivery, env task.Envelope, resultRef string, execErr error) {
	var err error
	if execErr == nil {
		err = e.coord.ReportSuccess(ctx, env, resultRef)
	} else {
		err = e.coord.ReportFailure(ctx, env, execErr)
	}
	if err != nil {
		e.logger.Error("stage report failed",
			logging.String(logging.FieldEventType, "stage_report_failed"),
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Error(err))
		if _, rqErr := e.store.RequeueStage(ctx, env.JobID, env.Stage, e.id, string(delivery.Payload)); rqErr != nil {
			e.logger.Warn("lease release after failed report also failed",
				logging.String(logging.FieldJobID, env.JobID),
				logging.String(logging.FieldStage, env.Stage),
				logging.Error(rqErr))
		}
		if _, rqErr := e.broker.Requeue(ctx, delivery); rqErr != nil {
			e.logger.Warn("broker requeue failed",
				logging.String(logging.FieldQueue, delivery.Queue),
				logging.Error(rqErr))
		}
		e.sleep(ctx, e.timings.errorRetry)
		return
	}
	e.ack(ctx, delivery)
}

// dependencyRefs resolves the artifact references of a stage's succeeded
// dependencies. Returns the names still missing a successful result.
func (e *executor) dependencyRefs(ctx context.Context, jobID string, def pipeline.Definition) (map[string]string, []string, error) {
	if len(def.DependsOn) == 0 {
		return nil, nil, nil
	}
	rows, err := e.store.StageResults(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	byStage := make(map[string]*jobs.StageResult, len(rows))
	for _, row := range rows {
		byStage[row.Stage] = row
	}
	refs := make(map[string]string, len(def.DependsOn))
	var missing []string
	for _, dep := range def.DependsOn {
		row, ok := byStage[dep]
		if !ok || row.Status != jobs.StageSucceeded {
			missing = append(missing, dep)
			continue
		}
		refs[dep] = row.ResultRef
	}
	return refs, missing, nil
}

// beatLease refreshes the lease heartbeat until the handler finishes.
func (e *executor) beatLease(ctx context.Context, jobID, stageName string) {
	ticker := time.NewTicker(e.timings.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(ctx, jobID, stageName, e.id); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("lease heartbeat failed",
					logging.String(logging.FieldEventType, "heartbeat_failed"),
					logging.String(logging.FieldJobID, jobID),
					logging.String(logging.FieldStage, stageName),
					logging.Error(err))
			}
		}
	}
}

// deferDelivery returns a delivery to the queue without treating it as
// handled and touches the stage row so the stale-pending scan does not
// double-push it.
func (e *executor) deferDelivery(ctx context.Context, delivery *broker.Delivery, env task.Envelope, why string) {
	if _, err := e.broker.Requeue(ctx, delivery); err != nil {
		e.logger.Warn("broker requeue failed",
			logging.String(logging.FieldQueue, delivery.Queue),
			logging.Error(err))
	}
	if err := e.store.TouchStage(ctx, env.JobID, env.Stage); err != nil {
		e.logger.Warn("stage touch failed",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Error(err))
	}
	e.logger.Debug("delivery deferred",
		logging.String(logging.FieldJobID, env.JobID),
		logging.String(logging.FieldStage, env.Stage),
		logging.String("reason", why))
	e.sleep(ctx, e.timings.errorRetry)
}

// backOff requeues a delivery after an infrastructure error and pauses the
// worker briefly so a persistent fault does not spin the loop.
func (e *executor) backOff(ctx context.Context, delivery *broker.Delivery, msg string, err error) {
	e.logger.Error(msg,
		logging.String(logging.FieldQueue, delivery.Queue),
		logging.Error(err))
	if _, rqErr := e.broker.Requeue(ctx, delivery); rqErr != nil {
		e.logger.Warn("broker requeue failed",
			logging.String(logging.FieldQueue, delivery.Queue),
			logging.Error(rqErr))
	}
	e.sleep(ctx, e.timings.errorRetry)
}

func (e *executor) ack(ctx context.Context, delivery *broker.Delivery) {
	if err := e.broker.Ack(ctx, delivery); err != nil {
		e.logger.Warn("broker ack failed; duplicate will be absorbed",
			logging.String(logging.FieldQueue, delivery.Queue),
			logging.Error(err))
	}
}

func (e *executor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
