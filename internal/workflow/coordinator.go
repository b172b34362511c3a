package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"loom/internal/broker"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/task"
)

// skipReason is recorded on stage rows that can never run because an
// ancestor dead-lettered or was skipped.
const skipReason = "upstream stage dead-lettered or skipped"

// pauseFlag names the broker flag marking a paused job. Executors in any
// process defer deliveries while it is held.
func pauseFlag(jobID string) string {
	return "paused:" + jobID
}

// enqueueFlag names the enqueue-once guard for a fan-in stage emission.
// Concurrent dependency completions across processes race to set it; only
// the winner pushes.
func enqueueFlag(jobID, stageName string) string {
	return "enqueued:" + jobID + ":" + stageName
}

// keyedMutex serializes work per key. Entries are reference counted so the
// map does not grow with every job ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// lock blocks until the key is held and returns the matching unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// emission is a broker push owed after a transition commits. A non-empty
// guard names the enqueue-once flag the push must win first.
type emission struct {
	jobID   string
	stage   string
	queue   string
	payload []byte
	guard   string
}

// notice is a notification owed after a transition commits.
type notice struct {
	event   notifications.Event
	payload notifications.Payload
}

// actions collects the side effects a locked transition decided on. They are
// performed after the job lock is released so broker and notification
// round-trips never extend the critical section. Flag clears run before
// pushes so a restart's fresh emission can win its guard.
type actions struct {
	clears  []string
	pushes  []emission
	notices []notice
}

// coordinator owns every job state transition: emitting stages whose
// dependencies are satisfied, recording successes and failures, scheduling
// retries, dead-lettering, and deriving the job-level status. All writes for
// one job happen under that job's lock, which keeps evaluation snapshots
// consistent without a global lock.
type coordinator struct {
	store    *jobs.Store
	broker   broker.Broker
	pipe     *pipeline.Pipeline
	notifier notifications.Service
	logger   *slog.Logger
	backoff  *backoff
	locks    *keyedMutex
	flagTTL  time.Duration

	// overrides maps a priority class to the queue that serves job-level
	// priority overrides for that class. Classes without an override queue
	// keep the stage's own queue and only change the envelope class.
	overrides map[task.Priority]string
}

func newCoordinator(
	store *jobs.Store,
	bus broker.Broker,
	pipe *pipeline.Pipeline,
	notifier notifications.Service,
	logger *slog.Logger,
	backoff *backoff,
	overrides map[task.Priority]string,
	flagTTL time.Duration,
) *coordinator {
	if notifier == nil {
		notifier = notifications.NewNop()
	}
	if flagTTL <= 0 {
		flagTTL = 6 * time.Hour
	}
	return &coordinator{
		store:     store,
		broker:    bus,
		pipe:      pipe,
		notifier:  notifier,
		logger:    logging.NewComponentLogger(logger, "coordinator"),
		backoff:   backoff,
		locks:     newKeyedMutex(),
		flagTTL:   flagTTL,
		overrides: overrides,
	}
}

// Advance re-evaluates a job and emits whatever became eligible. Safe to
// call at any time; a finished job is left untouched.
func (c *coordinator) Advance(ctx context.Context, jobID string) error {
	unlock := c.locks.lock(jobID)
	var acts actions
	err := c.advanceLocked(ctx, jobID, &acts)
	unlock()
	c.perform(ctx, &acts)
	return err
}

// ReportSuccess records a completed stage attempt and advances the job.
// Duplicate reports for the same stage are absorbed.
func (c *coordinator) ReportSuccess(ctx context.Context, env task.Envelope, resultRef string) error {
	unlock := c.locks.lock(env.JobID)
	var acts actions
	err := c.successLocked(ctx, env, resultRef, &acts)
	unlock()
	c.perform(ctx, &acts)
	return err
}

func (c *coordinator) successLocked(ctx context.Context, env task.Envelope, resultRef string, acts *actions) error {
	job, err := c.store.GetJob(ctx, env.JobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		c.logger.Debug("stage report for finished job discarded",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage))
		return nil
	}
	applied, err := c.store.RecordStageSuccess(ctx, env.JobID, env.Stage, env.IdempotencyKey, resultRef)
	if err != nil {
		return err
	}
	if !applied {
		c.logger.Debug("duplicate success report absorbed",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Int(logging.FieldAttempt, env.Attempt))
		return nil
	}
	return c.advanceLocked(ctx, env.JobID, acts)
}

// ReportFailure records a failed stage attempt. Retryable failures with
// budget left are scheduled for a delayed retry; everything else
// dead-letters the stage and advances the job, which skips unreachable
// descendants and may fail the job when the stage is critical.
func (c *coordinator) ReportFailure(ctx context.Context, env task.Envelope, execErr error) error {
	unlock := c.locks.lock(env.JobID)
	var acts actions
	err := c.failureLocked(ctx, env, execErr, &acts)
	unlock()
	c.perform(ctx, &acts)
	return err
}

func (c *coordinator) failureLocked(ctx context.Context, env task.Envelope, execErr error, acts *actions) error {
	job, err := c.store.GetJob(ctx, env.JobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		c.logger.Debug("stage report for finished job discarded",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage))
		return nil
	}
	def, ok := c.pipe.Definition(env.Stage)
	if !ok {
		return fmt.Errorf("report failure: unknown stage %q", env.Stage)
	}
	reason := "stage failed"
	if execErr != nil {
		reason = execErr.Error()
	}

	if services.Retryable(execErr) && env.Attempt < env.MaxAttempts {
		next := env.Next()
		data, err := next.Encode()
		if err != nil {
			return fmt.Errorf("encode retry envelope: %w", err)
		}
		delay := c.backoff.delay(def, env.Attempt)
		scheduled, err := c.store.ScheduleRetry(ctx, env.JobID, env.Stage, next.Attempt, time.Now().UTC().Add(delay), reason, string(data))
		if err != nil {
			return err
		}
		if !scheduled {
			c.logger.Debug("retry for released lease discarded",
				logging.String(logging.FieldJobID, env.JobID),
				logging.String(logging.FieldStage, env.Stage),
				logging.Int(logging.FieldAttempt, env.Attempt))
			return nil
		}
		c.logger.Warn("stage attempt failed; retry scheduled",
			logging.String(logging.FieldEventType, "stage_retry_scheduled"),
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Int(logging.FieldAttempt, env.Attempt),
			logging.Int("max_attempts", env.MaxAttempts),
			logging.Duration("retry_in", delay),
			logging.String(logging.FieldErrorHint, reason))
		return nil
	}

	// RecordDeadLetter does not guard on row state, so confirm the lease is
	// still ours to close. A takeover or requeue between the report and this
	// check means another attempt owns the row now.
	row, err := c.store.StageResult(ctx, env.JobID, env.Stage)
	if err != nil {
		return err
	}
	if row == nil || row.Status != jobs.StageRunning {
		c.logger.Debug("dead-letter for released lease discarded",
			logging.String(logging.FieldJobID, env.JobID),
			logging.String(logging.FieldStage, env.Stage),
			logging.Int(logging.FieldAttempt, env.Attempt))
		return nil
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode dead-letter envelope: %w", err)
	}
	letter := jobs.DeadLetter{
		JobID:        env.JobID,
		Stage:        env.Stage,
		Attempts:     env.Attempt,
		LastError:    reason,
		EnvelopeJSON: string(data),
		Critical:     def.Critical,
	}
	if err := c.store.RecordDeadLetter(ctx, letter); err != nil {
		return err
	}
	c.logger.Error("stage dead-lettered",
		logging.String(logging.FieldEventType, "stage_dead_lettered"),
		logging.String(logging.FieldJobID, env.JobID),
		logging.String(logging.FieldStage, env.Stage),
		logging.Int("attempts", env.Attempt),
		logging.Bool("critical", def.Critical),
		logging.Alert("stage exhausted its retry budget"),
		logging.String(logging.FieldErrorHint, reason))
	acts.notices = append(acts.notices, notice{
		event: notifications.EventDeadLetter,
		payload: notifications.Payload{
			"title":    job.DisplayTitle,
			"job_id":   job.ID,
			"stage":    env.Stage,
			"attempts": strconv.Itoa(env.Attempt),
			"error":    reason,
		},
	})
	return c.advanceLocked(ctx, env.JobID, acts)
}

// DeadLetterStage closes a stage whose stored envelope can no longer be
// replayed, for example when it fails to decode. The scheduler uses this to
// keep a corrupt row from wedging the job forever.
func (c *coordinator) DeadLetterStage(ctx context.Context, jobID, stageName string, attempts int, reason string) error {
	unlock := c.locks.lock(jobID)
	var acts actions
	err := c.deadLetterLocked(ctx, jobID, stageName, attempts, reason, &acts)
	unlock()
	c.perform(ctx, &acts)
	return err
}

func (c *coordinator) deadLetterLocked(ctx context.Context, jobID, stageName string, attempts int, reason string, acts *actions) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		return nil
	}
	row, err := c.store.StageResult(ctx, jobID, stageName)
	if err != nil {
		return err
	}
	if row == nil || row.Status.Terminal() {
		return nil
	}
	critical := true
	if def, ok := c.pipe.Definition(stageName); ok {
		critical = def.Critical
	}
	letter := jobs.DeadLetter{
		JobID:        jobID,
		Stage:        stageName,
		Attempts:     attempts,
		LastError:    reason,
		EnvelopeJSON: row.EnvelopeJSON,
		Critical:     critical,
	}
	if err := c.store.RecordDeadLetter(ctx, letter); err != nil {
		return err
	}
	c.logger.Error("stage dead-lettered without replay",
		logging.String(logging.FieldEventType, "stage_dead_lettered"),
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldStage, stageName),
		logging.Alert("stored envelope could not be replayed"),
		logging.String(logging.FieldErrorHint, reason))
	acts.notices = append(acts.notices, notice{
		event: notifications.EventDeadLetter,
		payload: notifications.Payload{
			"title":    job.DisplayTitle,
			"job_id":   job.ID,
			"stage":    stageName,
			"attempts": strconv.Itoa(attempts),
			"error":    reason,
		},
	})
	return c.advanceLocked(ctx, jobID, acts)
}

// Cancel terminates a job. In-flight attempts finish or are absorbed on
// report; no further stages are emitted. Cancellation is operator initiated,
// so it does not notify.
func (c *coordinator) Cancel(ctx context.Context, jobID string) (bool, error) {
	unlock := c.locks.lock(jobID)
	defer unlock()
	cancelled, err := c.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if cancelled {
		c.logger.Info("job cancelled",
			logging.String(logging.FieldEventType, "job_cancelled"),
			logging.String(logging.FieldJobID, jobID))
	}
	return cancelled, nil
}

// Pause holds a job's future emissions. Running attempts are not interrupted;
// their results are recorded and dispatch resumes on Resume. The store mark
// is authoritative; the broker flag lets executors in other processes defer
// without a store read.
func (c *coordinator) Pause(ctx context.Context, jobID string) (bool, error) {
	unlock := c.locks.lock(jobID)
	paused, err := c.store.SetJobPaused(ctx, jobID, true)
	unlock()
	if err != nil {
		return false, err
	}
	if paused {
		if _, flagErr := c.broker.SetFlag(ctx, pauseFlag(jobID), c.flagTTL); flagErr != nil {
			c.logger.Warn("pause flag set failed",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(flagErr))
		}
		c.logger.Info("job paused",
			logging.String(logging.FieldEventType, "job_paused"),
			logging.String(logging.FieldJobID, jobID))
	}
	return paused, nil
}

// Resume lifts a pause and immediately emits whatever became eligible while
// the job was held.
func (c *coordinator) Resume(ctx context.Context, jobID string) (bool, error) {
	unlock := c.locks.lock(jobID)
	var acts actions
	resumed, err := c.store.SetJobPaused(ctx, jobID, false)
	if err == nil && resumed {
		c.logger.Info("job resumed",
			logging.String(logging.FieldEventType, "job_resumed"),
			logging.String(logging.FieldJobID, jobID))
		acts.clears = append(acts.clears, pauseFlag(jobID))
		err = c.advanceLocked(ctx, jobID, &acts)
	}
	unlock()
	c.perform(ctx, &acts)
	return resumed, err
}

// RestartStages wipes the named stages plus every transitive dependent and
// re-runs them. A failed job reopens. Returns the full reset set in
// pipeline order.
func (c *coordinator) RestartStages(ctx context.Context, jobID string, stages []string) ([]string, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages named", services.ErrValidation)
	}
	selected := make(map[string]bool, len(stages))
	for _, name := range stages {
		if _, ok := c.pipe.Definition(name); !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", services.ErrValidation, name)
		}
		selected[name] = true
	}
	// Dependents consumed results that are about to disappear, so the
	// restart closure includes them.
	queue := append([]string(nil), stages...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, dep := range c.pipe.Dependents(name) {
			if !selected[dep] {
				selected[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	var ordered []string
	for _, name := range c.pipe.StageNames() {
		if selected[name] {
			ordered = append(ordered, name)
		}
	}

	unlock := c.locks.lock(jobID)
	var acts actions
	err := c.restartLocked(ctx, jobID, ordered, &acts)
	unlock()
	c.perform(ctx, &acts)
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

func (c *coordinator) restartLocked(ctx context.Context, jobID string, stages []string, acts *actions) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: job %q", services.ErrNotFound, jobID)
	}
	removed, err := c.store.ResetStages(ctx, jobID, stages)
	if err != nil {
		return err
	}
	// Reset stages must be emittable again, so their enqueue-once guards
	// from the previous run go.
	for _, name := range stages {
		acts.clears = append(acts.clears, enqueueFlag(jobID, name))
	}
	if job.Status.IsTerminal() {
		if _, err := c.store.ReopenJob(ctx, jobID); err != nil {
			return err
		}
	}
	c.logger.Info("stages restarted",
		logging.String(logging.FieldEventType, "stages_restarted"),
		logging.String(logging.FieldJobID, jobID),
		logging.String("stages", strings.Join(stages, ",")),
		logging.Int64("rows_reset", removed))
	return c.advanceLocked(ctx, jobID, acts)
}

// advanceLocked is the single scheduling decision: snapshot the job, run the
// pipeline evaluation, persist skips and the derived job status, and queue
// emissions for every stage that became eligible. Callers hold the job lock.
func (c *coordinator) advanceLocked(ctx context.Context, jobID string, acts *actions) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		return nil
	}
	scope, err := c.pipe.Subgraph(job.RequiredStages)
	if err != nil {
		return fmt.Errorf("job %s scope: %w", jobID, err)
	}
	results, err := c.store.StageResults(ctx, jobID)
	if err != nil {
		return err
	}
	view := pipeline.JobView{
		Scope:    scope,
		Outcomes: make(map[string]pipeline.StageOutcome, len(results)),
		InFlight: make(map[string]bool, len(results)),
	}
	for _, row := range results {
		switch row.Status {
		case jobs.StageSucceeded:
			view.Outcomes[row.Stage] = pipeline.OutcomeSucceeded
		case jobs.StageDeadLettered:
			view.Outcomes[row.Stage] = pipeline.OutcomeDeadLettered
		case jobs.StageSkipped:
			view.Outcomes[row.Stage] = pipeline.OutcomeSkipped
		default:
			view.InFlight[row.Stage] = true
		}
	}

	eval := c.pipe.Evaluate(view)

	for _, name := range eval.Skip {
		if err := c.store.MarkStageSkipped(ctx, jobID, name, task.Key(jobID, name), skipReason); err != nil {
			return err
		}
		c.logger.Warn("stage skipped",
			logging.String(logging.FieldEventType, "stage_skipped"),
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldStage, name),
			logging.String(logging.FieldErrorHint, skipReason))
	}

	status, failing, detail := c.resolvePhase(results, eval)
	applied, err := c.store.ApplyPhase(ctx, jobID, status, failing, detail)
	if err != nil {
		return err
	}
	if applied && status.IsTerminal() {
		c.finishLocked(job, status, failing, detail, acts)
		return nil
	}
	if job.Paused {
		return nil
	}
	for _, def := range eval.Eligible {
		if err := c.emitLocked(ctx, job, def, acts); err != nil {
			return err
		}
	}
	return nil
}

// finishLocked logs a terminal transition and queues its notification.
func (c *coordinator) finishLocked(job *jobs.Job, status jobs.Status, failing, detail string, acts *actions) {
	switch status {
	case jobs.StatusCompleted:
		c.logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_completed"),
			logging.String(logging.FieldJobID, job.ID),
			logging.String("degraded", detail))
		acts.notices = append(acts.notices, notice{
			event: notifications.EventJobCompleted,
			payload: notifications.Payload{
				"title":  job.DisplayTitle,
				"job_id": job.ID,
				"error":  detail,
			},
		})
	case jobs.StatusFailed:
		c.logger.Error("job failed",
			logging.String(logging.FieldEventType, "job_failed"),
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, failing),
			logging.Alert("critical stage exhausted its retry budget"),
			logging.String(logging.FieldErrorHint, detail))
		acts.notices = append(acts.notices, notice{
			event: notifications.EventJobFailed,
			payload: notifications.Payload{
				"title":  job.DisplayTitle,
				"job_id": job.ID,
				"stage":  failing,
				"error":  detail,
			},
		})
	}
}

// resolvePhase maps an evaluation to the stored job status plus the failing
// stage and detail message that accompany it.
func (c *coordinator) resolvePhase(results []*jobs.StageResult, eval pipeline.Evaluation) (jobs.Status, string, string) {
	switch eval.Phase {
	case pipeline.PhaseFailed:
		detail := "retry budget exhausted"
		for _, row := range results {
			if row.Stage == eval.FailingStage && row.LastError != "" {
				detail = row.LastError
				break
			}
		}
		return jobs.StatusFailed, eval.FailingStage, detail
	case pipeline.PhaseCompleted:
		return jobs.StatusCompleted, "", c.degradedAnnotation(results, eval)
	case pipeline.PhaseDegraded:
		return jobs.StatusPartialFailure, "", c.degradedAnnotation(results, eval)
	default:
		return jobs.StatusRunning, "", ""
	}
}

// degradedAnnotation summarizes non-critical losses: which stages
// dead-lettered and which were skipped because of them. Empty for a clean
// run.
func (c *coordinator) degradedAnnotation(results []*jobs.StageResult, eval pipeline.Evaluation) string {
	dead := make(map[string]bool)
	skipped := make(map[string]bool)
	for _, row := range results {
		switch row.Status {
		case jobs.StageDeadLettered:
			dead[row.Stage] = true
		case jobs.StageSkipped:
			skipped[row.Stage] = true
		}
	}
	for _, name := range eval.Skip {
		skipped[name] = true
	}
	var deadNames, skippedNames []string
	for _, name := range c.pipe.StageNames() {
		if dead[name] {
			deadNames = append(deadNames, name)
		}
		if skipped[name] {
			skippedNames = append(skippedNames, name)
		}
	}
	if len(deadNames) == 0 && len(skippedNames) == 0 {
		return ""
	}
	var parts []string
	if len(deadNames) > 0 {
		parts = append(parts, fmt.Sprintf("%s dead-lettered", strings.Join(deadNames, ", ")))
	}
	if len(skippedNames) > 0 {
		parts = append(parts, fmt.Sprintf("%s skipped", strings.Join(skippedNames, ", ")))
	}
	return "degraded: " + strings.Join(parts, "; ")
}

// emitLocked records a stage emission and queues its broker push. A job
// priority override reroutes the envelope to that class's override queue
// when one is configured. Fan-in stages carry an enqueue-once guard: the
// store insert already dedupes within this process, and the flag extends
// that to concurrent completions in other processes.
func (c *coordinator) emitLocked(ctx context.Context, job *jobs.Job, def pipeline.Definition, acts *actions) error {
	queueName := def.Queue
	priority := def.Priority
	if job.Priority != "" && job.Priority != def.Priority {
		priority = job.Priority
		if override, ok := c.overrides[job.Priority]; ok {
			queueName = override
		}
	}
	env := task.New(job.ID, def.Name, queueName, priority, def.MaxAttempts, json.RawMessage(job.PayloadJSON))
	env.CorrelationID = job.CorrelationID
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope for stage %q: %w", def.Name, err)
	}
	inserted, err := c.store.EmitStage(ctx, job.ID, def.Name, env.IdempotencyKey, def.MaxAttempts, string(data))
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	guard := ""
	if len(def.DependsOn) > 1 {
		guard = enqueueFlag(job.ID, def.Name)
	}
	acts.pushes = append(acts.pushes, emission{
		jobID:   job.ID,
		stage:   def.Name,
		queue:   queueName,
		payload: data,
		guard:   guard,
	})
	c.logger.Info("stage emitted",
		logging.String(logging.FieldEventType, "stage_emitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, def.Name),
		logging.String(logging.FieldQueue, queueName),
		logging.String(logging.FieldPriority, string(priority)),
		logging.String(logging.FieldCorrelationID, job.CorrelationID))
	return nil
}

// perform runs the side effects decided under the lock. A failed push is
// recoverable: the stage row stays pending and the redispatcher re-pushes it
// once the row goes stale. A guarded push that fails to win its flag was
// already pushed by another process and is skipped.
func (c *coordinator) perform(ctx context.Context, acts *actions) {
	for _, name := range acts.clears {
		if err := c.broker.ClearFlag(ctx, name); err != nil {
			c.logger.Warn("flag clear failed",
				logging.String("flag", name),
				logging.Error(err))
		}
	}
	for _, push := range acts.pushes {
		if push.guard != "" {
			won, err := c.broker.SetFlag(ctx, push.guard, c.flagTTL)
			if err != nil {
				// Push anyway: a duplicate is absorbed by the lease claim,
				// a lost emission is not.
				c.logger.Warn("enqueue-once flag check failed; pushing unguarded",
					logging.String(logging.FieldJobID, push.jobID),
					logging.String(logging.FieldStage, push.stage),
					logging.Error(err))
			} else if !won {
				c.logger.Debug("emission already pushed elsewhere, skipped",
					logging.String(logging.FieldJobID, push.jobID),
					logging.String(logging.FieldStage, push.stage))
				continue
			}
		}
		if err := c.broker.Push(ctx, push.queue, push.payload); err != nil {
			c.logger.Error("broker push failed; redispatcher will retry",
				logging.String(logging.FieldJobID, push.jobID),
				logging.String(logging.FieldStage, push.stage),
				logging.String(logging.FieldQueue, push.queue),
				logging.Error(err))
		}
	}
	for _, n := range acts.notices {
		if err := c.notifier.Publish(ctx, n.event, n.payload); err != nil {
			c.logger.Warn("notification publish failed",
				logging.String("event", string(n.event)),
				logging.Error(err))
		}
	}
}
