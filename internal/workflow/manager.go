package workflow

import (
	"context"
	"encoding/json"
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
	"loom/internal/notifications"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/task"
)

// errorRetryDelay paces a worker loop after an infrastructure error.
const errorRetryDelay = 2 * time.Second

// Manager runs the orchestration: per-queue worker pools, the retry
// scheduler, the redispatcher, and the retention sweep, all sharing one
// coordinator for job state transitions.
type Manager struct {
	cfg      *config.Config
	store    *jobs.Store
	broker   broker.Broker
	pipe     *pipeline.Pipeline
	registry *handlers.Registry
	notifier notifications.Service
	logger   *slog.Logger

	coord   *coordinator
	slots   *capacity
	pools   []*pool
	timings timings

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	backoffBase time.Duration
	backoffCap  time.Duration
	timings     *timings
}

// WithRetryBackoff overrides every stage's backoff policy. Used in tests to
// keep retry delays short.
func WithRetryBackoff(base, cap time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.backoffBase = base
		o.backoffCap = cap
	}
}

// WithTimings overrides the intervals derived from configuration. Used in
// tests to shrink heartbeat and scheduler cadence.
func WithTimings(heartbeatInterval, heartbeatTimeout, retryPoll, redispatch time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.timings = &timings{
			heartbeatInterval: heartbeatInterval,
			heartbeatTimeout:  heartbeatTimeout,
			retryPoll:         retryPoll,
			redispatch:        redispatch,
		}
	}
}

// NewManager constructs a new workflow manager.
func NewManager(cfg *config.Config, store *jobs.Store, bus broker.Broker, pipe *pipeline.Pipeline, registry *handlers.Registry, logger *slog.Logger) *Manager {
	return NewManagerWithOptions(cfg, store, bus, pipe, registry, logger, notifications.NewService(cfg))
}

// NewManagerWithNotifier constructs a workflow manager with a custom
// notifier (used in tests).
func NewManagerWithNotifier(cfg *config.Config, store *jobs.Store, bus broker.Broker, pipe *pipeline.Pipeline, registry *handlers.Registry, logger *slog.Logger, notifier notifications.Service) *Manager {
	return NewManagerWithOptions(cfg, store, bus, pipe, registry, logger, notifier)
}

// NewManagerWithOptions constructs a workflow manager with full
// configuration.
func NewManagerWithOptions(cfg *config.Config, store *jobs.Store, bus broker.Broker, pipe *pipeline.Pipeline, registry *handlers.Registry, logger *slog.Logger, notifier notifications.Service, opts ...ManagerOption) *Manager {
	options := &managerOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewNop()
	}

	t := timings{
		popTimeout:        time.Duration(cfg.Broker.PopTimeout) * time.Second,
		heartbeatInterval: time.Duration(cfg.Workers.HeartbeatInterval) * time.Second,
		heartbeatTimeout:  time.Duration(cfg.Workers.HeartbeatTimeout) * time.Second,
		retryPoll:         time.Duration(cfg.Workers.RetryPollInterval) * time.Second,
		redispatch:        time.Duration(cfg.Workers.RedispatchInterval) * time.Second,
		errorRetry:        errorRetryDelay,
	}
	if options.timings != nil {
		t.heartbeatInterval = options.timings.heartbeatInterval
		t.heartbeatTimeout = options.timings.heartbeatTimeout
		t.retryPoll = options.timings.retryPoll
		t.redispatch = options.timings.redispatch
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		broker:   bus,
		pipe:     pipe,
		registry: registry,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "workflow"),
		slots:    newCapacity(cfg.Workers.GlobalSlots),
		timings:  t,
	}
	m.coord = newCoordinator(
		store,
		bus,
		pipe,
		notifier,
		logger,
		newBackoff(options.backoffBase, options.backoffCap),
		overrideQueues(cfg, pipe),
		time.Duration(cfg.Broker.FlagTTL)*time.Second,
	)
	for _, queue := range cfg.Queues {
		m.pools = append(m.pools, newPool(m, queue))
	}
	return m
}

// overrideQueues maps each priority class to its override queue: a
// configured queue no stage routes to. Job-level priority overrides send
// envelopes there so they do not sit behind the stage's normal traffic. A
// class without such a queue keeps the stage queue and only reranks the
// envelope.
func overrideQueues(cfg *config.Config, pipe *pipeline.Pipeline) map[task.Priority]string {
	referenced := make(map[string]bool)
	for _, def := range pipe.Definitions() {
		referenced[def.Queue] = true
	}
	overrides := make(map[task.Priority]string)
	for _, queue := range cfg.Queues {
		if referenced[queue.Name] {
			continue
		}
		priority, err := task.ParsePriority(queue.Priority)
		if err != nil {
			continue
		}
		if _, ok := overrides[priority]; !ok {
			overrides[priority] = queue.Name
		}
	}
	return overrides
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.pools) == 0 {
		m.mu.Unlock()
		return errors.New("no queues configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.recover(runCtx)

	for _, p := range m.pools {
		p.start(runCtx, &m.wg)
	}
	m.spawn(runCtx, "retry-scheduler", m.runRetryScheduler)
	m.spawn(runCtx, "redispatcher", m.runRedispatcher)
	m.spawn(runCtx, "retention-sweep", m.runRetentionSweep)

	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_started"),
		logging.Int("queues", len(m.pools)),
		logging.Int("global_slots", m.slots.total))
	return nil
}

// recover resurrects state a previous process left behind: unacknowledged
// deliveries go back to their ready queues, and every active job is
// re-evaluated so nothing waits on an event that already happened.
func (m *Manager) recover(ctx context.Context) {
	names := make([]string, 0, len(m.cfg.Queues))
	for _, queue := range m.cfg.Queues {
		names = append(names, queue.Name)
	}
	recovered, err := m.broker.RecoverProcessing(ctx, names)
	if err != nil {
		m.logger.Warn("processing recovery failed",
			logging.String(logging.FieldEventType, "broker_recovery_failed"),
			logging.Error(err))
	} else if recovered > 0 {
		m.logger.Info("unacknowledged deliveries recovered",
			logging.String(logging.FieldEventType, "broker_recovered"),
			logging.Int("recovered", recovered))
	}

	active, err := m.store.ActiveJobs(ctx)
	if err != nil {
		m.logger.Warn("active job scan failed",
			logging.Error(err))
		return
	}
	for _, job := range active {
		if err := m.coord.Advance(ctx, job.ID); err != nil {
			m.logger.Warn("startup evaluation failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
	}
}

func (m *Manager) spawn(ctx context.Context, name string, loop func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("background loop panicked",
					logging.String(logging.FieldEventType, "loop_panic"),
					logging.String("loop", name),
					logging.Alert("background loop died"),
					logging.Any("panic", r))
			}
		}()
		loop(ctx)
	}()
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("workflow stopped",
		logging.String(logging.FieldEventType, "workflow_stopped"))
}

// SubmitJob validates and stores a new job, then evaluates it so its root
// stages are emitted immediately. The job row is durable even when the
// first evaluation cannot reach the broker.
func (m *Manager) SubmitJob(ctx context.Context, params jobs.CreateParams) (*jobs.Job, error) {
	if params.Topic == "" {
		return nil, fmt.Errorf("%w: topic required", services.ErrValidation)
	}
	if len(params.Payload) > 0 && !json.Valid(params.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", services.ErrValidation)
	}
	if _, err := m.pipe.Subgraph(params.RequiredStages); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	job, err := m.store.NewJob(ctx, params)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("topic", job.Topic),
		logging.String(logging.FieldPriority, string(job.Priority)),
		logging.String(logging.FieldCorrelationID, job.CorrelationID))
	if err := m.coord.Advance(ctx, job.ID); err != nil {
		m.logger.Warn("initial evaluation failed; startup recovery will retry",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
	m.noteTopicSimilarity(ctx, job)
	return m.store.GetJob(ctx, job.ID)
}

// CancelJob terminates a job. Returns false when the job is already
// finished or unknown.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return m.coord.Cancel(ctx, jobID)
}

// PauseJob holds a job's future stage emissions.
func (m *Manager) PauseJob(ctx context.Context, jobID string) (bool, error) {
	return m.coord.Pause(ctx, jobID)
}

// ResumeJob lifts a pause and dispatches whatever became eligible.
func (m *Manager) ResumeJob(ctx context.Context, jobID string) (bool, error) {
	return m.coord.Resume(ctx, jobID)
}

// SetJobPriority changes a job's priority override for stages not yet
// emitted. Already queued envelopes keep their class.
func (m *Manager) SetJobPriority(ctx context.Context, jobID string, priority task.Priority) (bool, error) {
	if priority != "" && !priority.Valid() {
		return false, fmt.Errorf("%w: unknown priority class %q", services.ErrValidation, priority)
	}
	return m.store.SetJobPriority(ctx, jobID, priority)
}

// RestartStages re-runs the named stages and their dependents. A failed job
// reopens and proceeds from the restarted stages.
func (m *Manager) RestartStages(ctx context.Context, jobID string, stages []string) ([]string, error) {
	return m.coord.RestartStages(ctx, jobID, stages)
}

// Advance re-evaluates one job on demand.
func (m *Manager) Advance(ctx context.Context, jobID string) error {
	return m.coord.Advance(ctx, jobID)
}

// Notifier exposes the notification service for ad hoc sends.
func (m *Manager) Notifier() notifications.Service {
	return m.notifier
}
