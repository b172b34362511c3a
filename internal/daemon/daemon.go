package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"loom/internal/config"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/preflight"
	"loom/internal/task"
	"loom/internal/workflow"
)

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *jobs.Store
	workflow *workflow.Manager
	notifier notifications.Service
	hub      *logging.StreamHub
	logPath  string

	lockPath string
	lock     *flock.Flock

	api *apiServer

	checksMu sync.RWMutex
	checks   []preflight.Result

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	DatabasePath string
	LockFilePath string
	Checks       []preflight.Result
}

// New constructs a daemon with initialized dependencies. The hub and notifier
// may be nil; log streaming and notifications degrade to no-ops.
func New(cfg *config.Config, store *jobs.Store, logger *slog.Logger, wf *workflow.Manager, logPath string, hub *logging.StreamHub, notifier notifications.Service) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, logger, and workflow manager")
	}
	if notifier == nil {
		notifier = notifications.NewNop()
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		workflow: wf,
		notifier: notifier,
		hub:      hub,
		logPath:  logPath,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start launches the workflow manager and acquires the daemon lock.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.refreshChecks(d.ctx)

	if err := d.workflow.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start workflow: %w", err)
	}

	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			d.logger.Warn("api server failed to start", logging.Error(err))
		}
	}

	d.running.Store(true)
	d.logger.Info("loom daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.api != nil {
		d.api.stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// refreshChecks runs the preflight suite and caches the results for status
// surfaces. Failures are reported but never abort startup: the daemon keeps
// running degraded so operators can inspect and fix the environment.
func (d *Daemon) refreshChecks(ctx context.Context) []preflight.Result {
	results := preflight.RunAll(ctx, d.cfg)
	d.checksMu.Lock()
	d.checks = results
	d.checksMu.Unlock()
	for _, check := range results {
		if !check.Passed {
			d.logger.Warn("preflight check failed",
				logging.String("check", check.Name),
				logging.String("detail", check.Detail),
			)
		}
	}
	return results
}

// Checks returns the most recent preflight results.
func (d *Daemon) Checks() []preflight.Result {
	d.checksMu.RLock()
	defer d.checksMu.RUnlock()
	out := make([]preflight.Result, len(d.checks))
	copy(out, d.checks)
	return out
}

// RunChecks re-runs the preflight suite on demand and refreshes the cache.
func (d *Daemon) RunChecks(ctx context.Context) []preflight.Result {
	return d.refreshChecks(ctx)
}

// SubmitJob validates and enqueues a new job through the workflow manager.
func (d *Daemon) SubmitJob(ctx context.Context, params jobs.CreateParams) (*jobs.Job, error) {
	if d.workflow == nil {
		return nil, errors.New("workflow manager unavailable")
	}
	return d.workflow.SubmitJob(ctx, params)
}

// ListJobs returns jobs filtered by optional statuses.
func (d *Daemon) ListJobs(ctx context.Context, statuses []jobs.Status) ([]*jobs.Job, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	if len(statuses) == 0 {
		return d.store.ListJobs(ctx)
	}
	return d.store.ListJobs(ctx, statuses...)
}

// GetJob returns a single job by id, or nil when absent.
func (d *Daemon) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	return d.store.GetJob(ctx, id)
}

// StageResults returns the per-stage execution records for a job.
func (d *Daemon) StageResults(ctx context.Context, jobID string) ([]*jobs.StageResult, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	return d.store.StageResults(ctx, jobID)
}

// DeadLetters returns the dead-letter records for a job.
func (d *Daemon) DeadLetters(ctx context.Context, jobID string) ([]*jobs.DeadLetter, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	return d.store.DeadLetters(ctx, jobID)
}

// CancelJob cancels a job unless it already reached a terminal status.
func (d *Daemon) CancelJob(ctx context.Context, id string) (bool, error) {
	if d.workflow == nil {
		return false, errors.New("workflow manager unavailable")
	}
	return d.workflow.CancelJob(ctx, id)
}

// PauseJob suspends new stage emission for a job.
func (d *Daemon) PauseJob(ctx context.Context, id string) (bool, error) {
	if d.workflow == nil {
		return false, errors.New("workflow manager unavailable")
	}
	return d.workflow.PauseJob(ctx, id)
}

// ResumeJob lifts a pause and re-dispatches any stages that became ready.
func (d *Daemon) ResumeJob(ctx context.Context, id string) (bool, error) {
	if d.workflow == nil {
		return false, errors.New("workflow manager unavailable")
	}
	return d.workflow.ResumeJob(ctx, id)
}

// SetJobPriority reroutes a job's future stage work to the given class.
func (d *Daemon) SetJobPriority(ctx context.Context, id string, priority task.Priority) (bool, error) {
	if d.workflow == nil {
		return false, errors.New("workflow manager unavailable")
	}
	return d.workflow.SetJobPriority(ctx, id, priority)
}

// RestartStages resets the named stages plus their dependents and re-emits
// whatever became ready. It returns the full set of reset stage names.
func (d *Daemon) RestartStages(ctx context.Context, id string, stages []string) ([]string, error) {
	if d.workflow == nil {
		return nil, errors.New("workflow manager unavailable")
	}
	return d.workflow.RestartStages(ctx, id, stages)
}

// QueueDepths reports the broker backlog for every declared queue.
func (d *Daemon) QueueDepths(ctx context.Context) (map[string]int64, error) {
	if d.workflow == nil {
		return nil, errors.New("workflow manager unavailable")
	}
	return d.workflow.QueueDepths(ctx)
}

// JobHealth returns aggregate job diagnostics.
func (d *Daemon) JobHealth(ctx context.Context) (jobs.HealthSummary, error) {
	if d.store == nil {
		return jobs.HealthSummary{}, errors.New("job store unavailable")
	}
	return d.store.Health(ctx)
}

// DatabaseHealth returns detailed database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (jobs.DatabaseHealth, error) {
	if d.store == nil {
		return jobs.DatabaseHealth{}, errors.New("job store unavailable")
	}
	return d.store.CheckHealth(ctx)
}

// PurgeJobs removes terminal jobs older than the supplied age. A zero age
// removes every terminal job.
func (d *Daemon) PurgeJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if d.store == nil {
		return 0, errors.New("job store unavailable")
	}
	if olderThan < 0 {
		olderThan = 0
	}
	return d.store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-olderThan))
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg == nil {
		return false, "configuration unavailable", errors.New("configuration unavailable")
	}
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// LogStream returns the in-memory log hub, or nil when streaming is disabled.
func (d *Daemon) LogStream() *logging.StreamHub {
	return d.hub
}

// Store exposes the job store for read-only service construction.
func (d *Daemon) Store() *jobs.Store {
	return d.store
}

// Queues reports the configured queue topology.
func (d *Daemon) Queues() []config.Queue {
	if d.cfg == nil {
		return nil
	}
	return d.cfg.Queues
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary := d.workflow.Status(ctx)
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     summary,
		DatabasePath: d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		Checks:       d.Checks(),
	}
}
