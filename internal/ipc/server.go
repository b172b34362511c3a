package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"loom/internal/api"
	"loom/internal/daemon"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/logs"
	"loom/internal/task"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Loom", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String("impact", "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String("impact", "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun loom stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.log().Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.DatabasePath = status.DatabasePath
	resp.LockPath = status.LockFilePath
	resp.Workflow = api.FromStatusSummary(status.Workflow)
	resp.Checks = make([]CheckStatus, 0, len(status.Checks))
	for _, check := range status.Checks {
		resp.Checks = append(resp.Checks, CheckStatus{
			Name:   check.Name,
			Ready:  check.Passed,
			Detail: check.Detail,
		})
	}
	return nil
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	s.log().Debug("job submit requested", logging.String("topic", req.Topic))
	params, err := req.CreateParams()
	if err != nil {
		return err
	}
	job, err := s.daemon.SubmitJob(s.ctx, params)
	if err != nil {
		return err
	}
	resp.ID = job.ID
	resp.Status = string(job.Status)
	s.log().Info("job submitted via IPC",
		logging.String(logging.FieldEventType, "job_submit"),
		logging.String(logging.FieldJobID, job.ID))
	return nil
}

func (s *service) JobList(req JobListRequest, resp *JobListResponse) error {
	statuses := make([]jobs.Status, 0, len(req.Statuses))
	for _, status := range req.Statuses {
		parsed, ok := jobs.ParseStatus(status)
		if !ok {
			continue
		}
		statuses = append(statuses, parsed)
	}
	list, err := s.daemon.ListJobs(s.ctx, statuses)
	if err != nil {
		return err
	}
	resp.Jobs = api.SortJobsNewestFirst(api.FromJobs(list))
	return nil
}

func (s *service) JobDescribe(req JobDescribeRequest, resp *JobDescribeResponse) error {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return errors.New("job describe requires an id")
	}
	job, err := s.daemon.GetJob(s.ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		resp.Found = false
		return nil
	}
	detail := JobDetail{Job: api.FromJob(job)}
	rows, err := s.daemon.StageResults(s.ctx, id)
	if err != nil {
		return err
	}
	detail.Stages = api.FromStageResults(rows)
	letters, err := s.daemon.DeadLetters(s.ctx, id)
	if err != nil {
		return err
	}
	detail.DeadLetters = api.FromDeadLetters(letters)
	resp.Found = true
	resp.Job = detail
	return nil
}

func (s *service) JobCancel(req JobCancelRequest, resp *JobCancelResponse) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("job cancel requires an id")
	}
	s.log().Debug("job cancel requested", logging.String(logging.FieldJobID, req.ID))
	updated, err := s.daemon.CancelJob(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Updated = updated
	s.log().Info("job cancelled",
		logging.String(logging.FieldEventType, "job_cancel"),
		logging.String(logging.FieldJobID, req.ID),
		logging.Bool("updated", updated))
	return nil
}

func (s *service) JobPause(req JobPauseRequest, resp *JobPauseResponse) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("job pause requires an id")
	}
	updated, err := s.daemon.PauseJob(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Updated = updated
	s.log().Info("job paused",
		logging.String(logging.FieldEventType, "job_pause"),
		logging.String(logging.FieldJobID, req.ID),
		logging.Bool("updated", updated))
	return nil
}

func (s *service) JobResume(req JobResumeRequest, resp *JobResumeResponse) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("job resume requires an id")
	}
	updated, err := s.daemon.ResumeJob(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Updated = updated
	s.log().Info("job resumed",
		logging.String(logging.FieldEventType, "job_resume"),
		logging.String(logging.FieldJobID, req.ID),
		logging.Bool("updated", updated))
	return nil
}

func (s *service) JobPriority(req JobPriorityRequest, resp *JobPriorityResponse) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("job priority requires an id")
	}
	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		return err
	}
	updated, err := s.daemon.SetJobPriority(s.ctx, req.ID, priority)
	if err != nil {
		return err
	}
	resp.Updated = updated
	s.log().Info("job priority changed",
		logging.String(logging.FieldEventType, "job_priority"),
		logging.String(logging.FieldJobID, req.ID),
		logging.String("priority", string(priority)),
		logging.Bool("updated", updated))
	return nil
}

func (s *service) StageRestart(req StageRestartRequest, resp *StageRestartResponse) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("stage restart requires an id")
	}
	s.log().Debug("stage restart requested",
		logging.String(logging.FieldJobID, req.ID),
		logging.Int("stage_count", len(req.Stages)))
	stages, err := s.daemon.RestartStages(s.ctx, req.ID, req.Stages)
	if err != nil {
		return err
	}
	resp.Stages = stages
	s.log().Info("stages restarted",
		logging.String(logging.FieldEventType, "stage_restart"),
		logging.String(logging.FieldJobID, req.ID),
		logging.Int("stage_count", len(stages)))
	return nil
}

func (s *service) Queues(_ QueuesRequest, resp *QueuesResponse) error {
	depths, err := s.daemon.QueueDepths(s.ctx)
	if err != nil {
		s.log().Warn("queue depth read failed", logging.Error(err))
	}
	declared := s.daemon.Queues()
	resp.Queues = make([]QueueInfo, 0, len(declared))
	for _, q := range declared {
		resp.Queues = append(resp.Queues, QueueInfo{
			Name:        q.Name,
			Priority:    q.Priority,
			Concurrency: q.Concurrency,
			Depth:       depths[q.Name],
		})
	}
	return nil
}

func (s *service) Stats(_ StatsRequest, resp *StatsResponse) error {
	summary := api.FromStatusSummary(s.daemon.Status(s.ctx).Workflow)
	resp.Jobs = summary.Jobs
	resp.Stages = summary.Stages
	resp.DeadLetters = summary.DeadLetters
	resp.QueueDepths = summary.QueueDepths
	return nil
}

func (s *service) JobHealth(_ JobHealthRequest, resp *JobHealthResponse) error {
	health, err := s.daemon.JobHealth(s.ctx)
	if err != nil {
		return err
	}
	resp.Total = health.Total
	resp.Pending = health.Pending
	resp.Active = health.Active
	resp.Degraded = health.Degraded
	resp.Completed = health.Completed
	resp.Failed = health.Failed
	resp.DeadLetters = health.DeadLetters
	resp.Healthy = true
	for _, check := range s.daemon.Checks() {
		resp.Checks = append(resp.Checks, CheckStatus{
			Name:   check.Name,
			Ready:  check.Passed,
			Detail: check.Detail,
		})
		if !check.Passed {
			resp.Healthy = false
		}
	}
	return nil
}

func (s *service) DatabaseHealth(_ DatabaseHealthRequest, resp *DatabaseHealthResponse) error {
	health, err := s.daemon.DatabaseHealth(s.ctx)
	if err != nil && health.Error == "" {
		return err
	}
	resp.DBPath = health.DBPath
	resp.DatabaseExists = health.DatabaseExists
	resp.DatabaseReadable = health.DatabaseReadable
	resp.TablesPresent = append(resp.TablesPresent, health.TablesPresent...)
	resp.IntegrityCheck = health.IntegrityCheck
	resp.TotalJobs = health.TotalJobs
	resp.Error = health.Error
	if err != nil {
		return err
	}
	return nil
}

func (s *service) Purge(req PurgeRequest, resp *PurgeResponse) error {
	s.log().Debug("job purge requested", logging.Int64("older_than_millis", req.OlderThanMillis))
	removed, err := s.daemon.PurgeJobs(s.ctx, time.Duration(req.OlderThanMillis)*time.Millisecond)
	if err != nil {
		return err
	}
	resp.Removed = removed
	s.log().Info("terminal jobs purged",
		logging.String(logging.FieldEventType, "job_purge"),
		logging.Int64("removed_count", removed))
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	logPath := s.daemon.LogPath()
	if logPath == "" {
		resp.Offset = 0
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	options := logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, logPath, options)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}
