package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"loom/internal/broker"
	"loom/internal/config"
	"loom/internal/daemon"
	"loom/internal/handlers"
	"loom/internal/ipc"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/pipeline"
	"loom/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// SocketPath overrides the config-derived IPC socket location. The
	// launcher passes the resolved path so client and daemon stay in
	// agreement even when --socket or --config point away from defaults.
	SocketPath string
}

// Run starts the loom daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("loom-%s.log", runID))
	logHub := logging.NewStreamHub(4096)

	logger, err := logging.New(logging.Options{
		Level:            opts.LogLevel,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		Hub:              logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update loom.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Retention.WindowDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "loom-*.log", Exclude: []string{logPath}},
	)
	pidPath := filepath.Join(cfg.Paths.LogDir, "loomd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobs.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	defer store.Close()

	bus, err := broker.Open(cfg)
	if err != nil {
		logger.Error("open broker", logging.Error(err))
		return err
	}
	defer bus.Close()

	pipe, err := pipeline.FromConfig(cfg)
	if err != nil {
		logger.Error("build pipeline", logging.Error(err))
		return err
	}

	notifier := notifications.NewService(cfg)
	registry := handlers.New(cfg, pipe)
	workflowManager := workflow.NewManagerWithNotifier(cfg, store, bus, pipe, registry, logger, notifier)

	d, err := daemon.New(cfg, store, logger, workflowManager, logPath, logHub, notifier)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	socketPath := strings.TrimSpace(opts.SocketPath)
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and job database access"),
			logging.String(logging.FieldImpact, "daemon is idle until started over IPC"),
		)
	}

	<-signalCtx.Done()
	logger.Info("loom daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "loom.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("broker_url", redactURL(cfg.Broker.URL)),
		logging.String("gpu_endpoint", strings.TrimSpace(cfg.GPU.BaseURL)),
		logging.String("cdn_endpoint", strings.TrimSpace(cfg.CDN.BaseURL)),
		logging.Bool("cdn_key_present", strings.TrimSpace(cfg.CDN.APIKey) != ""),
		logging.String("api_bind", strings.TrimSpace(cfg.Paths.APIBind)),
		logging.Bool("api_token_present", strings.TrimSpace(cfg.Paths.APIToken) != ""),
		logging.Bool("notifications_enabled", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.Int("queue_count", len(cfg.Queues)),
		logging.Int("stage_count", len(cfg.Stages)),
	)
}

// redactURL strips embedded credentials so broker URLs are safe to log.
func redactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "<unparseable>"
	}
	return parsed.Redacted()
}
