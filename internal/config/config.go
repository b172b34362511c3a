package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Broker contains configuration for the Redis message broker.
type Broker struct {
	URL        string `toml:"url"`
	Namespace  string `toml:"namespace"`
	PopTimeout int    `toml:"pop_timeout"`
	FlagTTL    int    `toml:"flag_ttl"`
}

// Workers contains configuration for dispatch capacity and lease timing.
type Workers struct {
	GlobalSlots        int `toml:"global_slots"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	RetryPollInterval  int `toml:"retry_poll_interval"`
	RedispatchInterval int `toml:"redispatch_interval"`
}

// GPU contains configuration for the GPU inference service.
type GPU struct {
	BaseURL        string `toml:"base_url"`
	RequestTimeout int    `toml:"request_timeout"`
	PollInterval   int    `toml:"poll_interval"`
}

// CDN contains configuration for the upload sink.
type CDN struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Retention controls how long terminal jobs are kept before being purged.
type Retention struct {
	WindowDays    int `toml:"window_days"`
	SweepInterval int `toml:"sweep_interval"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobComplete    bool   `toml:"job_complete"`
	JobFailed      bool   `toml:"job_failed"`
	DeadLetter     bool   `toml:"dead_letter"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Queue declares one broker queue, its priority class, and its worker pool size.
type Queue struct {
	Name        string `toml:"name"`
	Priority    string `toml:"priority"`
	Concurrency int    `toml:"concurrency"`
}

// Stage declares one pipeline stage. Optional marks the stage non-critical:
// exhausting its retry budget does not fail the job. SideEffect marks the
// handler as having a non-idempotent external effect, requiring a duplicate
// check before acting on a retry.
type Stage struct {
	Name        string   `toml:"name"`
	Queue       string   `toml:"queue"`
	DependsOn   []string `toml:"depends_on"`
	Operation   string   `toml:"operation"`
	MaxAttempts int      `toml:"max_attempts"`
	BackoffBase int      `toml:"backoff_base"`
	BackoffCap  int      `toml:"backoff_cap"`
	Timeout     int      `toml:"timeout"`
	Optional    bool     `toml:"optional"`
	SideEffect  bool     `toml:"side_effect"`
}

// Config encapsulates all configuration values for loom.
//
// Configuration sections by subsystem:
//   - Paths: directories, API bind address, and API token
//   - Broker: Redis connection and queue namespace
//   - Workers: global dispatch slots, lease heartbeats, retry scheduling
//   - GPU: inference service endpoint and polling
//   - CDN: upload sink endpoint and credentials
//   - Retention: terminal job purge window
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
//   - Queues: broker queues with priority class and pool concurrency
//   - Stages: the pipeline stage graph and per-stage retry policy
type Config struct {
	Paths         Paths         `toml:"paths"`
	Broker        Broker        `toml:"broker"`
	Workers       Workers       `toml:"workers"`
	GPU           GPU           `toml:"gpu"`
	CDN           CDN           `toml:"cdn"`
	Retention     Retention     `toml:"retention"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Queues        []Queue       `toml:"queues"`
	Stages        []Stage       `toml:"stages"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// A declared topology replaces the default one wholesale, so the
		// default queue and stage sets are withheld from the decode target
		// and restored only when the file declares none.
		cfg.Queues = nil
		cfg.Stages = nil

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Queues) == 0 {
			cfg.Queues = DefaultQueues()
		}
		if len(cfg.Stages) == 0 {
			cfg.Stages = DefaultStages()
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/loom/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the job state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.db")
}

// SocketPath returns the unix socket the daemon listens on for IPC.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.LogDir, "loom.sock")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "loomd.lock")
}

// QueueByName returns the declared queue with the given name.
func (c *Config) QueueByName(name string) (Queue, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
