package config

import (
	"errors"
	"fmt"
	"strings"
)

var validPriorities = map[string]struct{}{
	"high":   {},
	"medium": {},
	"low":    {},
}

// Validate ensures the configuration is usable. Graph-level checks (dependency
// existence, acyclicity, queue class consistency) belong to the pipeline
// package; this covers structural and referential integrity.
func (c *Config) Validate() error {
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateServices(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBroker() error {
	url := c.Broker.URL
	if url == "" {
		return errors.New("broker.url must be set")
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") && !strings.HasPrefix(url, "memory://") {
		return fmt.Errorf("broker.url must use redis://, rediss://, or memory:// scheme, got %q", url)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if err := ensurePositiveMap(map[string]int{
		"workers.global_slots":        c.Workers.GlobalSlots,
		"workers.retry_poll_interval": c.Workers.RetryPollInterval,
		"workers.redispatch_interval": c.Workers.RedispatchInterval,
		"broker.pop_timeout":          c.Broker.PopTimeout,
		"broker.flag_ttl":             c.Broker.FlagTTL,
	}); err != nil {
		return err
	}
	if c.Workers.HeartbeatInterval <= 0 {
		return errors.New("workers.heartbeat_interval must be positive")
	}
	if c.Workers.HeartbeatTimeout <= 0 {
		return errors.New("workers.heartbeat_timeout must be positive")
	}
	if c.Workers.HeartbeatTimeout <= c.Workers.HeartbeatInterval {
		return errors.New("workers.heartbeat_timeout must be greater than workers.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateServices() error {
	if strings.TrimSpace(c.GPU.BaseURL) == "" {
		return errors.New("gpu.base_url must be set")
	}
	if err := ensurePositiveMap(map[string]int{
		"gpu.request_timeout":           c.GPU.RequestTimeout,
		"gpu.poll_interval":             c.GPU.PollInterval,
		"cdn.request_timeout":           c.CDN.RequestTimeout,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
		"retention.window_days":         c.Retention.WindowDays,
		"retention.sweep_interval":      c.Retention.SweepInterval,
	}); err != nil {
		return err
	}
	for _, stage := range c.Stages {
		if stage.Operation == "upload" && strings.TrimSpace(c.CDN.BaseURL) == "" {
			return fmt.Errorf("cdn.base_url must be set: stage %q uses the upload operation", stage.Name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateQueues() error {
	if len(c.Queues) == 0 {
		return errors.New("at least one [[queues]] entry must be declared")
	}
	seen := make(map[string]struct{}, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errors.New("queues: name must be set")
		}
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("queues: duplicate queue %q", q.Name)
		}
		seen[q.Name] = struct{}{}
		if _, ok := validPriorities[q.Priority]; !ok {
			return fmt.Errorf("queues: queue %q priority must be high, medium, or low, got %q", q.Name, q.Priority)
		}
		if q.Concurrency <= 0 {
			return fmt.Errorf("queues: queue %q concurrency must be positive", q.Name)
		}
	}
	return nil
}

func (c *Config) validateStages() error {
	if len(c.Stages) == 0 {
		return errors.New("at least one [[stages]] entry must be declared")
	}
	seen := make(map[string]struct{}, len(c.Stages))
	for _, stage := range c.Stages {
		if stage.Name == "" {
			return errors.New("stages: name must be set")
		}
		if _, dup := seen[stage.Name]; dup {
			return fmt.Errorf("stages: duplicate stage %q", stage.Name)
		}
		seen[stage.Name] = struct{}{}
		if _, ok := c.QueueByName(stage.Queue); !ok {
			return fmt.Errorf("stages: stage %q references undeclared queue %q", stage.Name, stage.Queue)
		}
		if err := ensurePositiveMap(map[string]int{
			fmt.Sprintf("stages.%s.max_attempts", stage.Name): stage.MaxAttempts,
			fmt.Sprintf("stages.%s.backoff_base", stage.Name): stage.BackoffBase,
			fmt.Sprintf("stages.%s.backoff_cap", stage.Name):  stage.BackoffCap,
			fmt.Sprintf("stages.%s.timeout", stage.Name):      stage.Timeout,
		}); err != nil {
			return err
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
