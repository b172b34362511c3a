package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBroker()
	c.normalizeWorkers()
	c.normalizeServices()
	c.normalizeRetention()
	c.normalizeLogging()
	c.normalizeTopology()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeBroker() {
	c.Broker.URL = strings.TrimSpace(c.Broker.URL)
	if c.Broker.URL == "" {
		if value, ok := os.LookupEnv("REDIS_URL"); ok {
			c.Broker.URL = strings.TrimSpace(value)
		}
	}
	if c.Broker.URL == "" {
		c.Broker.URL = defaultBrokerURL
	}
	c.Broker.Namespace = strings.TrimSpace(c.Broker.Namespace)
	if c.Broker.Namespace == "" {
		c.Broker.Namespace = defaultBrokerNamespace
	}
	if c.Broker.PopTimeout <= 0 {
		c.Broker.PopTimeout = defaultBrokerPopTimeout
	}
	if c.Broker.FlagTTL <= 0 {
		c.Broker.FlagTTL = defaultBrokerFlagTTL
	}
}

func (c *Config) normalizeWorkers() {
	if c.Workers.GlobalSlots <= 0 {
		c.Workers.GlobalSlots = defaultGlobalSlots
	}
	if c.Workers.HeartbeatInterval <= 0 {
		c.Workers.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workers.HeartbeatTimeout <= 0 {
		c.Workers.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Workers.RetryPollInterval <= 0 {
		c.Workers.RetryPollInterval = defaultRetryPollInterval
	}
	if c.Workers.RedispatchInterval <= 0 {
		c.Workers.RedispatchInterval = defaultRedispatchInterval
	}
}

func (c *Config) normalizeServices() {
	c.GPU.BaseURL = strings.TrimRight(strings.TrimSpace(c.GPU.BaseURL), "/")
	if c.GPU.RequestTimeout <= 0 {
		c.GPU.RequestTimeout = defaultGPURequestTimeout
	}
	if c.GPU.PollInterval <= 0 {
		c.GPU.PollInterval = defaultGPUPollInterval
	}

	c.CDN.BaseURL = strings.TrimRight(strings.TrimSpace(c.CDN.BaseURL), "/")
	c.CDN.APIKey = strings.TrimSpace(c.CDN.APIKey)
	if c.CDN.APIKey == "" {
		if value, ok := os.LookupEnv("CDN_API_KEY"); ok {
			c.CDN.APIKey = strings.TrimSpace(value)
		}
	}
	if c.CDN.RequestTimeout <= 0 {
		c.CDN.RequestTimeout = defaultCDNRequestTimeout
	}
}

func (c *Config) normalizeRetention() {
	if c.Retention.WindowDays <= 0 {
		c.Retention.WindowDays = defaultRetentionDays
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = defaultRetentionSweep
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeTopology() {
	for i := range c.Queues {
		c.Queues[i].Name = strings.TrimSpace(c.Queues[i].Name)
		c.Queues[i].Priority = strings.ToLower(strings.TrimSpace(c.Queues[i].Priority))
		if c.Queues[i].Priority == "" {
			c.Queues[i].Priority = "medium"
		}
		if c.Queues[i].Concurrency <= 0 {
			c.Queues[i].Concurrency = 1
		}
	}
	for i := range c.Stages {
		stage := &c.Stages[i]
		stage.Name = strings.TrimSpace(stage.Name)
		stage.Queue = strings.TrimSpace(stage.Queue)
		if stage.Queue == "" {
			stage.Queue = stage.Name
		}
		stage.Operation = strings.TrimSpace(stage.Operation)
		if stage.Operation == "" {
			stage.Operation = stage.Name
		}
		deps := make([]string, 0, len(stage.DependsOn))
		for _, dep := range stage.DependsOn {
			if trimmed := strings.TrimSpace(dep); trimmed != "" {
				deps = append(deps, trimmed)
			}
		}
		stage.DependsOn = deps
		if stage.MaxAttempts <= 0 {
			stage.MaxAttempts = 3
		}
		if stage.BackoffBase <= 0 {
			stage.BackoffBase = 2
		}
		if stage.BackoffCap <= 0 {
			stage.BackoffCap = 300
		}
		if stage.Timeout <= 0 {
			stage.Timeout = 300
		}
	}
}
