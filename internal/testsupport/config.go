// Package testsupport provides shared helpers for package tests: isolated
// configurations, stores, and brokers backed by per-test temp directories.
package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// The broker defaults to the in-process memory implementation so tests never
// touch a real Redis.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Broker.URL = "memory://"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithBrokerURL overrides the broker connection string on the test config.
func WithBrokerURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Broker.URL = url
	}
}

// WithTopology replaces the declared queues and stages on the test config.
func WithTopology(queues []config.Queue, stages []config.Stage) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queues = queues
		cfg.Stages = stages
	}
}

// WithGlobalSlots overrides the process-wide dispatch slot count.
func WithGlobalSlots(slots int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workers.GlobalSlots = slots
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
