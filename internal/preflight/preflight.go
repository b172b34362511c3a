package preflight

import (
	"context"
	"strings"

	"loom/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding endpoint is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// Data and staging directories (always checked)
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir))

	// Broker (always checked; the in-memory scheme always passes)
	results = append(results, CheckBroker(ctx, cfg))

	// GPU inference service
	if strings.TrimSpace(cfg.GPU.BaseURL) != "" {
		results = append(results, CheckGPU(ctx, cfg.GPU))
	}

	// CDN sink
	if strings.TrimSpace(cfg.CDN.BaseURL) != "" {
		results = append(results, CheckCDN(ctx, cfg.CDN))
	}

	return results
}

// AllPassed reports whether every mandatory check in results passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
