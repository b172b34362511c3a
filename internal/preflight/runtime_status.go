package preflight

import (
	"context"
	"strings"

	"loom/internal/config"
)

// CheckBrokerFromConfig evaluates broker status from config and connectivity.
func CheckBrokerFromConfig(cfg *config.Config) Result {
	const name = "Broker"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.Broker.URL) == "" {
		return Result{Name: name, Detail: "Missing URL"}
	}
	return CheckBroker(context.Background(), cfg)
}

// CheckGPUFromConfig evaluates GPU service status from config and connectivity.
func CheckGPUFromConfig(cfg *config.Config) Result {
	const name = "GPU service"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.GPU.BaseURL) == "" {
		return Result{Name: name, Detail: "Not configured"}
	}
	check := CheckGPU(context.Background(), cfg.GPU)
	if check.Passed {
		return Result{Name: name, Passed: true, Detail: check.Detail}
	}
	return Result{Name: name, Detail: check.Detail}
}

// CheckCDNFromConfig evaluates CDN sink status from config and connectivity.
func CheckCDNFromConfig(cfg *config.Config) Result {
	const name = "CDN sink"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.CDN.BaseURL) == "" {
		return Result{Name: name, Detail: "Not configured"}
	}
	if strings.TrimSpace(cfg.CDN.APIKey) == "" {
		return Result{Name: name, Detail: "Missing API key"}
	}
	check := CheckCDN(context.Background(), cfg.CDN)
	if check.Passed {
		return Result{Name: name, Passed: true, Detail: check.Detail}
	}
	return Result{Name: name, Detail: check.Detail}
}
