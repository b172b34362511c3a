package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"loom/internal/broker"
	"loom/internal/config"
	"loom/internal/services/cdn"
	"loom/internal/services/gpu"
)

// CheckBroker verifies that the configured broker answers a ping.
func CheckBroker(ctx context.Context, cfg *config.Config) Result {
	const name = "Broker"

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	bus, err := broker.Open(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	defer bus.Close()

	if err := bus.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeServiceError("broker", err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// CheckGPU verifies that the GPU inference service is reachable.
// It uses a 30-second timeout and a single attempt (no retries).
func CheckGPU(ctx context.Context, cfg config.GPU) Result {
	const name = "GPU service"

	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Result{Name: name, Detail: "base url missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := gpu.NewClient(gpu.Config{
		BaseURL:        cfg.BaseURL,
		TimeoutSeconds: cfg.RequestTimeout,
	}, gpu.WithRetryMaxAttempts(1))

	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeServiceError("GPU service", err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckCDN verifies CDN sink connectivity and authentication.
func CheckCDN(ctx context.Context, cfg config.CDN) Result {
	const name = "CDN sink"

	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Result{Name: name, Detail: "base url missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := cdn.NewClient(cdn.Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		TimeoutSeconds: cfg.RequestTimeout,
	})

	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeServiceError("CDN sink", err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// summarizeServiceError produces a human-readable summary for service health
// check failures.
func summarizeServiceError(service string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("health check timed out (%s unresponsive)", service)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("health check timed out (%s unreachable)", service)
	}
	return err.Error()
}
