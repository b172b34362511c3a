// Command loomd runs the loom daemon in the foreground. It is the
// deployment-friendly entrypoint for process supervisors; interactive use
// normally goes through `loom start`, which launches the same daemon loop in
// the background.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"loom/internal/config"
	"loom/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	socketPath := flag.String("socket", "", "Override the IPC socket path")
	development := flag.Bool("development", false, "Enable development logging with source locations")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := strings.TrimSpace(*logLevel)
	if level == "" {
		level = cfg.Logging.Level
	}

	opts := daemonrun.Options{
		LogLevel:    level,
		Development: *development,
		SocketPath:  strings.TrimSpace(*socketPath),
	}
	if err := daemonrun.Run(context.Background(), cfg, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
