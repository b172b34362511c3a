package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/logs"
	"loom/internal/logstream"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	var jobID string
	var component string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			apiClient, err := logs.NewStreamClient(cfg.Paths.APIBind, cfg.Paths.APIToken)
			if err != nil {
				return err
			}

			opts := logstream.Options{
				Lines:  lines,
				Follow: follow,
				Filters: logstream.Filters{
					JobID:     strings.TrimSpace(jobID),
					Component: strings.TrimSpace(component),
				},
			}

			out := cmd.OutOrStdout()
			onEvent := func(evt api.LogEvent) {
				fmt.Fprintln(out, formatLogEvent(evt))
			}
			onLine := func(line string) {
				fmt.Fprintln(out, line)
			}

			var legacy logstream.TailClient
			client, dialErr := ctx.dialClient()
			if dialErr == nil {
				defer client.Close()
				legacy = client
			}

			printed, err := logstream.Stream(cmd.Context(), apiClient, legacy, opts, onEvent, onLine)
			if err != nil {
				if errors.Is(err, logstream.ErrFiltersRequireAPI) {
					return errors.New("log filters require the HTTP API; set api_bind in the configuration and restart the daemon")
				}
				if errors.Is(err, logs.ErrAPIUnavailable) && dialErr != nil {
					return dialErr
				}
				return err
			}
			if !printed && !follow {
				fmt.Fprintln(out, "No log entries available")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show events for this job id")
	cmd.Flags().StringVar(&component, "component", "", "Only show events from this component")
	return cmd
}

func formatLogEvent(evt api.LogEvent) string {
	ts := evt.Timestamp.Format("2006-01-02 15:04:05")
	level := strings.ToUpper(strings.TrimSpace(evt.Level))
	if level == "" {
		level = "INFO"
	}
	parts := []string{ts, level}
	if component := strings.TrimSpace(evt.Component); component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", component))
	}
	line := strings.Join(parts, " ")
	if subject := composeSubject(evt.JobID, evt.Stage); subject != "" {
		line += " " + subject
	}
	if message := strings.TrimSpace(evt.Message); message != "" {
		line += " – " + message
	}

	details := make([]string, 0, len(evt.Fields)+2)
	if queue := strings.TrimSpace(evt.Queue); queue != "" {
		details = append(details, "queue: "+queue)
	}
	if correlation := strings.TrimSpace(evt.CorrelationID); correlation != "" {
		details = append(details, "correlation: "+correlation)
	}
	if len(evt.Fields) > 0 {
		keys := make([]string, 0, len(evt.Fields))
		for key := range evt.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(evt.Fields[key])
			if value == "" {
				continue
			}
			details = append(details, key+": "+value)
		}
	}
	if len(details) == 0 {
		return line
	}

	builder := strings.Builder{}
	builder.WriteString(line)
	for _, detail := range details {
		builder.WriteString("\n    - ")
		builder.WriteString(detail)
	}
	return builder.String()
}

func composeSubject(jobID, stage string) string {
	jobID = strings.TrimSpace(jobID)
	stage = strings.TrimSpace(stage)
	switch {
	case jobID != "" && stage != "":
		return fmt.Sprintf("Job %s (%s)", shortJobID(jobID), stage)
	case jobID != "":
		return fmt.Sprintf("Job %s", shortJobID(jobID))
	default:
		return stage
	}
}
