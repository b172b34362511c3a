package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
	"loom/internal/task"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var priority string
	var stages []string
	var payload string
	var payloadFile string

	cmd := &cobra.Command{
		Use:   "submit <topic>",
		Short: "Submit a new job to the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.TrimSpace(args[0])
			if topic == "" {
				return errors.New("topic is required")
			}

			if priority != "" {
				if _, err := task.ParsePriority(priority); err != nil {
					return err
				}
			}

			body, err := resolvePayload(payload, payloadFile)
			if err != nil {
				return err
			}

			req := ipc.SubmitRequest{
				Topic:          topic,
				Payload:        body,
				Priority:       priority,
				RequiredStages: cleanStageList(stages),
			}

			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(req)
				if err != nil {
					return err
				}
				if resp == nil {
					return errors.New("empty response from daemon")
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s submitted (%s)\n", resp.ID, formatStatusLabel(resp.Status))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority class (high, medium, low)")
	cmd.Flags().StringArrayVarP(&stages, "stage", "s", nil, "Restrict the job to these stages (repeatable)")
	cmd.Flags().StringVar(&payload, "payload", "", "Inline JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the JSON payload from a file (- for stdin)")
	return cmd
}

func resolvePayload(inline, file string) (json.RawMessage, error) {
	inline = strings.TrimSpace(inline)
	file = strings.TrimSpace(file)
	if inline != "" && file != "" {
		return nil, errors.New("specify only one of --payload or --payload-file")
	}

	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		raw = data
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	default:
		return nil, nil
	}

	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

func cleanStageList(stages []string) []string {
	cleaned := make([]string, 0, len(stages))
	for _, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage != "" {
			cleaned = append(cleaned, stage)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}
