package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/ipc"
	"loom/internal/jobaccess"
	"loom/internal/task"
)

func newJobCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newListCommand(ctx),
		newShowCommand(ctx),
		newCancelCommand(ctx),
		newPauseCommand(ctx),
		newResumeCommand(ctx),
		newPriorityCommand(ctx),
		newRestartStageCommand(ctx),
		newPurgeCommand(ctx),
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobAccess(func(access jobaccess.Access) error {
				jobsList, err := access.List(cmd.Context(), listStatuses)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, api.JobListResponse{Jobs: jobsList})
				}
				if len(jobsList) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded")
					return nil
				}
				table := renderTable(
					[]string{"ID", "Title", "Topic", "Status", "Priority", "Created"},
					buildJobListRows(jobsList),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by job status (repeatable)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("job id is required")
			}
			return ctx.withJobAccess(func(access jobaccess.Access) error {
				detail, err := access.Describe(cmd.Context(), id)
				if err != nil {
					return err
				}
				if detail == nil {
					return fmt.Errorf("job %s not found", id)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, api.JobDetailResponse{Job: *detail})
				}
				printJobDetail(cmd.OutOrStdout(), detail)
				return nil
			})
		},
	}
}

func printJobDetail(out io.Writer, detail *api.JobDetail) {
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Job "+shortJobID(detail.ID), colorize) {
		fmt.Fprintln(out, line)
	}
	printJobField(out, "ID", detail.ID)
	printJobField(out, "Title", detail.Title)
	printJobField(out, "Topic", detail.Topic)
	status := formatStatusLabel(detail.Status)
	if detail.Paused {
		status += " (paused)"
	}
	printJobField(out, "Status", status)
	printJobField(out, "Priority", formatStatusLabel(detail.Priority))
	if len(detail.RequiredStages) > 0 {
		printJobField(out, "Stages", strings.Join(detail.RequiredStages, ", "))
	}
	printJobField(out, "Correlation", detail.CorrelationID)
	printJobField(out, "Created", formatDisplayTime(detail.CreatedAt))
	printJobField(out, "Started", formatDisplayTime(detail.StartedAt))
	printJobField(out, "Finished", formatDisplayTime(detail.FinishedAt))
	if detail.FailingStage != "" {
		printJobField(out, "Failing Stage", detail.FailingStage)
	}
	if detail.ErrorMessage != "" {
		printJobField(out, "Error", detail.ErrorMessage)
	}

	if len(detail.Stages) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Stages", colorize) {
			fmt.Fprintln(out, line)
		}
		table := renderTable(
			[]string{"Stage", "Status", "Attempts", "Next Retry", "Detail"},
			buildStageRows(detail.Stages),
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		)
		fmt.Fprintln(out, table)
	}

	if len(detail.DeadLetters) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Dead Letters", colorize) {
			fmt.Fprintln(out, line)
		}
		table := renderTable(
			[]string{"Stage", "Attempts", "Critical", "Created", "Error"},
			buildDeadLetterRows(detail.DeadLetters),
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
		)
		fmt.Fprintln(out, table)
	}
}

func printJobField(out io.Writer, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(out, "%s%-*s %s\n", statusIndent, statusLabelWidth, label+":", value)
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobCancel(id)
				if err != nil {
					return err
				}
				updated := resp != nil && resp.Updated
				if ctx.JSONMode() {
					return writeJSON(cmd, api.ActionResponse{ID: id, Updated: updated})
				}
				if updated {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancel requested\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s is not cancellable\n", id)
				}
				return nil
			})
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause stage dispatch for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobPause(id)
				if err != nil {
					return err
				}
				updated := resp != nil && resp.Updated
				if ctx.JSONMode() {
					return writeJSON(cmd, api.ActionResponse{ID: id, Updated: updated})
				}
				if updated {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s paused\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s is not pausable\n", id)
				}
				return nil
			})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume stage dispatch for a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobResume(id)
				if err != nil {
					return err
				}
				updated := resp != nil && resp.Updated
				if ctx.JSONMode() {
					return writeJSON(cmd, api.ActionResponse{ID: id, Updated: updated})
				}
				if updated {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s resumed\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s is not paused\n", id)
				}
				return nil
			})
		},
	}
}

func newPriorityCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <job-id> <class>",
		Short: "Reassign a job's priority class",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			priority, err := task.ParsePriority(strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobPriority(id, priority.String())
				if err != nil {
					return err
				}
				updated := resp != nil && resp.Updated
				if ctx.JSONMode() {
					return writeJSON(cmd, api.ActionResponse{ID: id, Updated: updated})
				}
				if updated {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s priority set to %s\n", id, priority)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s priority unchanged\n", id)
				}
				return nil
			})
		},
	}
}

func newRestartStageCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart-stage <job-id> <stage> [stage...]",
		Short: "Reset stages on a job for re-execution",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			stages := cleanStageList(args[1:])
			if len(stages) == 0 {
				return errors.New("at least one stage is required")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StageRestart(id, stages)
				if err != nil {
					return err
				}
				var restarted []string
				if resp != nil {
					restarted = resp.Stages
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, api.RestartResponse{ID: id, Stages: restarted})
				}
				if len(restarted) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No stages restarted for job %s\n", id)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restarted stages for job %s: %s\n", id, strings.Join(restarted, ", "))
				return nil
			})
		},
	}
}

func newPurgeCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove terminal jobs from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobAccess(func(access jobaccess.Access) error {
				removed, err := access.Purge(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]any{"removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d jobs\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only purge jobs finished longer ago than this (0 for all terminal jobs)")
	return cmd
}
