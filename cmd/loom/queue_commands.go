package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
)

func newQueuesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show configured queues with live ready depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Queues()
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				if resp == nil || len(resp.Queues) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No queues configured")
					return nil
				}
				rows := make([][]string, 0, len(resp.Queues))
				for _, q := range resp.Queues {
					rows = append(rows, []string{
						q.Name,
						formatStatusLabel(q.Priority),
						fmt.Sprintf("%d", q.Concurrency),
						fmt.Sprintf("%d", q.Depth),
					})
				}
				table := renderTable(
					[]string{"Queue", "Priority", "Workers", "Ready"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate job, stage, and queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stats()
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				for _, line := range renderSectionHeader("Jobs", colorize) {
					fmt.Fprintln(out, line)
				}
				jobRows := buildJobStatusRows(resp.Jobs)
				if len(jobRows) == 0 {
					fmt.Fprintln(out, "No jobs recorded")
				} else {
					table := renderTable([]string{"Status", "Count"}, jobRows, []columnAlignment{alignLeft, alignRight})
					fmt.Fprintln(out, table)
				}

				stageRows := buildStageStatusRows(resp.Stages)
				if len(stageRows) > 0 {
					fmt.Fprintln(out)
					for _, line := range renderSectionHeader("Stages", colorize) {
						fmt.Fprintln(out, line)
					}
					table := renderTable([]string{"Status", "Count"}, stageRows, []columnAlignment{alignLeft, alignRight})
					fmt.Fprintln(out, table)
				}

				depthRows := buildQueueDepthRows(resp.QueueDepths)
				if len(depthRows) > 0 {
					fmt.Fprintln(out)
					for _, line := range renderSectionHeader("Queue Depths", colorize) {
						fmt.Fprintln(out, line)
					}
					table := renderTable([]string{"Queue", "Ready"}, depthRows, []columnAlignment{alignLeft, alignRight})
					fmt.Fprintln(out, table)
				}

				fmt.Fprintln(out)
				fmt.Fprintf(out, "Dead letters: %d\n", resp.DeadLetters)
				return nil
			})
		},
	}
}

func buildStageStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStatusLabel(key), fmt.Sprintf("%d", stats[key])})
	}
	return rows
}
