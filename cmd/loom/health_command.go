package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/ipc"
	"loom/internal/jobaccess"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var database bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show job store health and readiness checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if database {
				return ctx.withClient(func(client *ipc.Client) error {
					resp, err := client.DatabaseHealth()
					if err != nil {
						return err
					}
					if ctx.JSONMode() {
						return writeJSON(cmd, resp)
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Database path: %s\n", resp.DBPath)
					fmt.Fprintf(out, "Database exists: %s\n", yesNo(resp.DatabaseExists))
					fmt.Fprintf(out, "Readable: %s\n", yesNo(resp.DatabaseReadable))
					if len(resp.TablesPresent) > 0 {
						tables := append([]string(nil), resp.TablesPresent...)
						sort.Strings(tables)
						fmt.Fprintf(out, "Tables present: %s\n", strings.Join(tables, ", "))
					} else {
						fmt.Fprintln(out, "Tables present: none")
					}
					fmt.Fprintf(out, "Integrity check: %s\n", yesNo(resp.IntegrityCheck))
					fmt.Fprintf(out, "Total jobs: %d\n", resp.TotalJobs)
					if resp.Error != "" {
						fmt.Fprintf(out, "Error: %s\n", resp.Error)
					}
					return nil
				})
			}

			return ctx.withJobAccess(func(access jobaccess.Access) error {
				health, err := access.Health(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Healthy: %s\n", yesNo(health.Healthy))
				fmt.Fprintf(out, "Total: %d\n", health.Total)
				fmt.Fprintf(out, "Pending: %d\n", health.Pending)
				fmt.Fprintf(out, "Active: %d\n", health.Active)
				fmt.Fprintf(out, "Degraded: %d\n", health.Degraded)
				fmt.Fprintf(out, "Completed: %d\n", health.Completed)
				fmt.Fprintf(out, "Failed: %d\n", health.Failed)
				fmt.Fprintf(out, "Dead letters: %d\n", health.DeadLetters)
				if len(health.Checks) > 0 {
					colorize := shouldColorize(out)
					fmt.Fprintln(out)
					for _, check := range health.Checks {
						kind := statusOK
						if !check.Ready {
							kind = statusError
						}
						fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&database, "database", false, "Run deep database diagnostics via the daemon")
	return cmd
}
