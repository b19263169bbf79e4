package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit        int
		playbookName string
		status       string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted runs",
		Long: `List runs persisted with forge run --store, newest first.

The STEPS column shows succeeded/total. Runs that halted or rolled back are
marked in NOTES.`,
		Example: `  # Show the last 20 runs
  forge history

  # Show more runs for one playbook
  forge history --limit 50 --playbook deploy-web

  # Show only failed runs
  forge history --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := stores.RunFilter{
				Playbook: playbookName,
				Status:   stores.RunStatus(status),
			}
			runs, err := store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLAYBOOK\tSTATUS\tSTARTED\tDURATION\tSTEPS\tNOTES")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					shortID(run.ID),
					run.Playbook,
					run.Status,
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					runDuration(run),
					run.SucceededSteps, run.TotalSteps,
					runNotes(run),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&playbookName, "playbook", "", "only runs of this playbook")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (succeeded, failed, cancelled)")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runDuration(run *stores.RunRecord) string {
	if run.FinishedAt == nil {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func runNotes(run *stores.RunRecord) string {
	switch {
	case run.Halted && run.RollbackPerformed:
		return "halted, rolled back"
	case run.Halted:
		return "halted"
	case run.RollbackPerformed:
		return "rolled back"
	}
	return ""
}
