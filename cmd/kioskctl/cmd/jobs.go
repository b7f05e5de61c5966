package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"appfleet/pkg/api"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List queued and running install jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := newClient().ListJobs()
		if err != nil {
			return fmt.Errorf("error fetching jobs: %w", err)
		}
		if len(jobs) == 0 {
			cmd.Println("No install jobs queued.")
			return nil
		}
		return printJobTable(cmd.OutOrStdout(), jobs, false)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished install jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := newClient().History(limit)
		if err != nil {
			return fmt.Errorf("error fetching history: %w", err)
		}
		if len(jobs) == 0 {
			cmd.Println("No finished jobs.")
			return nil
		}
		return printJobTable(cmd.OutOrStdout(), jobs, true)
	},
}

func printJobTable(out io.Writer, jobs []api.JobResponse, finished bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	if finished {
		fmt.Fprintln(w, "JOB ID\tPACKAGE\tTARGET\tSTATE\tATTEMPTS\tFINISHED\tERROR")
	} else {
		fmt.Fprintln(w, "JOB ID\tPACKAGE\tTARGET\tSTATE\tATTEMPT\tNEXT TRY")
	}
	for _, j := range jobs {
		if finished {
			finishedAt := ""
			if j.FinishedAt != nil {
				finishedAt = j.FinishedAt.Format(time.RFC3339)
			}
			errMsg := j.ErrorCode
			if len(errMsg) > 50 {
				errMsg = errMsg[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
				j.ID, j.PackageName, j.TargetVersionCode, j.State, j.Attempt, finishedAt, errMsg)
			continue
		}

		next := ""
		if j.NotBefore != nil && j.NotBefore.After(time.Now()) {
			next = "in " + formatDuration(time.Until(*j.NotBefore).Round(time.Second))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			j.ID, j.PackageName, j.TargetVersionCode, j.State, j.Attempt, next)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "l", 20, "Number of jobs to show")
}
