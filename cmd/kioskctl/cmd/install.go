package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install [package_name]",
	Short: "Install or update a package from the last candidate list",
	Long: `Queue an install job for the package's current update candidate. Manual
installs run ahead of automatic updates. If the package already has an
unfinished job, that job is shown instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Install(args[0])
		if err != nil {
			return fmt.Errorf("error queueing install: %w", err)
		}

		if resp.Created {
			cmd.Printf("Install of %s queued.\n", args[0])
		} else {
			cmd.Printf("%s already has a pending job.\n", args[0])
		}
		cmd.Printf("   Job ID: %s\n", resp.JobID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel an install job",
	Long:  `Cancel a queued or running install job. A job in the middle of a platform install session is cancelled once the session reports back.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CancelJob(args[0]); err != nil {
			return fmt.Errorf("error cancelling job: %w", err)
		}
		cmd.Printf("Cancellation of job %s requested.\n", args[0])
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the release catalog now",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().Sync()
		if err != nil {
			return fmt.Errorf("error syncing catalog: %w", err)
		}
		cmd.Printf("Catalog synced: %d candidates, %d automatic updates queued.\n", res.Candidates, res.Enqueued)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(syncCmd)
}
