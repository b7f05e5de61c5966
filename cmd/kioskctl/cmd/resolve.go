package cmd

import (
	"errors"
	"fmt"

	"appfleet/pkg/api"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [job_id]",
	Short: "Report the outcome of an install awaiting user confirmation",
	Long: `Jobs in INSTALL_PENDING_USER_ACTION wait until the platform's confirmation
dialog is answered. Report the answer with --success, or with --failed and the
platform status code.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		success, _ := cmd.Flags().GetBool("success")
		failed, _ := cmd.Flags().GetBool("failed")
		if success == failed {
			return errors.New("exactly one of --success or --failed is required")
		}
		code, _ := cmd.Flags().GetInt("code")
		message, _ := cmd.Flags().GetString("message")

		req := api.ResolveRequest{Success: success, Code: code, Message: message}
		if err := newClient().ResolveJob(args[0], req); err != nil {
			return fmt.Errorf("error resolving job: %w", err)
		}

		outcome := "succeeded"
		if failed {
			outcome = "failed"
		}
		cmd.Printf("Job %s marked as %s.\n", args[0], outcome)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().Bool("success", false, "The install completed")
	resolveCmd.Flags().Bool("failed", false, "The install did not complete")
	resolveCmd.Flags().Int("code", 0, "Platform status code of a failed install")
	resolveCmd.Flags().StringP("message", "m", "", "Failure detail")
}
