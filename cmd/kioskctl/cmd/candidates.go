package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var candidatesCmd = &cobra.Command{
	Use:     "candidates",
	Aliases: []string{"updates"},
	Short:   "List available installs and updates",
	Long:    `Show the update candidates computed at the agent's last catalog sync. Use --sync to sync first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		if doSync, _ := cmd.Flags().GetBool("sync"); doSync {
			if _, err := client.Sync(); err != nil {
				return fmt.Errorf("error syncing catalog: %w", err)
			}
		}

		resp, err := client.ListCandidates()
		if err != nil {
			return fmt.Errorf("error fetching candidates: %w", err)
		}

		if resp.LastError != "" {
			cmd.Printf("%sLast sync failed: %s%s\n", colorRed, resp.LastError, colorReset)
		}
		if resp.SyncedAt == nil {
			cmd.Println("Catalog has not been synced yet.")
			return nil
		}
		if len(resp.Candidates) == 0 {
			cmd.Printf("All packages are up to date (synced %s ago).\n", relativeTime(*resp.SyncedAt))
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PACKAGE\tNAME\tKIND\tINSTALLED\tTARGET\tSIZE\tAUTO")
		for _, c := range resp.Candidates {
			installed := "-"
			if c.InstalledVersionCode >= 0 && c.Kind != "NEW" {
				installed = fmt.Sprint(c.InstalledVersionCode)
			}
			auto := ""
			if c.AutoUpdate {
				auto = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s (%d)\t%s\t%s\n",
				c.PackageName,
				c.DisplayName,
				c.Kind,
				installed,
				c.TargetVersionName,
				c.TargetVersionCode,
				formatBytes(c.FileSizeBytes),
				auto,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(candidatesCmd)
	candidatesCmd.Flags().Bool("sync", false, "Sync with the fleet API before listing")
}
