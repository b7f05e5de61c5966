package cmd

import (
	"fmt"
	"time"

	"appfleet/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of an install job",
	Long:  `Retrieve detailed status information for an install job, including its state, attempt count, last error and download progress.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().GetJob(args[0])
		if err != nil {
			return fmt.Errorf("error fetching job: %w", err)
		}
		printStatus(cmd, *job)
		return nil
	},
}

func printStatus(cmd *cobra.Command, job api.JobResponse) {
	icon := statusIcon(job.State)
	cmd.Printf("%s %sInstall Job%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sPackage:%s     %s\n", colorDim, colorReset, job.PackageName)
	cmd.Printf("%sTarget:%s      %s (%d)\n", colorDim, colorReset, job.TargetVersionName, job.TargetVersionCode)
	cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, colorizeStatus(job.State))
	cmd.Printf("%sAttempt:%s     %d\n", colorDim, colorReset, job.Attempt)

	if job.Progress != nil {
		cmd.Printf("%sProgress:%s    %s\n", colorDim, colorReset, formatProgress(*job.Progress))
	}
	if job.NotBefore != nil {
		cmd.Printf("%sNext Try:%s    %s\n", colorDim, colorReset, job.NotBefore.Local().Format("Mon, 02 Jan 2006 15:04:05 MST"))
	}
	if job.LastError != "" {
		code := job.ErrorCode
		if job.PlatformCode != 0 {
			code = fmt.Sprintf("%s, platform code %d", code, job.PlatformCode)
		}
		cmd.Printf("%sError:%s       %s%s (%s)%s\n", colorDim, colorReset, colorRed, job.LastError, code, colorReset)
	}

	cmd.Printf("%sQueued:%s      %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))
	if job.FinishedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(job.FinishedAt),
			colorCyan, formatDuration(job.FinishedAt.Sub(job.CreatedAt)), colorReset)
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(state string) string {
	switch state {
	case "SUCCEEDED":
		return colorGreen + "✓" + colorReset
	case "FAILED":
		return colorRed + "✗" + colorReset
	case "CANCELLED":
		return colorDim + "⊘" + colorReset
	case "QUEUED":
		return colorCyan + "◯" + colorReset
	case "INSTALL_PENDING_USER_ACTION":
		return colorYellow + "!" + colorReset
	default:
		return colorYellow + "⏳" + colorReset
	}
}

func colorizeStatus(state string) string {
	icon := statusIcon(state)
	switch state {
	case "SUCCEEDED":
		return icon + " " + colorGreen + state + colorReset
	case "FAILED":
		return icon + " " + colorRed + state + colorReset
	case "QUEUED":
		return icon + " " + colorCyan + state + colorReset
	case "CANCELLED":
		return icon + " " + state
	default:
		return icon + " " + colorYellow + state + colorReset
	}
}

func formatProgress(p api.ProgressResponse) string {
	if p.TotalBytes <= 0 {
		return formatBytes(p.BytesDone)
	}
	pct := float64(p.BytesDone) * 100 / float64(p.TotalBytes)
	return fmt.Sprintf("%s / %s (%.0f%%)", formatBytes(p.BytesDone), formatBytes(p.TotalBytes), pct)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Local().Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
