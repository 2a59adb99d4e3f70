package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long: `Retrieve detailed status for a pipeline run, including its current
state (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED), timestamps, and the
per-step execution records.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewFlowClient(viper.GetString("url"), viper.GetString("token"))
		run, err := client.GetRun(args[0])
		if err != nil {
			cmd.Printf("Failed to fetch run: %v\n", err)
			return
		}
		printRun(cmd, run)
	},
}

func printRun(cmd *cobra.Command, run *api.RunResponse) {
	cmd.Printf("%s %sRun Details%s\n", statusIcon(run.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sPipeline:%s    %s\n", colorDim, colorReset, run.PipelineID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))

	if run.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *run.Error, colorReset)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&run.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	if run.StartedAt != nil && run.EndedAt != nil {
		duration := run.EndedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.EndedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.EndedAt))
	}

	if len(run.Steps) > 0 {
		cmd.Println()
		cmd.Printf("%sSteps%s\n", colorBold, colorReset)
		for _, step := range run.Steps {
			line := fmt.Sprintf("  %s %s (attempts: %d)", statusIcon(step.Status), step.StepID, step.AttemptCount)
			if step.Error != nil {
				line += fmt.Sprintf(" %s%s%s", colorRed, *step.Error, colorReset)
			}
			cmd.Println(line)
		}
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

func statusIcon(status string) string {
	switch status {
	case "COMPLETED":
		return colorGreen + "✓" + colorReset
	case "FAILED":
		return colorRed + "✗" + colorReset
	case "CANCELLED":
		return colorYellow + "⊘" + colorReset
	case "RUNNING":
		return colorYellow + "⏳" + colorReset
	case "PENDING":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "COMPLETED":
		return icon + " " + colorGreen + status + colorReset
	case "FAILED":
		return icon + " " + colorRed + status + colorReset
	case "CANCELLED", "RUNNING":
		return icon + " " + colorYellow + status + colorReset
	case "PENDING":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
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
