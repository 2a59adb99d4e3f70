package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_id]",
	Short: "Cancel a run",
	Long: `Cancel a pending or running run. A queued run is skipped when a worker
claims it; a running run stops at its next step-level boundary. Cancelling
an already finished run is a no-op.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewFlowClient(viper.GetString("url"), viper.GetString("token"))
		resp, err := client.CancelRun(args[0])
		if err != nil {
			cmd.Printf("Failed to cancel run: %v\n", err)
			return
		}
		cmd.Printf("Run %s is now %s\n", resp.ID, resp.Status)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
