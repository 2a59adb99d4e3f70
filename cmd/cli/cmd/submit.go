package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowplane/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit [pipeline_id]",
	Short: "Submit a run of a pipeline",
	Long: `Submit a new run of a registered pipeline. The run is queued and a
worker picks it up. If the pipeline's previous run is still active, the
submission is rejected and the holder's run ID is printed instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pipelineID := args[0]

		rawParams, _ := cmd.Flags().GetStringSlice("param")
		params := make(map[string]string, len(rawParams))
		for _, kv := range rawParams {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				cmd.Printf("Invalid --param %q, expected key=value\n", kv)
				return
			}
			params[key] = value
		}

		req := api.SubmitRunRequest{Params: params}
		if cmd.Flags().Changed("priority") {
			priority, _ := cmd.Flags().GetInt("priority")
			req.Priority = &priority
		}

		client := NewFlowClient(viper.GetString("url"), viper.GetString("token"))
		resp, err := client.SubmitRun(pipelineID, req)
		if err != nil {
			cmd.Printf("Failed to submit run: %v\n", err)
			return
		}

		if resp.Status == "ALREADY_RUNNING" {
			cmd.Printf("Pipeline is already running (run %s)\n", resp.RunID)
			return
		}
		cmd.Printf("Run submitted: %s\n", resp.RunID)
	},
}

func init() {
	submitCmd.Flags().StringSlice("param", nil, "Run parameter as key=value (repeatable)")
	submitCmd.Flags().Int("priority", api.PriorityNormal, "Queue priority 0-100")

	rootCmd.AddCommand(submitCmd)
}
