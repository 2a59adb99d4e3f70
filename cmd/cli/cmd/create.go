package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowplane/pkg/api"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a pipeline definition",
	Long: `Register a reusable pipeline definition from a YAML spec file.
The spec lists steps with handlers and optional depends_on edges; steps
without depends_on run after the previous step in file order.

With --schedule set, the controller fires the pipeline on that cron
expression (5-field, evaluated in --timezone).`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		specFile, _ := cmd.Flags().GetString("spec-file")
		if name == "" || specFile == "" {
			cmd.Println("--name and --spec-file are required")
			return
		}

		spec, err := os.ReadFile(specFile)
		if err != nil {
			cmd.Printf("Failed to read spec file: %v\n", err)
			return
		}

		schedule, _ := cmd.Flags().GetString("schedule")
		timezone, _ := cmd.Flags().GetString("timezone")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		client := NewFlowClient(viper.GetString("url"), viper.GetString("token"))
		resp, err := client.CreatePipeline(api.CreatePipelineRequest{
			Name:       name,
			Spec:       string(spec),
			Schedule:   schedule,
			Timezone:   timezone,
			MaxRetries: maxRetries,
		})
		if err != nil {
			cmd.Printf("Failed to create pipeline: %v\n", err)
			return
		}

		cmd.Printf("Pipeline created: %s\n", resp.PipelineID)
	},
}

func init() {
	createCmd.Flags().String("name", "", "Pipeline name (required)")
	createCmd.Flags().String("spec-file", "", "Path to the YAML step spec (required)")
	createCmd.Flags().String("schedule", "", "Cron expression, e.g. \"0 2 * * *\"")
	createCmd.Flags().String("timezone", "UTC", "IANA timezone for the schedule")
	createCmd.Flags().Int("max-retries", 0, "Max retries per step")

	rootCmd.AddCommand(createCmd)
}
