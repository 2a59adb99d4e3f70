package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Flowctl is a command line tool for interacting with the flowplane platform",
	Long: `flowctl is the command-line interface for the Flowplane pipeline orchestration platform.

Flowplane is a multi-tenant platform for defining, scheduling, and executing
batch pipelines as step graphs. Each pipeline runs at most once at a time,
admission is guarded by per-tenant quotas, and workers pull queued runs and
execute the steps level by level.

Common workflows:

  Register a pipeline:
    flowctl create --name "nightly-etl" --spec-file pipeline.yaml --schedule "0 2 * * *"

  Submit a run:
    flowctl submit <pipeline-id> --param table=orders --priority 75

  Check run status:
    flowctl status <run-id>

  Cancel a run:
    flowctl cancel <run-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    FLOWPLANE_URL      API endpoint (default: http://localhost:7070)
    FLOWPLANE_TOKEN    Tenant API key for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".flowctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".flowctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FLOWPLANE_VARNAME"
	viper.SetEnvPrefix("FLOWPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flowctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7070", "Flowplane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
