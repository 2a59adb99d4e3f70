package cmd

import (
	"testing"

	"github.com/spf13/viper"
)

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()

	t.Setenv("FLOWPLANE_TOKEN", "env-token-value")
	t.Setenv("FLOWPLANE_URL", "http://custom-url:8080")

	if token := viper.GetString("token"); token != "env-token-value" {
		t.Errorf("expected token from env var, got: %s", token)
	}
	if url := viper.GetString("url"); url != "http://custom-url:8080" {
		t.Errorf("expected url from env var, got: %s", url)
	}
}

func TestRootCommand_ExecuteReturnsNoError(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"--help"})
	if err := rootCmd.Execute(); err != nil {
		t.Errorf("root command should execute without error: %v", err)
	}
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	want := map[string]bool{
		"create":               false,
		"submit [pipeline_id]": false,
		"status [run_id]":      false,
		"cancel [run_id]":      false,
		"tenant":               false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Use]; ok {
			want[cmd.Use] = true
		}
	}
	for use, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered", use)
		}
	}
}

func TestExecute_ReturnsError(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"unknown-command-xyz"})
	if err := Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}
