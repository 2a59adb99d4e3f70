// Package main is the entry point for the flowplane CLI.
// The CLI is the developer terminal tool for interacting with the flowplane API.
package main

import (
	"os"

	"flowplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
