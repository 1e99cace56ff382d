package main

import (
	"os"

	"github.com/docrel/docrel/cmd"
	"github.com/docrel/docrel/cmd/refresh"
	"github.com/docrel/docrel/cmd/validate"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	refreshCmd := refresh.NewRefreshCommand()
	rootCmd.AddCommand(refreshCmd)

	validateCmd := validate.NewValidateCommand()
	rootCmd.AddCommand(validateCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
