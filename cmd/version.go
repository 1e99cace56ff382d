package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/docrel/docrel/internal/build"
)

// NewVersionCommand returns the command to get the docrel version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the docrel version",
		Long:  "Return the docrel version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("docrel Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
