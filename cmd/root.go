// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with DOCREL, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("DOCREL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/docrel", "$HOME/.docrel", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "docrel",
		Short: "Relation resolution and denormalization consistency for document collections",
		Long: `Relation resolution and denormalization consistency for document collections.

docrel keeps denormalized document snapshots consistent with their sources:
it validates schema files declaring reference, lookup, and embed relations,
and re-materializes stale embedded snapshots across a live deployment.`,
	}
}
