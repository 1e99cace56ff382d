package refresh

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/docrel/docrel/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value
// being managed by viper. This bridges the config between cobra flags and
// viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		util.MustBindPFlag(schemaFileFlag, flags.Lookup(schemaFileFlag))
		util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
		util.MustBindPFlag(datastoreDatabaseFlag, flags.Lookup(datastoreDatabaseFlag))
		util.MustBindPFlag(collectionFlag, flags.Lookup(collectionFlag))
		util.MustBindPFlag(relationFlag, flags.Lookup(relationFlag))
		util.MustBindPFlag(filterFlag, flags.Lookup(filterFlag))
		util.MustBindPFlag(batchSizeFlag, flags.Lookup(batchSizeFlag))
		util.MustBindPFlag(dryRunFlag, flags.Lookup(dryRunFlag))
		util.MustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
		util.MustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))
		util.MustBindPFlag(traceEnabledFlag, flags.Lookup(traceEnabledFlag))
		util.MustBindPFlag(traceEndpointFlag, flags.Lookup(traceEndpointFlag))
		util.MustBindPFlag(traceSampleRatioFlag, flags.Lookup(traceSampleRatioFlag))
	}
}
