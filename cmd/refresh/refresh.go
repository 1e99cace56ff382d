// Package refresh contains the command re-materializing stale embed
// snapshots across a live deployment.
package refresh

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/internal/build"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/relations"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/storage/mongodb"
	"github.com/docrel/docrel/pkg/telemetry"
)

const (
	schemaFileFlag        = "schema-file"
	datastoreURIFlag      = "datastore-uri"
	datastoreDatabaseFlag = "datastore-database"
	collectionFlag        = "collection"
	relationFlag          = "relation"
	filterFlag            = "filter"
	batchSizeFlag         = "batch-size"
	dryRunFlag            = "dry-run"
	logFormatFlag         = "log-format"
	logLevelFlag          = "log-level"
	traceEnabledFlag      = "trace-enabled"
	traceEndpointFlag     = "trace-otlp-endpoint"
	traceSampleRatioFlag  = "trace-sample-ratio"
)

// NewRefreshCommand returns the command recomputing one embed relation's
// snapshots across every matching document of a collection. This is the
// maintenance path for embeds gone stale outside the normal propagation
// flow, e.g. after bulk loads that bypassed the engine.
func NewRefreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-materialize the embedded snapshots of one relation",
		Long: `Re-materialize the embedded snapshots of one embed relation, page by page.

Documents are visited in identifier order; per-document failures are counted
and skipped. With --dry-run the command reports what a live run would update
without writing anything.`,
		RunE: runRefresh,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()

	flags.String(schemaFileFlag, "", "(required) path to the schema file declaring collections and relations")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the MongoDB deployment (e.g. 'mongodb://localhost:27017')")
	flags.String(datastoreDatabaseFlag, "", "(optional) the database holding the collections (defaults to 'docrel')")
	flags.String(collectionFlag, "", "(required) the collection whose embeds are refreshed")
	flags.String(relationFlag, "", "(required) the embed relation to refresh")
	flags.String(filterFlag, "", "(optional) an extended-JSON filter restricting the documents visited")
	flags.Int64(batchSizeFlag, storage.DefaultPageSize, "the number of documents visited per page")
	flags.Bool(dryRunFlag, false, "recompute and count without persisting anything")
	flags.String(logFormatFlag, "text", "the log format to output logs in ('text' or 'json')")
	flags.String(logLevelFlag, "info", "the log level to use")
	flags.Bool(traceEnabledFlag, false, "enable tracing of the refresh run")
	flags.String(traceEndpointFlag, "0.0.0.0:4317", "the OTLP grpc endpoint traces are exported to")
	flags.Float64(traceSampleRatioFlag, 0.2, "the fraction of traces to sample")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	schemaFile := viper.GetString(schemaFileFlag)
	uri := viper.GetString(datastoreURIFlag)
	database := viper.GetString(datastoreDatabaseFlag)
	collection := viper.GetString(collectionFlag)
	relation := viper.GetString(relationFlag)
	rawFilter := viper.GetString(filterFlag)
	batchSize := viper.GetInt64(batchSizeFlag)
	dryRun := viper.GetBool(dryRunFlag)

	if schemaFile == "" || uri == "" || collection == "" || relation == "" {
		return fmt.Errorf("--%s, --%s, --%s, and --%s are required",
			schemaFileFlag, datastoreURIFlag, collectionFlag, relationFlag)
	}

	log := logger.MustNewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))

	if viper.GetBool(traceEnabledFlag) {
		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(viper.GetString(traceEndpointFlag)),
			telemetry.WithSamplingRatio(viper.GetFloat64(traceSampleRatioFlag)),
			telemetry.WithServiceName(build.ProjectName),
		)
		defer func() {
			_ = tp.ForceFlush(ctx)
			_ = tp.Shutdown(ctx)
		}()
	}

	reg, err := schema.LoadFile(schemaFile)
	if err != nil {
		return err
	}

	var filter storage.Document
	if rawFilter != "" {
		if err := bson.UnmarshalExtJSON([]byte(rawFilter), false, &filter); err != nil {
			return fmt.Errorf("parse --%s: %w", filterFlag, err)
		}
	}

	ds, err := mongodb.New(uri, &mongodb.Config{Database: database, Logger: log})
	if err != nil {
		return err
	}
	defer ds.Close()

	refresher := relations.NewRefresher(reg, ds, ds, relations.WithRefresherLogger(log))
	result, err := refresher.RefreshCollection(ctx, collection, relation, relations.BatchOptions{
		Filter:    filter,
		BatchSize: batchSize,
		DryRun:    dryRun,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
