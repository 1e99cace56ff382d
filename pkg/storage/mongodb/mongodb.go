// Package mongodb provides a MongoDB backed implementation of
// [storage.DocumentStore].
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docrel/docrel/internal/build"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

var tracer = otel.Tracer("docrel/pkg/storage/mongodb")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mongodb."+name)
}

// Config configures the MongoDB datastore.
type Config struct {
	// Database is the database holding every collection the engine
	// touches. Defaults to the project name.
	Database string

	MaxPoolSize uint64
	MinPoolSize uint64

	Logger logger.Logger
}

// Datastore provides a MongoDB based implementation of
// [storage.DocumentStore].
type Datastore struct {
	client *mongo.Client
	db     *mongo.Database
	logger logger.Logger
}

// Ensures that [Datastore] implements the [storage.DocumentStore] interface.
var _ storage.DocumentStore = (*Datastore)(nil)

// New connects to the deployment at uri and returns a ready datastore.
func New(uri string, cfg *Config) (*Datastore, error) {
	opts := options.Client().ApplyURI(uri)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("initialize mongodb connection: %w", err)
	}
	return NewWithClient(client, cfg)
}

// NewWithClient creates a new [Datastore] storage with the provided client.
func NewWithClient(client *mongo.Client, cfg *Config) (*Datastore, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	database := cfg.Database
	if database == "" {
		database = build.ProjectName
	}

	if err := waitForCluster(client, log); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &Datastore{
		client: client,
		db:     client.Database(database),
		logger: log,
	}, nil
}

// waitForCluster pings the deployment until it answers, backing off for at
// most a minute.
func waitForCluster(client *mongo.Client, log logger.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	return backoff.Retry(func() error {
		err := client.Ping(context.Background(), readpref.Primary())
		if err != nil {
			log.Info("waiting for mongodb", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
}

func (d *Datastore) collection(name string) *mongo.Collection {
	return d.db.Collection(name)
}

// Find see [storage.DocumentReader].Find.
func (d *Datastore) Find(ctx context.Context, collection string, filter storage.Document, opts storage.FindOptions) ([]storage.Document, error) {
	ctx, span := startTrace(ctx, "Find")
	defer span.End()

	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if len(opts.Projection) > 0 {
		findOpts.SetProjection(opts.Projection)
	}

	cur, err := d.collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}

	out := make([]storage.Document, 0)
	if err := cur.All(ctx, &out); err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}
	return out, nil
}

// FindOne see [storage.DocumentReader].FindOne.
func (d *Datastore) FindOne(ctx context.Context, collection string, filter storage.Document) (storage.Document, error) {
	ctx, span := startTrace(ctx, "FindOne")
	defer span.End()

	var doc storage.Document
	if err := d.collection(collection).FindOne(ctx, filter).Decode(&doc); err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}
	return doc, nil
}

// Count see [storage.DocumentReader].Count.
func (d *Datastore) Count(ctx context.Context, collection string, filter storage.Document) (int64, error) {
	ctx, span := startTrace(ctx, "Count")
	defer span.End()

	n, err := d.collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, HandleMongoError(err)
	}
	return n, nil
}

// InsertOne see [storage.DocumentWriter].InsertOne.
func (d *Datastore) InsertOne(ctx context.Context, collection string, doc storage.Document) error {
	ctx, span := startTrace(ctx, "InsertOne")
	defer span.End()

	if _, err := d.collection(collection).InsertOne(ctx, doc); err != nil {
		telemetry.TraceError(span, err)
		return HandleMongoError(err)
	}
	return nil
}

// InsertMany see [storage.DocumentWriter].InsertMany.
func (d *Datastore) InsertMany(ctx context.Context, collection string, docs []storage.Document) error {
	ctx, span := startTrace(ctx, "InsertMany")
	defer span.End()

	if _, err := d.collection(collection).InsertMany(ctx, docs); err != nil {
		telemetry.TraceError(span, err)
		return HandleMongoError(err)
	}
	return nil
}

// UpdateOne see [storage.DocumentWriter].UpdateOne.
func (d *Datastore) UpdateOne(ctx context.Context, collection string, filter, update storage.Document, opts storage.UpdateOptions) (storage.UpdateResult, error) {
	ctx, span := startTrace(ctx, "UpdateOne")
	defer span.End()

	updateOpts := options.UpdateOne()
	if len(opts.ArrayFilters) > 0 {
		updateOpts.SetArrayFilters(toArrayFilters(opts.ArrayFilters))
	}

	res, err := d.collection(collection).UpdateOne(ctx, filter, update, updateOpts)
	if err != nil {
		telemetry.TraceError(span, err)
		return storage.UpdateResult{}, HandleMongoError(err)
	}
	return storage.UpdateResult{MatchedCount: res.MatchedCount, ModifiedCount: res.ModifiedCount}, nil
}

// UpdateMany see [storage.DocumentWriter].UpdateMany.
func (d *Datastore) UpdateMany(ctx context.Context, collection string, filter, update storage.Document, opts storage.UpdateOptions) (storage.UpdateResult, error) {
	ctx, span := startTrace(ctx, "UpdateMany")
	defer span.End()

	updateOpts := options.UpdateMany()
	if len(opts.ArrayFilters) > 0 {
		updateOpts.SetArrayFilters(toArrayFilters(opts.ArrayFilters))
	}

	res, err := d.collection(collection).UpdateMany(ctx, filter, update, updateOpts)
	if err != nil {
		telemetry.TraceError(span, err)
		return storage.UpdateResult{}, HandleMongoError(err)
	}
	return storage.UpdateResult{MatchedCount: res.MatchedCount, ModifiedCount: res.ModifiedCount}, nil
}

// FindOneAndUpdate see [storage.DocumentWriter].FindOneAndUpdate.
func (d *Datastore) FindOneAndUpdate(ctx context.Context, collection string, filter, update storage.Document, opts storage.UpdateOptions) (storage.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndUpdate")
	defer span.End()

	fuOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if len(opts.ArrayFilters) > 0 {
		fuOpts.SetArrayFilters(toArrayFilters(opts.ArrayFilters))
	}

	var doc storage.Document
	if err := d.collection(collection).FindOneAndUpdate(ctx, filter, update, fuOpts).Decode(&doc); err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}
	return doc, nil
}

// FindOneAndDelete see [storage.DocumentWriter].FindOneAndDelete.
func (d *Datastore) FindOneAndDelete(ctx context.Context, collection string, filter storage.Document) (storage.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndDelete")
	defer span.End()

	var doc storage.Document
	if err := d.collection(collection).FindOneAndDelete(ctx, filter).Decode(&doc); err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}
	return doc, nil
}

// DeleteMany see [storage.DocumentWriter].DeleteMany.
func (d *Datastore) DeleteMany(ctx context.Context, collection string, filter storage.Document) (storage.DeleteResult, error) {
	ctx, span := startTrace(ctx, "DeleteMany")
	defer span.End()

	res, err := d.collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		telemetry.TraceError(span, err)
		return storage.DeleteResult{}, HandleMongoError(err)
	}
	return storage.DeleteResult{DeletedCount: res.DeletedCount}, nil
}

// Aggregate see [storage.AggregationRunner].Aggregate.
func (d *Datastore) Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]storage.Document, error) {
	ctx, span := startTrace(ctx, "Aggregate")
	defer span.End()

	cur, err := d.collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}

	out := make([]storage.Document, 0)
	if err := cur.All(ctx, &out); err != nil {
		telemetry.TraceError(span, err)
		return nil, HandleMongoError(err)
	}
	return out, nil
}

// EnsureIndexes see [storage.IndexManager].EnsureIndexes. Index creation is
// idempotent on the server side.
func (d *Datastore) EnsureIndexes(ctx context.Context, collection string, indexes []schema.Index) error {
	ctx, span := startTrace(ctx, "EnsureIndexes")
	defer span.End()

	models := indexModels(indexes)
	if len(models) == 0 {
		return nil
	}
	if _, err := d.collection(collection).Indexes().CreateMany(ctx, models); err != nil {
		telemetry.TraceError(span, err)
		return HandleMongoError(err)
	}
	return nil
}

// IsReady see [storage.DocumentStore].IsReady.
func (d *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.client.Ping(ctx, readpref.Primary()); err != nil {
		return storage.ReadinessStatus{Message: err.Error()}, err
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close see [storage.DocumentStore].Close.
func (d *Datastore) Close() {
	if err := d.client.Disconnect(context.Background()); err != nil {
		d.logger.Error("failed to disconnect from mongodb", zap.Error(err))
	}
}

// HandleMongoError translates driver errors into the storage sentinels.
func HandleMongoError(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", err.Error(), storage.ErrDuplicateKey)
	default:
		return err
	}
}

func toArrayFilters(filters []storage.Document) []any {
	out := make([]any, len(filters))
	for i, f := range filters {
		out[i] = f
	}
	return out
}

// indexModels translates declared indexes into driver index models.
func indexModels(indexes []schema.Index) []mongo.IndexModel {
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		keys := make(bson.D, 0, len(idx.Keys))
		for _, key := range idx.Keys {
			dir := 1
			if key.Desc {
				dir = -1
			}
			keys = append(keys, bson.E{Key: key.Field, Value: dir})
		}
		if len(keys) == 0 {
			continue
		}

		opts := options.Index()
		if idx.Name != "" {
			opts.SetName(idx.Name)
		}
		if idx.Unique {
			opts.SetUnique(true)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: opts})
	}
	return models
}
