package relations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/goleak"

	"github.com/docrel/docrel/internal/dispatch"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
)

// manualDispatcher records tasks without running them, so tests can observe
// the state between the caller's return and the propagation run.
type manualDispatcher struct {
	tasks  []func(context.Context) error
	reject bool
}

func (m *manualDispatcher) Dispatch(_ string, fn func(context.Context) error) bool {
	if m.reject {
		return false
	}
	m.tasks = append(m.tasks, fn)
	return true
}

func (m *manualDispatcher) runAll() error {
	for _, fn := range m.tasks {
		if err := fn(context.Background()); err != nil {
			return err
		}
	}
	m.tasks = nil
	return nil
}

type failingWriter struct {
	storage.DocumentWriter
	err error
}

func (w failingWriter) UpdateMany(context.Context, string, storage.Document, storage.Document, storage.UpdateOptions) (storage.UpdateResult, error) {
	return storage.UpdateResult{}, w.err
}

func TestPropagateSyncRefreshesSeparateSnapshots(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	seed(t, ds, "posts",
		storage.Document{"_id": "p1", "authorId": "u1", "author": storage.Document{"_id": "u1", "name": "ann", "avatar": "a.png"}},
		storage.Document{"_id": "p2", "authorId": "u2", "author": storage.Document{"_id": "u2", "name": "bob"}},
	)

	prop := NewPropagator(reg, ds)
	updated := storage.Document{"_id": "u1", "name": "ann v2", "avatar": "a.png", "counter": 7}
	require.NoError(t, prop.Propagate(context.Background(), "users", updated, []string{"name"}))

	require.Equal(t, storage.Document{"_id": "u1", "name": "ann v2", "avatar": "a.png"}, fetch(t, ds, "posts", "p1")["author"])
	require.Equal(t, storage.Document{"_id": "u2", "name": "bob"}, fetch(t, ds, "posts", "p2")["author"])
}

func TestPropagateWatchGate(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	seed(t, ds, "posts",
		storage.Document{"_id": "p1", "author": storage.Document{"_id": "u1", "name": "ann"}},
	)

	prop := NewPropagator(reg, ds)
	updated := storage.Document{"_id": "u1", "name": "ann v2", "counter": 8}

	// An update touching only unwatched fields must never propagate.
	require.NoError(t, prop.Propagate(context.Background(), "users", updated, []string{"counter"}))
	require.Equal(t, "ann", fetch(t, ds, "posts", "p1")["author"].(storage.Document)["name"])

	// Touching a watched field must always propagate.
	require.NoError(t, prop.Propagate(context.Background(), "users", updated, []string{"counter", "name"}))
	require.Equal(t, "ann v2", fetch(t, ds, "posts", "p1")["author"].(storage.Document)["name"])
}

func TestPropagateArrayLeavesOtherElementsUntouched(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":    "p1",
		"tagIds": bson.A{"t1", "t2"},
		"tags": bson.A{
			storage.Document{"_id": "t1", "name": "go"},
			storage.Document{"_id": "t2", "name": "db"},
		},
	})

	prop := NewPropagator(reg, ds)
	require.NoError(t, prop.Propagate(context.Background(), "tags",
		storage.Document{"_id": "t1", "name": "golang", "color": "cyan"}, nil))

	require.Equal(t, bson.A{
		storage.Document{"_id": "t1", "name": "golang"},
		storage.Document{"_id": "t2", "name": "db"},
	}, fetch(t, ds, "posts", "p1")["tags"])
}

func TestPropagateInPlaceMatchesBothIdentifierForms(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)

	oid := bson.NewObjectID()
	seed(t, ds, "posts",
		storage.Document{"_id": "p1", "directory": storage.Document{"_id": oid, "order": 1, "name": "old", "path": "/old"}},
		storage.Document{"_id": "p2", "directory": storage.Document{"_id": oid.Hex(), "order": 2, "name": "old", "path": "/old"}},
	)

	prop := NewPropagator(reg, ds)
	require.NoError(t, prop.Propagate(context.Background(), "directories",
		storage.Document{"_id": oid, "name": "docs", "path": "/docs"}, nil))

	require.Equal(t, storage.Document{"_id": oid, "order": 1, "name": "docs", "path": "/docs"},
		fetch(t, ds, "posts", "p1")["directory"])
	require.Equal(t, storage.Document{"_id": oid.Hex(), "order": 2, "name": "docs", "path": "/docs"},
		fetch(t, ds, "posts", "p2")["directory"])
}

func TestPropagateSkipsRelationsWithoutReverse(t *testing.T) {
	reg := newRegistry(t,
		&schema.Collection{Name: "products", Fields: []schema.Field{{Name: "name", Type: schema.TypeString}}},
		&schema.Collection{
			Name: "orderItems",
			Relations: map[string]*schema.Relation{
				"product": {
					Collection: "products",
					Embed: &schema.EmbedRelation{
						SourcePath:  "productId",
						TargetField: "product",
					},
				},
			},
		},
	)
	ds := newStore(t)
	seed(t, ds, "orderItems", storage.Document{
		"_id":       "i1",
		"productId": "prod1",
		"product":   storage.Document{"_id": "prod1", "name": "the name at order time"},
	})

	prop := NewPropagator(reg, ds)
	require.NoError(t, prop.Propagate(context.Background(), "products",
		storage.Document{"_id": "prod1", "name": "renamed"}, []string{"name"}))

	// Historical snapshot: no reverse config means the copy never changes.
	require.Equal(t, "the name at order time",
		fetch(t, ds, "orderItems", "i1")["product"].(storage.Document)["name"])
}

func TestPropagateSyncFailureSurfaces(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{"_id": "p1", "author": storage.Document{"_id": "u1", "name": "ann"}})

	boom := errors.New("boom")
	prop := NewPropagator(reg, failingWriter{DocumentWriter: ds, err: boom})

	err := prop.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v2"}, []string{"name"})

	var perr *PropagationError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "posts", perr.Dependent)
	require.Equal(t, "author", perr.Relation)
	require.ErrorIs(t, err, boom)
}

func asyncSchema() []*schema.Collection {
	return []*schema.Collection{
		{Name: "users", Fields: []schema.Field{{Name: "name", Type: schema.TypeString}}},
		{
			Name: "comments",
			Relations: map[string]*schema.Relation{
				"author": {
					Collection: "users",
					Embed: &schema.EmbedRelation{
						SourcePath:  "authorId",
						TargetField: "author",
						Fields:      schema.FieldSelection{Names: []string{"name"}},
						Reverse:     &schema.ReverseSpec{Enabled: true, Strategy: schema.ReverseAsync},
					},
				},
			},
		},
	}
}

func TestPropagateAsyncIsDetachedFromTheCaller(t *testing.T) {
	reg := newRegistry(t, asyncSchema()...)
	ds := newStore(t)
	seed(t, ds, "comments", storage.Document{"_id": "c1", "author": storage.Document{"_id": "u1", "name": "ann"}})

	md := &manualDispatcher{}
	prop := NewPropagator(reg, ds, WithDispatcher(md))

	require.NoError(t, prop.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v2"}, []string{"name"}))

	// The caller returned before the dependent was touched.
	require.Equal(t, "ann", fetch(t, ds, "comments", "c1")["author"].(storage.Document)["name"])

	require.NoError(t, md.runAll())
	require.Equal(t, "ann v2", fetch(t, ds, "comments", "c1")["author"].(storage.Document)["name"])
}

func TestPropagateAsyncThroughDispatcher(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	reg := newRegistry(t, asyncSchema()...)
	ds := newStore(t)
	seed(t, ds, "comments", storage.Document{"_id": "c1", "author": storage.Document{"_id": "u1", "name": "ann"}})

	d := dispatch.New(2, 16)
	prop := NewPropagator(reg, ds, WithDispatcher(d))

	require.NoError(t, prop.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v2"}, []string{"name"}))

	// Close drains the queue, so the update is visible afterwards.
	d.Close()
	require.Equal(t, "ann v2", fetch(t, ds, "comments", "c1")["author"].(storage.Document)["name"])
}

func TestPropagateAsyncFailuresStayAsync(t *testing.T) {
	reg := newRegistry(t, asyncSchema()...)
	ds := newStore(t)
	seed(t, ds, "comments", storage.Document{"_id": "c1", "author": storage.Document{"_id": "u1", "name": "ann"}})

	boom := errors.New("boom")
	md := &manualDispatcher{}
	prop := NewPropagator(reg, failingWriter{DocumentWriter: ds, err: boom}, WithDispatcher(md))

	// The failure belongs to the task, never to the triggering write.
	require.NoError(t, prop.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v2"}, []string{"name"}))

	err := md.runAll()
	var perr *PropagationError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "comments", perr.Dependent)
}

func TestPropagateAsyncWithoutDispatcherKeepsAsyncContract(t *testing.T) {
	reg := newRegistry(t, asyncSchema()...)
	ds := newStore(t)
	seed(t, ds, "comments", storage.Document{"_id": "c1", "author": storage.Document{"_id": "u1", "name": "ann"}})

	// Without a dispatcher the update still lands, inline.
	prop := NewPropagator(reg, ds)
	require.NoError(t, prop.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v2"}, []string{"name"}))
	require.Equal(t, "ann v2", fetch(t, ds, "comments", "c1")["author"].(storage.Document)["name"])

	// A failure stays with the relation and never reaches the caller.
	boom := errors.New("boom")
	failing := NewPropagator(reg, failingWriter{DocumentWriter: ds, err: boom})
	require.NoError(t, failing.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v3"}, []string{"name"}))
	require.Equal(t, "ann v2", fetch(t, ds, "comments", "c1")["author"].(storage.Document)["name"])
}

func TestPropagateAsyncDropIsSilent(t *testing.T) {
	reg := newRegistry(t, asyncSchema()...)
	ds := newStore(t)

	md := &manualDispatcher{reject: true}
	prop := NewPropagator(reg, ds, WithDispatcher(md))

	require.NoError(t, prop.Propagate(context.Background(), "users",
		storage.Document{"_id": "u1", "name": "ann v2"}, []string{"name"}))
	require.Empty(t, md.tasks)
}

func TestPropagateWithoutDependentsIsANoOp(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)

	prop := NewPropagator(reg, ds)
	require.NoError(t, prop.Propagate(context.Background(), "posts",
		storage.Document{"_id": "p1", "title": "t"}, []string{"title"}))
}
