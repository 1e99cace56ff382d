package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

func TestApplyUpdateChangeDetection(t *testing.T) {
	doc := storage.Document{"a": 1, "tags": bson.A{"x"}}

	changed, err := applyUpdate(doc, storage.Document{"$set": storage.Document{"a": 1}}, nil)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = applyUpdate(doc, storage.Document{"$unset": storage.Document{"missing": ""}}, nil)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = applyUpdate(doc, storage.Document{"$pull": storage.Document{"tags": "nope"}}, nil)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = applyUpdate(doc, storage.Document{"$set": storage.Document{"a": 2}}, nil)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestSetPositionalOnScalarArray(t *testing.T) {
	doc := storage.Document{"vals": bson.A{1, 2, 3}}

	changed, err := applyUpdate(doc,
		storage.Document{"$set": storage.Document{"vals.$[v]": 0}},
		[]storage.Document{{"v": storage.Document{"$gte": 2}}})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, bson.A{1, 0, 0}, doc["vals"])
}

func TestSetPositionalOnNonArrayFails(t *testing.T) {
	doc := storage.Document{"vals": "scalar"}

	_, err := applyUpdate(doc,
		storage.Document{"$set": storage.Document{"vals.$[v]": 0}},
		[]storage.Document{{"v": 1}})
	require.ErrorIs(t, err, storage.ErrInvalidUpdate)
}

func TestSetBelowNonDocumentFails(t *testing.T) {
	doc := storage.Document{"a": 5}
	_, err := applyUpdate(doc, storage.Document{"$set": storage.Document{"a.b": 1}}, nil)
	require.ErrorIs(t, err, storage.ErrInvalidUpdate)
}

func TestPullFromNonArrayFails(t *testing.T) {
	doc := storage.Document{"tags": "go"}
	_, err := applyUpdate(doc, storage.Document{"$pull": storage.Document{"tags": "go"}}, nil)
	require.ErrorIs(t, err, storage.ErrInvalidUpdate)
}

func TestPullWithOperatorCondition(t *testing.T) {
	doc := storage.Document{"ranks": bson.A{1, 5, 9}}

	changed, err := applyUpdate(doc, storage.Document{"$pull": storage.Document{"ranks": storage.Document{"$gt": 4}}}, nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, bson.A{1}, doc["ranks"])
}

func TestIncNonNumericFails(t *testing.T) {
	doc := storage.Document{"count": "three"}
	_, err := applyUpdate(doc, storage.Document{"$inc": storage.Document{"count": 1}}, nil)
	require.ErrorIs(t, err, storage.ErrInvalidUpdate)
}

func TestIncFloatDelta(t *testing.T) {
	doc := storage.Document{"score": 1}

	changed, err := applyUpdate(doc, storage.Document{"$inc": storage.Document{"score": 0.5}}, nil)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1.5, doc["score"])
}
