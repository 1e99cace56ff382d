package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docrel/docrel/pkg/docpath"
)

const schemaYAML = `
collections:
  - name: users
    fields:
      - name: name
        type: string
        required: true
      - name: avatar
        type: string
  - name: posts
    fields:
      - name: title
        type: string
      - name: tagIds
        type: array
    indexes:
      - keys:
          - field: title
        unique: true
    relations:
      author:
        collection: users
        embed:
          sourcePath: authorId
          targetField: author
          fields: [name, avatar]
          reverse:
            enabled: true
            strategy: async
            watchFields: [name]
          onDelete: nullify
      tags:
        collection: tags
        embed:
          sourcePath: tagIds
          targetField: tags
          fields:
            name: 1
            internal: 0
      comments:
        collection: comments
        lookup:
          localField: _id
          foreignField: postId
          cardinality: many
          defaultWhere:
            approved: true
          defaultSort:
            - field: createdAt
              desc: true
          defaultLimit: 10
  - name: tags
  - name: comments
`

func TestLoad(t *testing.T) {
	reg, err := Load([]byte(schemaYAML))
	require.NoError(t, err)

	posts, err := reg.Collection("posts")
	require.NoError(t, err)

	author, ok := posts.Relation("author")
	require.True(t, ok)
	require.Equal(t, KindEmbed, author.Kind)
	require.Equal(t, []string{"name", "avatar"}, author.Embed.Fields.Names)
	require.Equal(t, ReverseAsync, author.Embed.Reverse.Strategy)
	require.Equal(t, []string{"name"}, author.Embed.Reverse.WatchFields)
	require.Equal(t, DeleteNullify, author.Embed.OnDelete)

	tags, ok := posts.Relation("tags")
	require.True(t, ok)
	require.Equal(t, map[string]bool{"name": true, "internal": false}, tags.Embed.Fields.Include)
	require.Equal(t, docpath.StrategyArray, tags.Embed.Path().Strategy)

	comments, ok := posts.Relation("comments")
	require.True(t, ok)
	require.Equal(t, KindLookup, comments.Kind)
	require.Equal(t, "postId", comments.Lookup.ForeignField)
	require.Equal(t, int64(10), comments.Lookup.DefaultLimit)
	require.Equal(t, []SortKey{{Field: "createdAt", Desc: true}}, comments.Lookup.DefaultSort)
	require.Equal(t, true, comments.Lookup.DefaultWhere["approved"])
}

func TestLoadRejectsMalformedDocuments(t *testing.T) {
	_, err := Load([]byte("collections: {not: a list}"))
	require.ErrorContains(t, err, "parse schema document")

	_, err = Load([]byte("collections: []"))
	require.ErrorIs(t, err, ErrNoCollections)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(schemaYAML), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"comments", "posts", "tags", "users"}, reg.CollectionNames())

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorContains(t, err, "read schema file")
}
