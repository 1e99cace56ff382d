// Package schema holds the collection and relation definitions docrel
// operates on, and the registry that validates them and precomputes the
// reverse dependency index used by propagation and cascade.
package schema

// FieldType enumerates the declared types a collection field may have. The
// engine only interprets TypeArray (it upgrades an embed path's storage
// strategy); the rest are carried for documentation and index tooling.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDate     FieldType = "date"
	TypeObjectID FieldType = "objectId"
	TypeObject   FieldType = "object"
	TypeArray    FieldType = "array"
)

// Field declares a named document field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type,omitempty"`
	Required bool      `json:"required,omitempty"`
}

// IndexKey is a single key of a compound index.
type IndexKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Index declares a collection index to be created by EnsureIndexes.
type Index struct {
	Name   string     `json:"name,omitempty"`
	Keys   []IndexKey `json:"keys"`
	Unique bool       `json:"unique,omitempty"`
}

// Collection declares a named document set: its fields, its indexes, and its
// relations to other collections. Collections are owned by the Registry once
// passed to New and must not be mutated afterwards.
type Collection struct {
	Name string `json:"name"`

	// IDField is the primary identifier field. Defaults to "_id".
	IDField string `json:"idField,omitempty"`

	Fields    []Field              `json:"fields,omitempty"`
	Relations map[string]*Relation `json:"relations,omitempty"`
	Indexes   []Index              `json:"indexes,omitempty"`

	// Derived by New, sorted by relation name.
	embeds     []*Relation
	references []*Relation
}

// Relation returns the named relation declared on the collection.
func (c *Collection) Relation(name string) (*Relation, bool) {
	rel, ok := c.Relations[name]
	return rel, ok
}

// Field returns the declared field with the given (possibly dotted) name.
func (c *Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// EmbedRelations returns the collection's embed relations in name order.
func (c *Collection) EmbedRelations() []*Relation {
	return c.embeds
}

// ReferenceRelations returns the collection's reference relations in name
// order.
func (c *Collection) ReferenceRelations() []*Relation {
	return c.references
}
