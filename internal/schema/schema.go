// Package schema declares table fields and binds vector fields to the
// embedding functions that derive them from source fields.
package schema

import (
	"fmt"

	"vectable/internal/embeddings"
)

// Role is the part a field plays in embedding derivation.
type Role uint8

const (
	RolePlain Role = iota
	RoleSource
	RoleVector
)

func (r Role) String() string {
	switch r {
	case RolePlain:
		return "plain"
	case RoleSource:
		return "source"
	case RoleVector:
		return "vector"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Type is the value type stored in a field.
type Type uint8

const (
	TypeString Type = iota + 1
	TypeBytes
	TypeInt64
	TypeFloat64
	TypeBool
	TypeVector
)

var typeNames = map[Type]string{
	TypeString:  "string",
	TypeBytes:   "bytes",
	TypeInt64:   "int64",
	TypeFloat64: "float64",
	TypeBool:    "bool",
	TypeVector:  "vector",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a type name to its Type.
func ParseType(s string) (Type, error) {
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// Field is a single column declaration.
type Field struct {
	Name string
	Role Role
	Type Type

	// Kind is the input representation of a source field.
	Kind embeddings.Kind

	// Width is the fixed length of a vector field.
	Width int
}

// NullPolicy decides what happens to a null source value on ingestion.
type NullPolicy uint8

const (
	// NullSkip leaves the vector null.
	NullSkip NullPolicy = iota
	// NullFail rejects the whole batch.
	NullFail
)

func (p NullPolicy) String() string {
	if p == NullFail {
		return "fail"
	}
	return "skip"
}

// ParseNullPolicy maps "skip" or "fail" to a NullPolicy. Empty means skip.
func ParseNullPolicy(s string) (NullPolicy, error) {
	switch s {
	case "", "skip":
		return NullSkip, nil
	case "fail":
		return NullFail, nil
	}
	return 0, fmt.Errorf("unknown null policy %q", s)
}

// Binding derives a vector field from a source field. Bindings are fixed
// when the schema is built.
type Binding struct {
	Source   string
	Vector   string
	Function embeddings.Function
	Retry    embeddings.RetryPolicy
	Nulls    NullPolicy

	kind      embeddings.Kind
	sourceIdx int
	vectorIdx int
}

// Kind is the representation of the source values.
func (b *Binding) Kind() embeddings.Kind { return b.kind }

// SourceIndex is the source field's position in a row.
func (b *Binding) SourceIndex() int { return b.sourceIdx }

// VectorIndex is the vector field's position in a row.
func (b *Binding) VectorIndex() int { return b.vectorIdx }

// Width is the vector width, equal to Function.NDims().
func (b *Binding) Width() int { return b.Function.NDims() }

// Alias names the binding's provider, if it came from a registry.
func (b *Binding) Alias() string { return embeddings.AliasOf(b.Function) }

// Row holds one value per field, in schema order. nil is null.
type Row []any

// Record holds values by field name.
type Record map[string]any

// Schema is an immutable set of fields plus the side-table of bindings keyed
// by vector field name.
type Schema struct {
	fields   []Field
	index    map[string]int
	bindings map[string]*Binding
	order    []*Binding
}

// Len is the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Index returns the position of the named field, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Bindings returns every binding in declaration order.
func (s *Schema) Bindings() []*Binding {
	return append([]*Binding(nil), s.order...)
}

// Binding returns the binding owning the vector field.
func (s *Schema) Binding(vector string) (*Binding, bool) {
	b, ok := s.bindings[vector]
	return b, ok
}

// BindingsFor returns the bindings fed by a source field.
func (s *Schema) BindingsFor(source string) []*Binding {
	var out []*Binding
	for _, b := range s.order {
		if b.Source == source {
			out = append(out, b)
		}
	}
	return out
}

// VectorFields lists the vector field names in declaration order.
func (s *Schema) VectorFields() []string {
	names := make([]string, len(s.order))
	for i, b := range s.order {
		names[i] = b.Vector
	}
	return names
}

// RowFromRecord orders a record's values by the schema. Missing fields are
// null; unknown fields are a SchemaError.
func (s *Schema) RowFromRecord(rec Record) (Row, error) {
	row := make(Row, len(s.fields))
	for name, v := range rec {
		i, ok := s.index[name]
		if !ok {
			return nil, embeddings.Schemaf(name, "field not in schema")
		}
		row[i] = v
	}
	return row, nil
}

// Record converts a row to a record.
func (s *Schema) Record(row Row) Record {
	rec := make(Record, len(s.fields))
	for i, f := range s.fields {
		if i < len(row) {
			rec[f.Name] = row[i]
		}
	}
	return rec
}
