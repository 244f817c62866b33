package schema

import (
	"errors"

	"vectable/internal/embeddings"
)

// Builder declares a schema. Declaration errors are recorded as they happen
// and returned by Build; later declarations are ignored after the first one.
type Builder struct {
	fields   []Field
	bindings []*Binding
	err      error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// BindingOption adjusts a binding declared with Vector.
type BindingOption func(*bindingOptions)

type bindingOptions struct {
	width    int
	nulls    NullPolicy
	retry    embeddings.RetryPolicy
	hasRetry bool
}

// WithWidth declares the expected vector width. It must match the
// function's NDims.
func WithWidth(n int) BindingOption {
	return func(o *bindingOptions) { o.width = n }
}

// WithNullPolicy sets how null source values are handled.
func WithNullPolicy(p NullPolicy) BindingOption {
	return func(o *bindingOptions) { o.nulls = p }
}

// WithRetry overrides the function's retry policy for this binding.
func WithRetry(p embeddings.RetryPolicy) BindingOption {
	return func(o *bindingOptions) {
		o.retry = p
		o.hasRetry = true
	}
}

// Plain declares a field with no role in embedding.
func (b *Builder) Plain(name string, t Type) *Builder {
	if t == TypeVector {
		return b.fail(embeddings.Schemaf(name, "vector fields must be declared with a binding"))
	}
	if _, ok := typeNames[t]; !ok {
		return b.fail(embeddings.Schemaf(name, "unknown type %d", t))
	}
	return b.add(Field{Name: name, Role: RolePlain, Type: t})
}

// Source declares a field holding raw values of the given kind.
func (b *Builder) Source(name string, kind embeddings.Kind) *Builder {
	var t Type
	switch kind {
	case embeddings.KindText, embeddings.KindURI:
		t = TypeString
	case embeddings.KindBytes:
		t = TypeBytes
	default:
		return b.fail(embeddings.Schemaf(name, "%s values cannot be stored in a source field", kind))
	}
	return b.add(Field{Name: name, Role: RoleSource, Type: t, Kind: kind})
}

// Vector declares a field derived from source by fn. The field's width is
// fixed to fn.NDims(); a conflicting WithWidth fails immediately.
func (b *Builder) Vector(name, source string, fn embeddings.Function, opts ...BindingOption) *Builder {
	if fn == nil {
		return b.fail(embeddings.Schemaf(name, "no embedding function bound"))
	}
	o := bindingOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	width := fn.NDims()
	if width <= 0 {
		return b.fail(embeddings.Schemaf(name, "embedding function reports %d dimensions", width))
	}
	if o.width != 0 && o.width != width {
		return b.fail(embeddings.Schemaf(name, "declared width %d does not match embedding function width %d", o.width, width))
	}

	retry := embeddings.PolicyFor(fn)
	if o.hasRetry {
		retry = o.retry
	}
	b.add(Field{Name: name, Role: RoleVector, Type: TypeVector, Width: width})
	b.bindings = append(b.bindings, &Binding{
		Source:   source,
		Vector:   name,
		Function: fn,
		Retry:    retry,
		Nulls:    o.nulls,
	})
	return b
}

func (b *Builder) add(f Field) *Builder {
	if b.err == nil {
		b.fields = append(b.fields, f)
	}
	return b
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Build validates the declarations and returns the schema.
func (b *Builder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.fields) == 0 {
		return nil, embeddings.Schemaf("", "schema has no fields")
	}

	s := &Schema{
		fields:   append([]Field(nil), b.fields...),
		index:    make(map[string]int, len(b.fields)),
		bindings: make(map[string]*Binding, len(b.bindings)),
	}
	for i, f := range s.fields {
		if f.Name == "" {
			return nil, embeddings.Schemaf("", "field %d has no name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, embeddings.Schemaf(f.Name, "duplicate field")
		}
		s.index[f.Name] = i
	}

	var errs []error
	for _, bd := range b.bindings {
		src, ok := s.Field(bd.Source)
		switch {
		case !ok:
			errs = append(errs, embeddings.Schemaf(bd.Vector, "source field %q not in schema", bd.Source))
			continue
		case src.Role != RoleSource:
			errs = append(errs, embeddings.Schemaf(bd.Vector, "field %q is %s, not a source field", bd.Source, src.Role))
			continue
		case !bd.Function.Accepts(src.Kind):
			errs = append(errs, &embeddings.Error{
				Kind:   embeddings.ErrSchema,
				Column: bd.Vector,
				Alias:  embeddings.AliasOf(bd.Function),
				Err:    errors.New("embedding function does not accept " + src.Kind.String() + " values from " + bd.Source),
			})
			continue
		}
		bound := *bd
		bound.kind = src.Kind
		bound.sourceIdx = s.index[bd.Source]
		bound.vectorIdx = s.index[bd.Vector]
		s.bindings[bd.Vector] = &bound
		s.order = append(s.order, &bound)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// MustBuild is Build for static schemas; it panics on error.
func (b *Builder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
