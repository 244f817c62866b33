// Package query turns search values into vectors with the same embedding
// function that produced the target column.
package query

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"vectable/internal/embeddings"
	"vectable/internal/schema"
	"vectable/internal/trace"
)

// Hit is one search result.
type Hit struct {
	ID       string
	Distance float32
	Row      schema.Row
}

// Searcher runs a vector similarity search over a vector column.
type Searcher interface {
	SearchVector(ctx context.Context, column string, vec []float32, k int) ([]Hit, error)
}

// Embedder resolves the target vector column of a query and embeds the
// query value with that column's binding.
type Embedder struct {
	schema   *schema.Schema
	searcher Searcher
}

// New returns an Embedder over s. searcher may be nil when only Embed is
// used.
func New(s *schema.Schema, searcher Searcher) *Embedder {
	return &Embedder{schema: s, searcher: searcher}
}

// Resolve returns the binding of the vector column. An empty column picks
// the only vector field of the schema.
func (e *Embedder) Resolve(column string) (*schema.Binding, error) {
	if column == "" {
		vectors := e.schema.VectorFields()
		switch len(vectors) {
		case 1:
			column = vectors[0]
		case 0:
			return nil, embeddings.Ambiguousf("schema has no vector field to search")
		default:
			return nil, embeddings.Ambiguousf("schema has %d vector fields %v, name one", len(vectors), vectors)
		}
	}
	f, ok := e.schema.Field(column)
	if !ok {
		return nil, embeddings.NotFoundf("column %q not in schema", column)
	}
	b, ok := e.schema.Binding(column)
	if !ok {
		return nil, embeddings.Schemaf(column, "%s field is not a vector field", f.Role)
	}
	return b, nil
}

// Embed returns the query vector for value against column. value is a
// string, []byte, image.Image or embeddings.Input; a []float32 or []float64
// is taken as a precomputed vector.
func (e *Embedder) Embed(ctx context.Context, value any, column string) ([]float32, error) {
	b, err := e.Resolve(column)
	if err != nil {
		return nil, err
	}
	return e.embed(ctx, b, value)
}

func (e *Embedder) embed(ctx context.Context, b *schema.Binding, value any) ([]float32, error) {
	switch value.(type) {
	case []float32, []float64:
		vec, err := schema.CoerceVector(value, b.Width())
		if err != nil {
			return nil, embeddings.Schemaf(b.Vector, "query vector: %v", err)
		}
		return vec, nil
	}

	in, err := embeddings.InputOf(value)
	if err != nil {
		return nil, embeddings.Unsupportedf(b.Vector, b.Alias(), "%v", err)
	}
	if !b.Function.Accepts(in.Kind) {
		return nil, embeddings.Unsupportedf(b.Vector, b.Alias(), "embedding function does not accept %s queries", in.Kind)
	}

	ctx, span := trace.Tracer().Start(ctx, "query.embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("vectable.column", b.Vector),
		attribute.String("vectable.alias", b.Alias()),
		attribute.String("vectable.kind", in.Kind.String()),
	)

	vecs, err := embeddings.ComputeQuery(ctx, b.Function, b.Retry, []embeddings.Input{in})
	if err == nil && (len(vecs) != 1 || len(vecs[0]) != b.Width()) {
		err = &embeddings.Error{
			Kind:      embeddings.ErrProvider,
			Alias:     b.Alias(),
			Err:       fmt.Errorf("expected one vector of %d dimensions", b.Width()),
			Permanent: true,
		}
	}
	if err != nil {
		err = embeddings.Annotate(err, "query", b.Vector)
		span.RecordError(err)
		span.SetStatus(codes.Error, "query embedding failed")
		return nil, err
	}
	return vecs[0], nil
}

var errNoSearcher = errors.New("no searcher configured")

// Search embeds value and asks the searcher for the k nearest rows of
// column.
func (e *Embedder) Search(ctx context.Context, value any, column string, k int) ([]Hit, error) {
	if e.searcher == nil {
		return nil, errNoSearcher
	}
	b, err := e.Resolve(column)
	if err != nil {
		return nil, err
	}
	vec, err := e.embed(ctx, b, value)
	if err != nil {
		return nil, err
	}
	return e.searcher.SearchVector(ctx, b.Vector, vec, k)
}
