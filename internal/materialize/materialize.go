// Package materialize computes the vector fields of rows being ingested.
//
// Each binding of the schema gets one batched provider call covering every
// row that needs a vector. Bindings run concurrently; the first failure
// cancels the rest and no rows are returned.
package materialize

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"vectable/internal/embeddings"
	"vectable/internal/schema"
	"vectable/internal/trace"
)

// DefaultConcurrency bounds the number of bindings embedded at once.
const DefaultConcurrency = 4

// Materializer fills vector fields from their bound source fields.
type Materializer struct {
	schema      *schema.Schema
	concurrency int
	verbose     bool
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithConcurrency sets how many bindings may call their providers at the
// same time. Values below one mean sequential.
func WithConcurrency(n int) Option {
	return func(m *Materializer) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// WithVerbose logs every provider batch.
func WithVerbose(v bool) Option {
	return func(m *Materializer) { m.verbose = v }
}

// New returns a Materializer for s.
func New(s *schema.Schema, opts ...Option) *Materializer {
	m := &Materializer{schema: s, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schema returns the schema the materializer writes.
func (m *Materializer) Schema() *schema.Schema { return m.schema }

// pending is the work for one binding: the rows that need a vector and the
// inputs to embed for them, index-aligned.
type pending struct {
	binding *schema.Binding
	rows    []int
	inputs  []embeddings.Input
	vectors [][]float32
}

// Materialize returns copies of rows with every vector field computed.
// Rows keep their order. The input rows are never modified, and on error
// no rows are returned.
func (m *Materializer) Materialize(ctx context.Context, rows []schema.Row) ([]schema.Row, error) {
	out := make([]schema.Row, len(rows))
	for i, row := range rows {
		r, err := m.schema.CoerceRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = r
	}
	if len(out) == 0 {
		return out, nil
	}

	var work []*pending
	for _, b := range m.schema.Bindings() {
		p, err := plan(b, out)
		if err != nil {
			return nil, err
		}
		if len(p.inputs) > 0 {
			work = append(work, p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, p := range work {
		g.Go(func() error {
			return m.embed(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range work {
		col := p.binding.VectorIndex()
		for j, ri := range p.rows {
			out[ri][col] = p.vectors[j]
		}
	}
	return out, nil
}

func plan(b *schema.Binding, rows []schema.Row) (*pending, error) {
	p := &pending{binding: b}
	src, vec := b.SourceIndex(), b.VectorIndex()
	for i, row := range rows {
		switch {
		case row[vec] != nil && row[src] == nil:
			return nil, embeddings.Schemaf(b.Vector, "row %d: vector supplied without a %s value", i, b.Source)
		case row[vec] != nil:
			// supplied vectors are kept as is
		case row[src] == nil:
			if b.Nulls == schema.NullFail {
				return nil, embeddings.Schemaf(b.Vector, "row %d: %s is null", i, b.Source)
			}
		default:
			in, err := embeddings.InputAs(b.Kind(), row[src])
			if err != nil {
				return nil, embeddings.Schemaf(b.Source, "row %d: %v", i, err)
			}
			p.rows = append(p.rows, i)
			p.inputs = append(p.inputs, in)
		}
	}
	return p, nil
}

func (m *Materializer) embed(ctx context.Context, p *pending) error {
	b := p.binding
	ctx, span := trace.Tracer().Start(ctx, "materialize.binding")
	defer span.End()
	span.SetAttributes(
		attribute.String("vectable.column", b.Vector),
		attribute.String("vectable.source", b.Source),
		attribute.String("vectable.alias", b.Alias()),
		attribute.Int("vectable.batch", len(p.inputs)),
	)

	if m.verbose {
		log.Printf("materialize: embedding %d values of %s into %s", len(p.inputs), b.Source, b.Vector)
	}

	vecs, err := embeddings.ComputeSource(ctx, b.Function, b.Retry, p.inputs)
	if err == nil {
		err = check(b, len(p.inputs), vecs)
	}
	if err != nil {
		err = embeddings.Annotate(err, "ingest", b.Vector)
		if e, ok := err.(*embeddings.Error); ok && e.Alias == "" {
			e.Alias = b.Alias()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return err
	}
	p.vectors = vecs
	return nil
}

func check(b *schema.Binding, n int, vecs [][]float32) error {
	if len(vecs) != n {
		return &embeddings.Error{
			Kind:      embeddings.ErrProvider,
			Alias:     b.Alias(),
			Err:       fmt.Errorf("returned %d vectors for %d inputs", len(vecs), n),
			Permanent: true,
		}
	}
	width := b.Width()
	for i, v := range vecs {
		if len(v) != width {
			return &embeddings.Error{
				Kind:      embeddings.ErrProvider,
				Alias:     b.Alias(),
				Err:       fmt.Errorf("vector %d has %d dimensions, expected %d", i, len(v), width),
				Permanent: true,
			}
		}
	}
	return nil
}
