package embeddings

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "vectable/internal/embeddings"

// Traced records a span around every provider call. Spans go to the global
// tracer provider, so they cost nothing until tracing is set up.
type Traced struct {
	inner Function
	alias string
}

var _ Function = (*Traced)(nil)

// NewTraced wraps fn.
func NewTraced(alias string, fn Function) *Traced {
	return &Traced{inner: fn, alias: alias}
}

func (t *Traced) NDims() int          { return t.inner.NDims() }
func (t *Traced) Accepts(k Kind) bool { return t.inner.Accepts(k) }

func (t *Traced) Close() error {
	if c, ok := t.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *Traced) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return t.call(ctx, "source", items, t.inner.SourceEmbeddings)
}

func (t *Traced) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return t.call(ctx, "query", items, t.inner.QueryEmbeddings)
}

func (t *Traced) call(ctx context.Context, path string, items []Input, fn embedFunc) ([][]float32, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "embeddings."+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("embedding.alias", t.alias),
			attribute.Int("embedding.items", len(items)),
			attribute.Int("embedding.dims", t.inner.NDims()),
		))
	defer span.End()

	out, err := fn(ctx, items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("embedding.retryable", IsRetryable(err)))
		return nil, err
	}
	return out, nil
}
