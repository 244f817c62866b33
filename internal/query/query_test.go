package query

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectable/internal/embeddings"
	"vectable/internal/materialize"
	"vectable/internal/schema"
)

// lexicon embeds text by counting words per concept.
type lexicon struct {
	queries atomic.Int32
}

var concepts = map[string]int{
	"hello": 0, "hi": 0, "hey": 0, "greetings": 0,
	"goodbye": 1, "bye": 1, "farewell": 1,
	"tax": 2, "invoice": 2, "forms": 2,
	"world": 3, "moon": 3,
}

func (l *lexicon) NDims() int                     { return 4 }
func (l *lexicon) Accepts(k embeddings.Kind) bool { return k == embeddings.KindText }
func (l *lexicon) SourceEmbeddings(_ context.Context, items []embeddings.Input) ([][]float32, error) {
	out := make([][]float32, len(items))
	for i, it := range items {
		v := make([]float32, 4)
		for _, w := range strings.Fields(strings.ToLower(it.Text)) {
			if c, ok := concepts[w]; ok {
				v[c]++
			}
		}
		out[i] = v
	}
	return out, nil
}
func (l *lexicon) QueryEmbeddings(ctx context.Context, items []embeddings.Input) ([][]float32, error) {
	l.queries.Add(1)
	return l.SourceEmbeddings(ctx, items)
}

// rowSearcher ranks materialized rows by cosine distance.
type rowSearcher struct {
	schema *schema.Schema
	rows   []schema.Row
}

func (s *rowSearcher) SearchVector(_ context.Context, column string, vec []float32, k int) ([]Hit, error) {
	col := s.schema.Index(column)
	var hits []Hit
	for i, row := range s.rows {
		v, ok := row[col].([]float32)
		if !ok {
			continue
		}
		hits = append(hits, Hit{ID: string(rune('a' + i)), Distance: cosineDistance(vec, v), Row: row})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

func TestSearch_GreetingsFindsHelloWorld(t *testing.T) {
	reg := embeddings.NewRegistry()
	reg.Register("lexicon", func(embeddings.Config) (embeddings.Function, error) { return &lexicon{}, nil })
	fn, err := reg.Create("lexicon", nil)
	require.NoError(t, err)

	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("vector", "text", fn).
		MustBuild()

	var in []schema.Row
	for _, text := range []string{"hello world", "goodbye world", "fizz", "buzz", "foo", "bar", "baz"} {
		in = append(in, schema.Row{text, nil})
	}
	rows, err := materialize.New(s).Materialize(context.Background(), in)
	require.NoError(t, err)

	q := New(s, &rowSearcher{schema: s, rows: rows})
	hits, err := q.Search(context.Background(), "greetings", "", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hello world", hits[0].Row[0])

	vec, err := q.Embed(context.Background(), "greetings", "")
	require.NoError(t, err)
	byVector, err := q.Search(context.Background(), vec, "", 1)
	require.NoError(t, err)
	assert.Equal(t, hits, byVector)
}

func TestEmbed_UsesColumnBinding(t *testing.T) {
	a := &lexicon{}
	b := &lexicon{}
	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("a", "text", a).
		Vector("b", "text", b).
		MustBuild()
	q := New(s, nil)

	vec, err := q.Embed(context.Background(), "hello", "b")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, vec)
	assert.Equal(t, int32(0), a.queries.Load())
	assert.Equal(t, int32(1), b.queries.Load())
}

func TestResolve(t *testing.T) {
	two := schema.NewBuilder().
		Plain("title", schema.TypeString).
		Source("text", embeddings.KindText).
		Vector("a", "text", &lexicon{}).
		Vector("b", "text", &lexicon{}).
		MustBuild()
	q := New(two, nil)

	_, err := q.Resolve("")
	assert.ErrorIs(t, err, embeddings.ErrAmbiguousColumn)

	_, err = q.Resolve("nope")
	assert.ErrorIs(t, err, embeddings.ErrNotFound)

	_, err = q.Resolve("title")
	assert.ErrorIs(t, err, embeddings.ErrSchema)

	b, err := q.Resolve("b")
	require.NoError(t, err)
	assert.Equal(t, "b", b.Vector)

	none := schema.NewBuilder().Plain("title", schema.TypeString).MustBuild()
	_, err = New(none, nil).Resolve("")
	assert.ErrorIs(t, err, embeddings.ErrAmbiguousColumn)
}

func TestEmbed_UnsupportedQueryType(t *testing.T) {
	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("vector", "text", &lexicon{}).
		MustBuild()
	q := New(s, nil)

	_, err := q.Embed(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "")
	assert.ErrorIs(t, err, embeddings.ErrUnsupportedQueryType)

	_, err = q.Embed(context.Background(), 42, "")
	assert.ErrorIs(t, err, embeddings.ErrUnsupportedQueryType)
}

func TestEmbed_PrecomputedVector(t *testing.T) {
	fn := &lexicon{}
	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("vector", "text", fn).
		MustBuild()
	q := New(s, nil)

	vec, err := q.Embed(context.Background(), []float64{1, 2, 3, 4}, "")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vec)
	assert.Equal(t, int32(0), fn.queries.Load())

	_, err = q.Embed(context.Background(), []float32{1}, "")
	assert.ErrorIs(t, err, embeddings.ErrSchema)
}

type flakyQuery struct {
	lexicon
	failures atomic.Int32
}

func (f *flakyQuery) QueryEmbeddings(ctx context.Context, items []embeddings.Input) ([][]float32, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, embeddings.ProviderFailure("flaky", errors.New("status 429"))
	}
	return f.lexicon.QueryEmbeddings(ctx, items)
}

func TestEmbed_RetriesQuery(t *testing.T) {
	fn := &flakyQuery{}
	fn.failures.Store(2)
	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("vector", "text", fn, schema.WithRetry(embeddings.RetryPolicy{
			MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1,
		})).
		MustBuild()

	vec, err := New(s, nil).Embed(context.Background(), "bye", "vector")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)
}

func TestEmbed_ProviderFailure(t *testing.T) {
	fn := &flakyQuery{}
	fn.failures.Store(10)
	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("vector", "text", fn, schema.WithRetry(embeddings.RetryPolicy{MaxRetries: 0})).
		MustBuild()

	_, err := New(s, nil).Embed(context.Background(), "bye", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, embeddings.ErrProvider)
	assert.Contains(t, err.Error(), `query column "vector"`)
}

func TestSearch_NoSearcher(t *testing.T) {
	s := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("vector", "text", &lexicon{}).
		MustBuild()
	_, err := New(s, nil).Search(context.Background(), "hi", "", 3)
	assert.Error(t, err)
}
