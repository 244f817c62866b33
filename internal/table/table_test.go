package table

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectable/internal/embeddings"
	"vectable/internal/index"
	"vectable/internal/schema"
	"vectable/internal/storage"
)

// lexicon embeds text as word counts over a handful of concepts.
type lexicon struct{}

var concepts = map[string]int{
	"hello": 0, "hi": 0, "greetings": 0, "hey": 0,
	"goodbye": 1, "bye": 1,
	"tax": 2, "forms": 2, "invoice": 2,
	"world": 3, "moon": 3,
}

func (lexicon) NDims() int                     { return 4 }
func (lexicon) Accepts(k embeddings.Kind) bool { return k == embeddings.KindText }
func (lexicon) SourceEmbeddings(_ context.Context, items []embeddings.Input) ([][]float32, error) {
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
func (l lexicon) QueryEmbeddings(ctx context.Context, items []embeddings.Input) ([][]float32, error) {
	return l.SourceEmbeddings(ctx, items)
}

// broken always fails with a retryable provider error.
type broken struct{ calls *atomic.Int32 }

func (broken) NDims() int                     { return 4 }
func (broken) Accepts(k embeddings.Kind) bool { return k == embeddings.KindText }
func (b broken) SourceEmbeddings(context.Context, []embeddings.Input) ([][]float32, error) {
	b.calls.Add(1)
	return nil, embeddings.ProviderFailure("broken", errors.New("status 503: unavailable"))
}
func (b broken) QueryEmbeddings(ctx context.Context, items []embeddings.Input) ([][]float32, error) {
	return b.SourceEmbeddings(ctx, items)
}

func testRegistry(calls *atomic.Int32) *embeddings.Registry {
	r := embeddings.NewRegistry()
	embeddings.RegisterBuiltins(r)
	r.Register("lexicon", func(embeddings.Config) (embeddings.Function, error) { return lexicon{}, nil })
	r.Register("broken", func(embeddings.Config) (embeddings.Function, error) { return broken{calls: calls}, nil })
	return r
}

type backend struct {
	name string
	open func(t *testing.T) storage.Store
}

func backends(t *testing.T) []backend {
	return []backend{
		{"memory", func(*testing.T) storage.Store { return storage.NewMemory() }},
		{"sqlite", func(t *testing.T) storage.Store {
			s, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "vectable.db"))
			require.NoError(t, err)
			return s
		}},
	}
}

func textSchema(t *testing.T, r *embeddings.Registry, alias string, cfg embeddings.Config) *schema.Schema {
	fn, err := r.Create(alias, cfg)
	require.NoError(t, err)
	s, err := schema.NewBuilder().
		Plain("title", schema.TypeString).
		Source("text", embeddings.KindText).
		Vector("vector", "text", fn).
		Build()
	require.NoError(t, err)
	return s
}

var greetingRows = []string{"hello world", "goodbye world", "fizz", "buzz", "foo", "bar", "baz"}

func TestTable_GreetingsFindsHelloWorld(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			r := testRegistry(new(atomic.Int32))
			db := Connect(be.open(t), WithRegistry(r))
			defer db.Close(ctx)

			tbl, err := db.CreateTable(ctx, "words", textSchema(t, r, "lexicon", nil), IndexConfig{Metric: index.Cosine})
			require.NoError(t, err)

			recs := make([]schema.Record, len(greetingRows))
			for i, text := range greetingRows {
				recs[i] = schema.Record{"title": strconv.Itoa(i), "text": text}
			}
			ids, err := tbl.AddRecords(ctx, recs)
			require.NoError(t, err)
			require.Len(t, ids, len(greetingRows))

			hits, err := tbl.Search(ctx, "greetings", "", 1)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, ids[0], hits[0].ID)
			assert.Equal(t, "hello world", hits[0].Row[1])
		})
	}
}

func TestTable_EquivalentQueriesSameTopHit(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))

	t.Run("text and its query vector", func(t *testing.T) {
		db := Connect(storage.NewMemory(), WithRegistry(r))
		tbl, err := db.CreateTable(ctx, "words", textSchema(t, r, "lexicon", nil), IndexConfig{Metric: index.Cosine})
		require.NoError(t, err)
		rows := make([]schema.Row, len(greetingRows))
		for i, text := range greetingRows {
			rows[i] = schema.Row{strconv.Itoa(i), text, nil}
		}
		_, err = tbl.Add(ctx, rows)
		require.NoError(t, err)

		byText, err := tbl.Search(ctx, "greetings", "vector", 3)
		require.NoError(t, err)
		vec, err := tbl.Embed(ctx, "greetings", "vector")
		require.NoError(t, err)
		byVector, err := tbl.Search(ctx, vec, "vector", 3)
		require.NoError(t, err)
		assert.Equal(t, byText, byVector)
	})

	t.Run("image uri bytes and decoded", func(t *testing.T) {
		fn, err := r.Create(embeddings.PixelsAlias, embeddings.Config{"size": 4})
		require.NoError(t, err)
		s := schema.NewBuilder().
			Source("uri", embeddings.KindURI).
			Vector("vector", "uri", fn).
			MustBuild()

		db := Connect(storage.NewMemory(), WithRegistry(r))
		tbl, err := db.CreateTable(ctx, "images", s, IndexConfig{Metric: index.Cosine})
		require.NoError(t, err)

		gradient := writePNG(t)
		solid := writeImage(t, "solid.png", image.NewUniform(color.RGBA{R: 200, A: 255}))
		ids, err := tbl.Add(ctx, []schema.Row{{solid.path, nil}, {gradient.path, nil}})
		require.NoError(t, err)

		queries := map[string]any{
			"uri":     embeddings.URI(gradient.path),
			"bytes":   gradient.data,
			"decoded": gradient.img,
		}
		want, err := tbl.Embed(ctx, queries["uri"], "")
		require.NoError(t, err)
		for name, q := range queries {
			vec, err := tbl.Embed(ctx, q, "")
			require.NoError(t, err, name)
			assert.InDeltaSlice(t, want, vec, 1e-6, name)

			hits, err := tbl.Search(ctx, q, "", 1)
			require.NoError(t, err, name)
			require.Len(t, hits, 1, name)
			assert.Equal(t, ids[1], hits[0].ID, name)
		}
	})
}

func TestTable_ColumnsAnswerWithTheirOwnBinding(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	lex, err := r.Create("lexicon", nil)
	require.NoError(t, err)
	s := schema.NewBuilder().
		Source("title", embeddings.KindText).
		Source("body", embeddings.KindText).
		Vector("title_vec", "title", lex).
		Vector("body_vec", "body", lex).
		MustBuild()

	db := Connect(storage.NewMemory(), WithRegistry(r))
	tbl, err := db.CreateTable(ctx, "docs", s, IndexConfig{Metric: index.Cosine})
	require.NoError(t, err)
	ids, err := tbl.Add(ctx, []schema.Row{
		{"hello world", "tax forms", nil, nil},
		{"tax forms", "hello world", nil, nil},
	})
	require.NoError(t, err)

	byTitle, err := tbl.Search(ctx, "greetings", "title_vec", 1)
	require.NoError(t, err)
	byBody, err := tbl.Search(ctx, "greetings", "body_vec", 1)
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	require.Len(t, byBody, 1)
	assert.Equal(t, ids[0], byTitle[0].ID)
	assert.Equal(t, ids[1], byBody[0].ID)

	a, err := r.Create(embeddings.HashingAlias, embeddings.Config{"dim": 32, "seed": 1})
	require.NoError(t, err)
	b, err := r.Create(embeddings.HashingAlias, embeddings.Config{"dim": 32, "seed": 2})
	require.NoError(t, err)
	hashed := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("a", "text", a).
		Vector("b", "text", b).
		MustBuild()
	tbl, err = db.CreateTable(ctx, "hashed", hashed, IndexConfig{Metric: index.Cosine})
	require.NoError(t, err)
	va, err := tbl.Embed(ctx, "hello world", "a")
	require.NoError(t, err)
	vb, err := tbl.Embed(ctx, "hello world", "b")
	require.NoError(t, err)
	assert.NotEqual(t, va, vb)
}

func TestTable_SearchResultsDoNotAliasStoredRows(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	db := Connect(storage.NewMemory(), WithRegistry(r))
	tbl, err := db.CreateTable(ctx, "docs", textSchema(t, r, "lexicon", nil), IndexConfig{Metric: index.Cosine})
	require.NoError(t, err)
	ids, err := tbl.Add(ctx, []schema.Row{{"a", "hello world", nil}, {"b", "tax forms", nil}})
	require.NoError(t, err)

	hits, err := tbl.Search(ctx, "hello", "", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	before := hits[0].Distance

	vec := hits[0].Row[2].([]float32)
	clear(vec)
	vec[2] = 5

	hits, err = tbl.Search(ctx, "hello", "", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ids[0], hits[0].ID)
	assert.Equal(t, before, hits[0].Distance)
	assert.Equal(t, []float32{1, 0, 0, 1}, hits[0].Row[2])
}

func TestTable_FailingProviderWritesNothing(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			calls := new(atomic.Int32)
			r := testRegistry(calls)
			db := Connect(be.open(t), WithRegistry(r))
			defer db.Close(ctx)

			s := textSchema(t, r, "broken", embeddings.Config{
				"max_retries": 2, "retry_initial_interval": "1ms", "retry_max_interval": "1ms",
			})
			tbl, err := db.CreateTable(ctx, "docs", s, IndexConfig{})
			require.NoError(t, err)

			_, err = tbl.Add(ctx, []schema.Row{{"t", "one", nil}, {"t", "two", nil}})
			require.Error(t, err)
			assert.ErrorIs(t, err, embeddings.ErrProvider)
			assert.Equal(t, int32(3), calls.Load())

			n, err := tbl.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

// rejectingIndex refuses every insert.
type rejectingIndex struct{ index.Index }

func (rejectingIndex) Add([]index.Entry) error { return errors.New("index full") }

func TestTable_IndexFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	lex, err := r.Create("lexicon", nil)
	require.NoError(t, err)
	s := schema.NewBuilder().
		Source("title", embeddings.KindText).
		Source("body", embeddings.KindText).
		Vector("title_vec", "title", lex).
		Vector("body_vec", "body", lex).
		MustBuild()

	db := Connect(storage.NewMemory(), WithRegistry(r))
	tbl, err := db.CreateTable(ctx, "docs", s, IndexConfig{})
	require.NoError(t, err)
	tbl.indexes["body_vec"] = rejectingIndex{index.NewFlat(index.L2)}

	_, err = tbl.Add(ctx, []schema.Row{{"hello", "world", nil, nil}})
	assert.ErrorContains(t, err, "index full")

	n, err := tbl.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, tbl.indexes["title_vec"].Len(), "indexes that accepted the rows are rolled back")
}

func TestTable_NullSourcesStayNull(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	db := Connect(storage.NewMemory(), WithRegistry(r))
	tbl, err := db.CreateTable(ctx, "docs", textSchema(t, r, "lexicon", nil), IndexConfig{})
	require.NoError(t, err)

	_, err = tbl.Add(ctx, []schema.Row{{"x", nil, nil}, {"y", "hello", nil}})
	require.NoError(t, err)

	var rows []storage.Row
	require.NoError(t, tbl.Scan(ctx, func(r storage.Row) error {
		rows = append(rows, r)
		return nil
	}))
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Values[2])
	assert.Equal(t, []float32{1, 0, 0, 0}, rows[1].Values[2])

	hits, err := tbl.Search(ctx, "hello", "", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "rows without a vector are not indexed")
}

func TestTable_ReopenRecreatesFunctions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectable.db")
	r := testRegistry(new(atomic.Int32))

	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	db := Connect(store, WithRegistry(r))
	s := textSchema(t, r, embeddings.HashingAlias, embeddings.Config{"dim": 64, "seed": 3})
	tbl, err := db.CreateTable(ctx, "docs", s, IndexConfig{Type: index.TypeHNSW, Metric: index.Cosine})
	require.NoError(t, err)
	_, err = tbl.Add(ctx, []schema.Row{
		{"1", "the quick brown fox", nil},
		{"2", "a lazy dog sleeps", nil},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close(ctx))

	store, err = storage.OpenSQLite(path)
	require.NoError(t, err)
	db = Connect(store, WithRegistry(r))
	defer db.Close(ctx)

	names, err := db.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names)

	tbl, err = db.OpenTable(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, index.TypeHNSW, tbl.IndexConfig().Type)

	b, ok := tbl.Schema().Binding("vector")
	require.True(t, ok)
	assert.Equal(t, embeddings.HashingAlias, b.Alias())
	assert.Equal(t, 64, b.Width())

	hits, err := tbl.Search(ctx, "quick brown fox", "vector", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].Row[0])

	snap, err := store.LoadSnapshot(ctx, "docs", "vector")
	require.NoError(t, err)
	assert.NotNil(t, snap, "hnsw graph is saved on close")
}

func TestTable_StaleSnapshotIsRebuilt(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	store := storage.NewMemory()
	db := Connect(store, WithRegistry(r))

	tbl, err := db.CreateTable(ctx, "docs", textSchema(t, r, "lexicon", nil), IndexConfig{Type: index.TypeHNSW, Metric: index.Cosine})
	require.NoError(t, err)
	_, err = tbl.Add(ctx, []schema.Row{{"a", "hello", nil}})
	require.NoError(t, err)
	require.NoError(t, tbl.SaveIndexes(ctx))

	// rows written behind the snapshot's back
	fields := tbl.Schema().Fields()
	require.NoError(t, store.Append(ctx, "docs", fields, []storage.Row{
		{ID: "late", Values: schema.Row{"b", "goodbye", []float32{0, 1, 0, 0}}},
	}))

	db2 := Connect(store, WithRegistry(r))
	reopened, err := db2.OpenTable(ctx, "docs")
	require.NoError(t, err)
	hits, err := reopened.Search(ctx, "bye", "", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "late", hits[0].ID)
}

func TestTable_DeleteAndCount(t *testing.T) {
	ctx := context.Background()
	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			r := testRegistry(new(atomic.Int32))
			db := Connect(be.open(t), WithRegistry(r))
			defer db.Close(ctx)

			tbl, err := db.CreateTable(ctx, "docs", textSchema(t, r, "lexicon", nil), IndexConfig{})
			require.NoError(t, err)
			ids, err := tbl.Add(ctx, []schema.Row{{"a", "hello", nil}, {"b", "hi there", nil}, {"c", "tax", nil}})
			require.NoError(t, err)

			n, err := tbl.Delete(ctx, []string{ids[0], "unknown"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			count, err := tbl.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			hits, err := tbl.Search(ctx, "hello", "", 1)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, ids[1], hits[0].ID)
		})
	}
}

func TestTable_MultipleVectorColumns(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	lex, err := r.Create("lexicon", nil)
	require.NoError(t, err)
	hash, err := r.Create(embeddings.HashingAlias, embeddings.Config{"dim": 32})
	require.NoError(t, err)

	s := schema.NewBuilder().
		Source("title", embeddings.KindText).
		Source("body", embeddings.KindText).
		Vector("title_vec", "title", lex).
		Vector("body_vec", "body", hash).
		MustBuild()

	db := Connect(storage.NewMemory(), WithRegistry(r))
	tbl, err := db.CreateTable(ctx, "docs", s, IndexConfig{Metric: index.Cosine})
	require.NoError(t, err)
	_, err = tbl.Add(ctx, []schema.Row{{"hello", "alpha beta", nil, nil}})
	require.NoError(t, err)

	_, err = tbl.Search(ctx, "hello", "", 1)
	assert.ErrorIs(t, err, embeddings.ErrAmbiguousColumn)

	_, err = tbl.Search(ctx, "hello", "nope", 1)
	assert.ErrorIs(t, err, embeddings.ErrNotFound)

	hits, err := tbl.Search(ctx, "alpha", "body_vec", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	vec, err := tbl.Embed(ctx, "hello", "title_vec")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestDB_CreateTableErrors(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	db := Connect(storage.NewMemory(), WithRegistry(r))

	s := textSchema(t, r, "lexicon", nil)
	_, err := db.CreateTable(ctx, "docs", s, IndexConfig{})
	require.NoError(t, err)
	_, err = db.CreateTable(ctx, "docs", s, IndexConfig{})
	assert.ErrorIs(t, err, storage.ErrTableExists)

	_, err = db.CreateTable(ctx, "hnsw", s, IndexConfig{Type: index.TypeHNSW, Metric: index.L2})
	assert.Error(t, err)

	unregistered := schema.NewBuilder().
		Source("text", embeddings.KindText).
		Vector("v", "text", lexicon{}).
		MustBuild()
	_, err = db.CreateTable(ctx, "loose", unregistered, IndexConfig{})
	assert.ErrorIs(t, err, embeddings.ErrSchema)

	_, err = db.OpenTable(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTableNotFound)

	require.NoError(t, db.DropTable(ctx, "docs"))
	_, err = db.OpenTable(ctx, "docs")
	assert.ErrorIs(t, err, storage.ErrTableNotFound)
}

func TestTable_ImageURIAndBytesAgree(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(new(atomic.Int32))
	fn, err := r.Create(embeddings.PixelsAlias, embeddings.Config{"size": 4})
	require.NoError(t, err)

	png := writePNG(t)
	s := schema.NewBuilder().
		Source("uri", embeddings.KindURI).
		Source("raw", embeddings.KindBytes).
		Vector("uri_vec", "uri", fn).
		Vector("raw_vec", "raw", fn).
		MustBuild()

	db := Connect(storage.NewMemory(), WithRegistry(r))
	tbl, err := db.CreateTable(ctx, "images", s, IndexConfig{})
	require.NoError(t, err)
	_, err = tbl.Add(ctx, []schema.Row{{png.path, png.data, nil, nil}})
	require.NoError(t, err)

	var row storage.Row
	require.NoError(t, tbl.Scan(ctx, func(r storage.Row) error {
		row = r
		return nil
	}))
	assert.Equal(t, row.Values[2], row.Values[3])
}

type pngFile struct {
	path string
	data []byte
	img  image.Image
}

func writePNG(t *testing.T) pngFile {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	return writeImage(t, "gradient.png", img)
}

func writeImage(t *testing.T, name string, img image.Image) pngFile {
	if u, ok := img.(*image.Uniform); ok {
		rgba := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				rgba.Set(x, y, u.C)
			}
		}
		img = rgba
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return pngFile{path: path, data: buf.Bytes(), img: img}
}
