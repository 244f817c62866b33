// Package table runs embedding on the way into and out of a store: Add
// materializes vector fields before rows are written, and Search embeds the
// query with the column's own function before the index is consulted.
package table

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"vectable/internal/embeddings"
	"vectable/internal/index"
	"vectable/internal/materialize"
	"vectable/internal/query"
	"vectable/internal/schema"
	"vectable/internal/storage"
)

var _ embeddings.Cache = (*storage.SQLite)(nil)

// IndexConfig selects the index built for every vector field of a table.
type IndexConfig struct {
	Type   index.Type
	Metric index.Metric
	HNSW   index.HNSWConfig
}

type indexDescriptor struct {
	Type           string `json:"type,omitempty"`
	Metric         string `json:"metric,omitempty"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	EfSearch       int    `json:"ef_search,omitempty"`
}

// tableDescriptor is what the store keeps in its catalog for a table.
type tableDescriptor struct {
	Schema *schema.Descriptor `json:"schema"`
	Index  indexDescriptor    `json:"index"`
}

func (c IndexConfig) describe() indexDescriptor {
	return indexDescriptor{
		Type:           string(c.Type),
		Metric:         c.Metric.String(),
		M:              c.HNSW.M,
		EfConstruction: c.HNSW.EfConstruction,
		EfSearch:       c.HNSW.EfSearch,
	}
}

func (d indexDescriptor) config() (IndexConfig, error) {
	metric, err := index.ParseMetric(d.Metric)
	if err != nil {
		return IndexConfig{}, err
	}
	return IndexConfig{
		Type:   index.Type(d.Type),
		Metric: metric,
		HNSW:   index.HNSWConfig{M: d.M, EfConstruction: d.EfConstruction, EfSearch: d.EfSearch},
	}, nil
}

// Table is an open table. It is safe for concurrent use; Add holds the
// write lock only while committing, not while embedding.
type Table struct {
	name     string
	store    storage.Store
	schema   *schema.Schema
	fields   []schema.Field
	mat      *materialize.Materializer
	query    *query.Embedder
	indexCfg IndexConfig
	verbose  bool

	mu      sync.RWMutex
	indexes map[string]index.Index
	dirty   bool
}

var _ query.Searcher = (*Table)(nil)

func newTable(name string, store storage.Store, s *schema.Schema, ic IndexConfig, o options) (*Table, error) {
	t := &Table{
		name:     name,
		store:    store,
		schema:   s,
		fields:   s.Fields(),
		mat:      materialize.New(s, materialize.WithConcurrency(o.concurrency), materialize.WithVerbose(o.verbose)),
		indexCfg: ic,
		verbose:  o.verbose,
		indexes:  make(map[string]index.Index),
	}
	for _, col := range s.VectorFields() {
		idx, err := index.New(index.Options{Type: ic.Type, Metric: ic.Metric, HNSW: ic.HNSW})
		if err != nil {
			return nil, err
		}
		t.indexes[col] = idx
	}
	t.query = query.New(s, t)
	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Schema returns the table schema.
func (t *Table) Schema() *schema.Schema { return t.schema }

// IndexConfig returns the table's index settings.
func (t *Table) IndexConfig() IndexConfig { return t.indexCfg }

// Add materializes and stores rows, returning their generated IDs in row
// order. Rows reach the store only after every index has accepted them, so
// nothing is stored if any binding or index fails.
func (t *Table) Add(ctx context.Context, rows []schema.Row) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out, err := t.mat.Materialize(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("add to %s: %w", t.name, err)
	}

	stored := make([]storage.Row, len(out))
	ids := make([]string, len(out))
	for i, values := range out {
		ids[i] = uuid.NewString()
		stored[i] = storage.Row{ID: ids[i], Values: values}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.indexRows(stored); err != nil {
		t.unindex(ids)
		return nil, fmt.Errorf("add to %s: %w", t.name, err)
	}
	if err := t.store.Append(ctx, t.name, t.fields, stored); err != nil {
		t.unindex(ids)
		return nil, fmt.Errorf("add to %s: %w", t.name, err)
	}
	t.dirty = true
	if t.verbose {
		log.Printf("table: added %d rows to %s", len(stored), t.name)
	}
	return ids, nil
}

// AddRecords is Add for rows given by field name.
func (t *Table) AddRecords(ctx context.Context, recs []schema.Record) ([]string, error) {
	rows := make([]schema.Row, len(recs))
	for i, rec := range recs {
		row, err := t.schema.RowFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows[i] = row
	}
	return t.Add(ctx, rows)
}

// indexRows adds the non-null vectors of rows to the column indexes. Caller
// holds t.mu.
func (t *Table) indexRows(rows []storage.Row) error {
	for _, b := range t.schema.Bindings() {
		col := b.VectorIndex()
		var entries []index.Entry
		for _, r := range rows {
			if vec, ok := r.Values[col].([]float32); ok {
				entries = append(entries, index.Entry{ID: r.ID, Vector: vec})
			}
		}
		if len(entries) == 0 {
			continue
		}
		if err := t.indexes[b.Vector].Add(entries); err != nil {
			return fmt.Errorf("index %s: %w", b.Vector, err)
		}
	}
	return nil
}

// unindex drops ids from every column index. Caller holds t.mu.
func (t *Table) unindex(ids []string) {
	for col, idx := range t.indexes {
		if err := idx.Remove(ids); err != nil {
			log.Printf("table: removing rows from %s.%s: %v", t.name, col, err)
		}
	}
}

// Search embeds value with the binding of column and returns the k nearest
// rows. An empty column means the table's only vector field.
func (t *Table) Search(ctx context.Context, value any, column string, k int) ([]query.Hit, error) {
	return t.query.Search(ctx, value, column, k)
}

// Embed returns the query vector Search would use.
func (t *Table) Embed(ctx context.Context, value any, column string) ([]float32, error) {
	return t.query.Embed(ctx, value, column)
}

// SearchVector returns the k rows nearest to vec in column.
func (t *Table) SearchVector(ctx context.Context, column string, vec []float32, k int) ([]query.Hit, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.indexes[column]
	if !ok {
		return nil, embeddings.NotFoundf("table %s has no vector column %q", t.name, column)
	}
	results, err := idx.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("search %s.%s: %w", t.name, column, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	rows, err := t.store.Get(ctx, t.name, t.fields, ids)
	if err != nil {
		return nil, fmt.Errorf("search %s.%s: %w", t.name, column, err)
	}
	byID := make(map[string]schema.Row, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.Values
	}

	hits := make([]query.Hit, 0, len(results))
	for _, r := range results {
		if row, ok := byID[r.ID]; ok {
			hits = append(hits, query.Hit{ID: r.ID, Distance: r.Distance, Row: row})
		}
	}
	return hits, nil
}

// Delete removes rows by ID and reports how many existed.
func (t *Table) Delete(ctx context.Context, ids []string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.store.Delete(ctx, t.name, ids)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", t.name, err)
	}
	for _, idx := range t.indexes {
		if err := idx.Remove(ids); err != nil {
			return n, err
		}
	}
	t.dirty = true
	return n, nil
}

// Count returns the number of stored rows.
func (t *Table) Count(ctx context.Context) (int, error) {
	return t.store.Count(ctx, t.name)
}

// Scan visits every stored row in insertion order.
func (t *Table) Scan(ctx context.Context, fn func(storage.Row) error) error {
	return t.store.Scan(ctx, t.name, t.fields, fn)
}

// snapshotter is implemented by indexes that can be saved and reloaded.
type snapshotter interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
	Contains(id string) bool
	Len() int
}

// SaveIndexes stores snapshots of indexes that support them. It does
// nothing when the table has not changed since it was opened or saved.
func (t *Table) SaveIndexes(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}
	for col, idx := range t.indexes {
		snap, ok := idx.(snapshotter)
		if !ok {
			continue
		}
		data, err := snap.Marshal()
		if err != nil {
			return fmt.Errorf("snapshot %s.%s: %w", t.name, col, err)
		}
		if err := t.store.SaveSnapshot(ctx, t.name, col, data); err != nil {
			return fmt.Errorf("snapshot %s.%s: %w", t.name, col, err)
		}
	}
	t.dirty = false
	return nil
}

// load rebuilds the in-memory indexes from the store, reusing stored
// snapshots that still match the rows.
func (t *Table) load(ctx context.Context) error {
	entries := make(map[string][]index.Entry, len(t.indexes))
	bindings := t.schema.Bindings()
	err := t.store.Scan(ctx, t.name, t.fields, func(r storage.Row) error {
		for _, b := range bindings {
			if vec, ok := r.Values[b.VectorIndex()].([]float32); ok {
				entries[b.Vector] = append(entries[b.Vector], index.Entry{ID: r.ID, Vector: vec})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for col := range t.indexes {
		idx := t.indexes[col]
		if snap, ok := idx.(snapshotter); ok {
			if t.restore(ctx, col, snap, entries[col]) {
				continue
			}
			idx = t.indexes[col]
			t.dirty = true
		}
		if err := idx.Add(entries[col]); err != nil {
			return fmt.Errorf("index %s: %w", col, err)
		}
	}
	return nil
}

func (t *Table) restore(ctx context.Context, col string, snap snapshotter, entries []index.Entry) bool {
	data, err := t.store.LoadSnapshot(ctx, t.name, col)
	if err != nil || data == nil {
		return false
	}
	if err := snap.Unmarshal(data); err != nil {
		log.Printf("table: discarding snapshot of %s.%s: %v", t.name, col, err)
		return false
	}
	if snap.Len() != len(entries) {
		return t.discard(col)
	}
	for _, e := range entries {
		if !snap.Contains(e.ID) {
			return t.discard(col)
		}
	}
	return true
}

// discard replaces a column index whose snapshot no longer matches the rows.
func (t *Table) discard(col string) bool {
	log.Printf("table: snapshot of %s.%s is stale, rebuilding", t.name, col)
	fresh, err := index.New(index.Options{Type: t.indexCfg.Type, Metric: t.indexCfg.Metric, HNSW: t.indexCfg.HNSW})
	if err == nil {
		t.indexes[col] = fresh
	}
	return false
}

func encodeDescriptor(s *schema.Schema, ic IndexConfig) ([]byte, error) {
	sd, err := s.Describe()
	if err != nil {
		return nil, err
	}
	return json.Marshal(tableDescriptor{Schema: sd, Index: ic.describe()})
}
