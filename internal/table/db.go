package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"vectable/internal/embeddings"
	"vectable/internal/materialize"
	"vectable/internal/schema"
	"vectable/internal/storage"
)

type options struct {
	registry    *embeddings.Registry
	concurrency int
	verbose     bool
}

// Option configures a DB.
type Option func(*options)

// WithRegistry sets the registry used to recreate embedding functions when
// tables are reopened. The default is embeddings.Default().
func WithRegistry(r *embeddings.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithConcurrency bounds how many bindings of one Add embed at once.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithVerbose turns on per-batch logging.
func WithVerbose(v bool) Option {
	return func(o *options) { o.verbose = v }
}

// DB is a set of tables on one store.
type DB struct {
	store storage.Store
	opts  options

	mu     sync.Mutex
	tables map[string]*Table
}

// Connect returns a DB over store. Closing the DB closes the store.
func Connect(store storage.Store, opts ...Option) *DB {
	o := options{concurrency: materialize.DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = embeddings.Default()
	}
	return &DB{store: store, opts: o, tables: make(map[string]*Table)}
}

// Registry returns the registry tables are reopened with.
func (db *DB) Registry() *embeddings.Registry { return db.opts.registry }

// CreateTable registers a new table. Every binding of s must use a function
// created from the DB's registry so the table can be reopened later.
func (db *DB) CreateTable(ctx context.Context, name string, s *schema.Schema, ic IndexConfig) (*Table, error) {
	if name == "" {
		return nil, errors.New("table name is empty")
	}
	desc, err := encodeDescriptor(s, ic)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	t, err := newTable(name, db.store, s, ic, db.opts)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.store.CreateTable(ctx, name, desc); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	db.tables[name] = t
	log.Printf("table: created %s with vector fields %v", name, s.VectorFields())
	return t, nil
}

// OpenTable returns an open table, loading it from the store on first use.
// Embedding functions are recreated from the registry.
func (db *DB) OpenTable(ctx context.Context, name string) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[name]; ok {
		return t, nil
	}

	raw, err := db.store.Descriptor(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	var desc tableDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("open %s: corrupt descriptor: %w", name, err)
	}
	if desc.Schema == nil {
		return nil, fmt.Errorf("open %s: descriptor has no schema", name)
	}
	s, err := schema.FromDescriptor(desc.Schema, db.opts.registry)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	ic, err := desc.Index.config()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	t, err := newTable(name, db.store, s, ic, db.opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := t.load(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	db.tables[name] = t
	return t, nil
}

// TableNames lists the tables in the store.
func (db *DB) TableNames(ctx context.Context) ([]string, error) {
	return db.store.TableNames(ctx)
}

// DropTable deletes a table and its rows.
func (db *DB) DropTable(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.store.DropTable(ctx, name); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	delete(db.tables, name)
	return nil
}

// Close saves index snapshots of open tables, closes their embedding
// functions and closes the store.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var errs []error
	for name, t := range db.tables {
		if err := t.SaveIndexes(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, b := range t.schema.Bindings() {
			if inst, ok := b.Function.(*embeddings.Instance); ok {
				if err := inst.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close %s.%s: %w", name, b.Vector, err))
				}
			}
		}
	}
	db.tables = make(map[string]*Table)
	if err := db.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
