package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"vectable/internal/schema"
)

type memTable struct {
	descriptor []byte
	rows       []Row
	pos        map[string]int
	snapshots  map[string][]byte
}

// Memory is an in-memory Store.
type Memory struct {
	tables map[string]*memTable
	mu     sync.RWMutex
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// cloneValues copies a row deeply enough that no vector or byte slice is
// shared with the caller.
func cloneValues(values schema.Row) schema.Row {
	out := make(schema.Row, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case []float32:
			out[i] = slices.Clone(x)
		case []byte:
			out[i] = slices.Clone(x)
		default:
			out[i] = v
		}
	}
	return out
}

func (m *Memory) table(name string) (*memTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

func (m *Memory) CreateTable(_ context.Context, name string, descriptor []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	m.tables[name] = &memTable{
		descriptor: append([]byte(nil), descriptor...),
		pos:        make(map[string]int),
		snapshots:  make(map[string][]byte),
	}
	return nil
}

func (m *Memory) Descriptor(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.descriptor...), nil
}

func (m *Memory) TableNames(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) DropTable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.table(name); err != nil {
		return err
	}
	delete(m.tables, name)
	return nil
}

// Append checks every row before storing any of them.
func (m *Memory) Append(ctx context.Context, table string, fields []schema.Field, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if len(r.Values) != len(fields) {
			return fmt.Errorf("row %s has %d values, expected %d", r.ID, len(r.Values), len(fields))
		}
		if _, dup := t.pos[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRow, r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRow, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	for _, r := range rows {
		t.pos[r.ID] = len(t.rows)
		t.rows = append(t.rows, Row{ID: r.ID, Values: cloneValues(r.Values)})
	}
	return nil
}

func (m *Memory) Scan(ctx context.Context, table string, _ []schema.Field, fn func(Row) error) error {
	m.mu.RLock()
	t, err := m.table(table)
	if err != nil {
		m.mu.RUnlock()
		return err
	}
	rows := append([]Row(nil), t.rows...)
	m.mu.RUnlock()

	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(Row{ID: r.ID, Values: cloneValues(r.Values)}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, table string, _ []schema.Field, ids []string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		if i, ok := t.pos[id]; ok {
			r := t.rows[i]
			out = append(out, Row{ID: r.ID, Values: cloneValues(r.Values)})
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, table string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := t.pos[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	kept := t.rows[:0]
	for _, r := range t.rows {
		if _, ok := drop[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	t.rows = kept
	t.pos = make(map[string]int, len(kept))
	for i, r := range kept {
		t.pos[r.ID] = i
	}
	return len(drop), nil
}

func (m *Memory) Count(_ context.Context, table string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

func (m *Memory) SaveSnapshot(_ context.Context, table, column string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	t.snapshots[column] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context, table, column string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	data, ok := t.snapshots[column]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

// Close is a no-op for memory storage.
func (m *Memory) Close() error {
	return nil
}
