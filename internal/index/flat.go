package index

import (
	"fmt"
	"slices"
	"sync"
)

// Flat is an exact index that compares the query against every vector.
type Flat struct {
	metric Metric
	dims   int

	ids     []string
	vectors [][]float32
	pos     map[string]int
	mu      sync.RWMutex
}

var _ Index = (*Flat)(nil)

// NewFlat creates an empty exact index.
func NewFlat(metric Metric) *Flat {
	return &Flat{metric: metric, pos: make(map[string]int)}
}

// Metric returns the distance the index ranks by.
func (f *Flat) Metric() Metric { return f.metric }

func (f *Flat) Add(entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dims := f.dims
	for _, e := range entries {
		if dims == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) != dims {
			return fmt.Errorf("%w: %s has %d dimensions, index has %d", ErrDimMismatch, e.ID, len(e.Vector), dims)
		}
	}
	f.dims = dims

	for _, e := range entries {
		vec := slices.Clone(e.Vector)
		if i, ok := f.pos[e.ID]; ok {
			f.vectors[i] = vec
			continue
		}
		f.pos[e.ID] = len(f.ids)
		f.ids = append(f.ids, e.ID)
		f.vectors = append(f.vectors, vec)
	}
	return nil
}

func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.ids) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != f.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimMismatch, len(query), f.dims)
	}

	results := make([]Result, len(f.ids))
	for i, id := range f.ids {
		results[i] = Result{ID: id, Distance: f.metric.Distance(query, f.vectors[i])}
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove swaps each removed vector with the last one.
func (f *Flat) Remove(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		i, ok := f.pos[id]
		if !ok {
			continue
		}
		last := len(f.ids) - 1
		if i != last {
			f.ids[i] = f.ids[last]
			f.vectors[i] = f.vectors[last]
			f.pos[f.ids[i]] = i
		}
		f.ids = f.ids[:last]
		f.vectors = f.vectors[:last]
		delete(f.pos, id)
	}
	if len(f.ids) == 0 {
		f.dims = 0
	}
	return nil
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}
