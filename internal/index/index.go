// Package index provides nearest-neighbour search over the vector fields of
// a table.
package index

import (
	"errors"
	"fmt"
	"sort"

	"vectable/internal/mathutil"
)

// ErrDimMismatch is returned when a vector's width differs from the index's.
var ErrDimMismatch = errors.New("index: vector dimension mismatch")

// Metric is a distance function. Smaller is closer for every metric.
type Metric uint8

const (
	L2 Metric = iota
	Cosine
	Dot
)

func (m Metric) String() string {
	switch m {
	case L2:
		return "l2"
	case Cosine:
		return "cosine"
	case Dot:
		return "dot"
	}
	return fmt.Sprintf("metric(%d)", uint8(m))
}

// ParseMetric maps "l2", "cosine" or "dot" to a Metric. Empty means l2.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "l2", "euclidean":
		return L2, nil
	case "cosine":
		return Cosine, nil
	case "dot":
		return Dot, nil
	}
	return 0, fmt.Errorf("unknown distance metric %q", s)
}

// Distance returns the distance between a and b. Dot distance is the
// negated inner product.
func (m Metric) Distance(a, b []float32) float32 {
	switch m {
	case Cosine:
		return mathutil.CosineDistance(a, b)
	case Dot:
		return -mathutil.DotProduct(a, b)
	default:
		return mathutil.L2Distance(a, b)
	}
}

// Entry is a vector to index.
type Entry struct {
	ID     string
	Vector []float32
}

// Result is a nearest-neighbour match.
type Result struct {
	ID       string
	Distance float32
}

// Index provides nearest neighbour search.
type Index interface {
	// Add inserts or replaces vectors.
	Add(entries []Entry) error

	// Search returns up to k nearest neighbours, closest first.
	Search(query []float32, k int) ([]Result, error)

	// Remove drops vectors by ID. Unknown IDs are ignored.
	Remove(ids []string) error

	Len() int
}

// Type selects an Index implementation.
type Type string

const (
	TypeFlat Type = "flat"
	TypeHNSW Type = "hnsw"
)

// Options configures New.
type Options struct {
	Type   Type
	Metric Metric
	HNSW   HNSWConfig
}

// New returns an empty index. The zero Options give an exact L2 index.
func New(opts Options) (Index, error) {
	switch opts.Type {
	case "", TypeFlat:
		return NewFlat(opts.Metric), nil
	case TypeHNSW:
		if opts.Metric != Cosine {
			return nil, fmt.Errorf("hnsw index supports cosine distance only, got %s", opts.Metric)
		}
		return NewHNSW(opts.HNSW), nil
	}
	return nil, fmt.Errorf("unknown index type %q", opts.Type)
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
}
