package index

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"vectable/internal/mathutil"
)

// HNSWConfig configures the HNSW index.
type HNSWConfig struct {
	M              int     // Max connections per node (default 16)
	EfConstruction int     // Construction search depth (default 200)
	EfSearch       int     // Query search depth (default 50)
	LevelMult      float64 // Level multiplier (default 1/ln(M))
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	if c.M == 0 {
		c.M = 16
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch == 0 {
		c.EfSearch = 50
	}
	if c.LevelMult == 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	return c
}

// hnswNode is a graph node. Fields are exported for gob.
type hnswNode struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]uint32 // Neighbors[level] = neighbour node indices
}

// HNSW is an approximate Hierarchical Navigable Small World index ranking
// by cosine distance.
//
// Removal is lazy: a removed or replaced node stays in the graph as a
// waypoint but is never returned. A node is live while idToIndex maps its ID
// back to it.
type HNSW struct {
	nodes      []hnswNode
	idToIndex  map[string]uint32
	entryPoint int32 // -1 if empty
	maxLevel   int
	dims       int
	cfg        HNSWConfig
	rng        *rand.Rand
	mu         sync.RWMutex
}

var _ Index = (*HNSW)(nil)

// NewHNSW creates an empty HNSW index.
func NewHNSW(cfg HNSWConfig) *HNSW {
	return &HNSW{
		idToIndex:  make(map[string]uint32),
		entryPoint: -1,
		cfg:        cfg.withDefaults(),
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

func (h *HNSW) Add(entries []Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dims := h.dims
	for _, e := range entries {
		if dims == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) != dims {
			return fmt.Errorf("%w: %s has %d dimensions, index has %d", ErrDimMismatch, e.ID, len(e.Vector), dims)
		}
	}
	h.dims = dims

	for _, e := range entries {
		h.addOne(e)
	}
	return nil
}

func (h *HNSW) distance(a, b []float32) float32 {
	return mathutil.CosineDistance(a, b)
}

func (h *HNSW) addOne(e Entry) {
	level := h.randomLevel()
	idx := uint32(len(h.nodes))

	n := hnswNode{
		ID:        e.ID,
		Vector:    slices.Clone(e.Vector),
		Level:     level,
		Neighbors: make([][]uint32, level+1),
	}
	for i := range n.Neighbors {
		n.Neighbors[i] = make([]uint32, 0, h.cfg.M)
	}
	h.nodes = append(h.nodes, n)
	h.idToIndex[e.ID] = idx

	if h.entryPoint < 0 {
		h.entryPoint = int32(idx)
		h.maxLevel = level
		return
	}

	curr := uint32(h.entryPoint)
	for l := h.maxLevel; l > level; l-- {
		curr = h.searchLayerOne(e.Vector, curr, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		neighbors := h.searchLayer(e.Vector, curr, h.cfg.EfConstruction, l)
		h.selectAndConnect(idx, neighbors, l)
		if len(neighbors) > 0 {
			curr = neighbors[0].idx
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = int32(idx)
	}
}

func (h *HNSW) randomLevel() int {
	r := 1 - h.rng.Float64() // (0, 1]
	return int(-math.Log(r) * h.cfg.LevelMult)
}

func (h *HNSW) searchLayerOne(query []float32, entry uint32, level int) uint32 {
	curr := entry
	currDist := h.distance(query, h.nodes[curr].Vector)
	for {
		changed := false
		if level < len(h.nodes[curr].Neighbors) {
			for _, nb := range h.nodes[curr].Neighbors[level] {
				if d := h.distance(query, h.nodes[nb].Vector); d < currDist {
					curr, currDist = nb, d
					changed = true
				}
			}
		}
		if !changed {
			return curr
		}
	}
}

// searchLayer returns up to ef nodes closest to query on level, closest
// first. candidates is a min-heap of nodes to expand, results a max-heap of
// the best nodes found so far.
func (h *HNSW) searchLayer(query []float32, entry uint32, ef, level int) []distItem {
	visited := map[uint32]struct{}{entry: {}}
	d := h.distance(query, h.nodes[entry].Vector)
	candidates := &minHeap{{idx: entry, dist: d}}
	results := &maxHeap{{idx: entry, dist: d}}

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && curr.dist > (*results)[0].dist {
			break
		}
		if level >= len(h.nodes[curr.idx].Neighbors) {
			continue
		}
		for _, nb := range h.nodes[curr.idx].Neighbors[level] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			nd := h.distance(query, h.nodes[nb].Vector)
			if results.Len() < ef || nd < (*results)[0].dist {
				heap.Push(candidates, distItem{idx: nb, dist: nd})
				heap.Push(results, distItem{idx: nb, dist: nd})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distItem, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem)
	}
	return out
}

func (h *HNSW) selectAndConnect(idx uint32, neighbors []distItem, level int) {
	m := h.cfg.M
	if level == 0 {
		m = h.cfg.M * 2
	}
	if len(neighbors) > m {
		neighbors = neighbors[:m]
	}

	for _, nb := range neighbors {
		h.nodes[idx].Neighbors[level] = append(h.nodes[idx].Neighbors[level], nb.idx)
		if level < len(h.nodes[nb.idx].Neighbors) {
			h.nodes[nb.idx].Neighbors[level] = append(h.nodes[nb.idx].Neighbors[level], idx)
			if len(h.nodes[nb.idx].Neighbors[level]) > m {
				h.pruneConnections(nb.idx, level, m)
			}
		}
	}
}

// pruneConnections keeps the m neighbours closest to idx.
func (h *HNSW) pruneConnections(idx uint32, level, m int) {
	neighbors := h.nodes[idx].Neighbors[level]
	items := make([]distItem, len(neighbors))
	for i, n := range neighbors {
		items[i] = distItem{idx: n, dist: h.distance(h.nodes[idx].Vector, h.nodes[n].Vector)}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].dist < items[j].dist })

	kept := make([]uint32, m)
	for i := range kept {
		kept[i] = items[i].idx
	}
	h.nodes[idx].Neighbors[level] = kept
}

func (h *HNSW) live(idx uint32) bool {
	cur, ok := h.idToIndex[h.nodes[idx].ID]
	return ok && cur == idx
}

func (h *HNSW) Search(query []float32, k int) ([]Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint < 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != h.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimMismatch, len(query), h.dims)
	}

	curr := uint32(h.entryPoint)
	for l := h.maxLevel; l > 0; l-- {
		curr = h.searchLayerOne(query, curr, l)
	}

	ef := max(h.cfg.EfSearch, k) + (len(h.nodes) - len(h.idToIndex))
	results := make([]Result, 0, k)
	for _, it := range h.searchLayer(query, curr, ef, 0) {
		if !h.live(it.idx) {
			continue
		}
		results = append(results, Result{ID: h.nodes[it.idx].ID, Distance: it.dist})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (h *HNSW) Remove(ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(h.idToIndex, id)
	}
	return nil
}

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToIndex)
}

// Contains reports whether id is live in the index.
func (h *HNSW) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idToIndex[id]
	return ok
}

// hnswData is the gob form of the index.
type hnswData struct {
	Nodes      []hnswNode
	IDToIndex  map[string]uint32
	EntryPoint int32
	MaxLevel   int
	Dims       int
	Cfg        HNSWConfig
}

// validate rejects snapshots whose node references fall outside the graph.
func (d *hnswData) validate() error {
	n := len(d.Nodes)
	if n == 0 {
		if d.EntryPoint >= 0 || len(d.IDToIndex) > 0 {
			return fmt.Errorf("index: corrupt hnsw snapshot: entry point %d in empty graph", d.EntryPoint)
		}
		return nil
	}
	if d.EntryPoint < 0 || int(d.EntryPoint) >= n {
		return fmt.Errorf("index: corrupt hnsw snapshot: entry point %d of %d nodes", d.EntryPoint, n)
	}
	for i, node := range d.Nodes {
		if len(node.Vector) != d.Dims {
			return fmt.Errorf("index: corrupt hnsw snapshot: node %d has %d dimensions, index has %d", i, len(node.Vector), d.Dims)
		}
		for _, level := range node.Neighbors {
			for _, nb := range level {
				if int(nb) >= n {
					return fmt.Errorf("index: corrupt hnsw snapshot: node %d links to %d of %d nodes", i, nb, n)
				}
			}
		}
	}
	for id, idx := range d.IDToIndex {
		if int(idx) >= n || d.Nodes[idx].ID != id {
			return fmt.Errorf("index: corrupt hnsw snapshot at %q", id)
		}
	}
	return nil
}

// Marshal serializes the graph.
func (h *HNSW) Marshal() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data := hnswData{
		Nodes:      h.nodes,
		IDToIndex:  h.idToIndex,
		EntryPoint: h.entryPoint,
		MaxLevel:   h.maxLevel,
		Dims:       h.dims,
		Cfg:        h.cfg,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal replaces the graph with a serialized one.
func (h *HNSW) Unmarshal(data []byte) error {
	var d hnswData
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&d); err != nil {
		return err
	}
	if err := d.validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = d.Nodes
	h.idToIndex = d.IDToIndex
	if h.idToIndex == nil {
		h.idToIndex = make(map[string]uint32)
	}
	h.entryPoint = d.EntryPoint
	h.maxLevel = d.MaxLevel
	h.dims = d.Dims
	h.cfg = d.Cfg.withDefaults()
	return nil
}

type distItem struct {
	idx  uint32
	dist float32
}

type minHeap []distItem

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

type maxHeap []distItem

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}
