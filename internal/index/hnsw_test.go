package index

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHNSW_AddAndLen(t *testing.T) {
	h := NewHNSW(HNSWConfig{})
	require.NoError(t, h.Add([]Entry{
		{ID: "1", Vector: []float32{1, 0, 0}},
		{ID: "2", Vector: []float32{0, 1, 0}},
		{ID: "3", Vector: []float32{0, 0, 1}},
	}))
	assert.Equal(t, 3, h.Len())
}

func TestHNSW_Search(t *testing.T) {
	h := NewHNSW(HNSWConfig{})
	require.NoError(t, h.Add([]Entry{
		{ID: "1", Vector: []float32{1, 0, 0}},
		{ID: "2", Vector: []float32{0.9, 0.1, 0}},
		{ID: "3", Vector: []float32{0, 1, 0}},
		{ID: "4", Vector: []float32{0, 0, 1}},
	}))

	results, err := h.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].ID)
	assert.Equal(t, "2", results[1].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
}

func TestHNSW_MatchesExactSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := NewHNSW(HNSWConfig{M: 8, EfSearch: 64})
	f := NewFlat(Cosine)

	var entries []Entry
	for i := 0; i < 300; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		entries = append(entries, Entry{ID: fmt.Sprintf("v%d", i), Vector: v})
	}
	require.NoError(t, h.Add(entries))
	require.NoError(t, f.Add(entries))

	hits := 0
	for q := 0; q < 20; q++ {
		query := entries[rng.Intn(len(entries))].Vector
		approx, err := h.Search(query, 1)
		require.NoError(t, err)
		exact, err := f.Search(query, 1)
		require.NoError(t, err)
		if len(approx) == 1 && approx[0].ID == exact[0].ID {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, 18)
}

func TestHNSW_RemoveAndReplace(t *testing.T) {
	h := NewHNSW(HNSWConfig{})
	require.NoError(t, h.Add([]Entry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	}))

	require.NoError(t, h.Remove([]string{"a"}))
	assert.Equal(t, 1, h.Len())
	assert.False(t, h.Contains("a"))
	results, err := h.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)

	require.NoError(t, h.Add([]Entry{{ID: "b", Vector: []float32{1, 0.1}}}))
	assert.Equal(t, 1, h.Len())
	results, err = h.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Less(t, results[0].Distance, float32(0.01))
}

func TestHNSW_MarshalUnmarshal(t *testing.T) {
	h1 := NewHNSW(HNSWConfig{})
	require.NoError(t, h1.Add([]Entry{
		{ID: "1", Vector: []float32{1, 0, 0}},
		{ID: "2", Vector: []float32{0, 1, 0}},
	}))

	data, err := h1.Marshal()
	require.NoError(t, err)

	h2 := NewHNSW(HNSWConfig{})
	require.NoError(t, h2.Unmarshal(data))
	assert.Equal(t, 2, h2.Len())

	results, err := h2.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)

	assert.Error(t, h2.Unmarshal([]byte("not gob")))
}

func TestHNSW_UnmarshalRejectsDanglingReferences(t *testing.T) {
	h := NewHNSW(HNSWConfig{})
	require.NoError(t, h.Add([]Entry{
		{ID: "1", Vector: []float32{1, 0}},
		{ID: "2", Vector: []float32{0, 1}},
	}))

	encode := func(mutate func(*hnswData)) []byte {
		h.mu.RLock()
		d := hnswData{
			Nodes:      append([]hnswNode(nil), h.nodes...),
			IDToIndex:  h.idToIndex,
			EntryPoint: h.entryPoint,
			MaxLevel:   h.maxLevel,
			Dims:       h.dims,
			Cfg:        h.cfg,
		}
		h.mu.RUnlock()
		mutate(&d)
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(d))
		return buf.Bytes()
	}

	tests := []struct {
		name   string
		mutate func(*hnswData)
	}{
		{"entry point past nodes", func(d *hnswData) { d.EntryPoint = 7 }},
		{"negative entry point", func(d *hnswData) { d.EntryPoint = -1 }},
		{"neighbour past nodes", func(d *hnswData) {
			n := d.Nodes[0]
			n.Neighbors = [][]uint32{{0, 42}}
			d.Nodes[0] = n
		}},
		{"short vector", func(d *hnswData) {
			n := d.Nodes[1]
			n.Vector = []float32{1}
			d.Nodes[1] = n
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := NewHNSW(HNSWConfig{})
			assert.Error(t, fresh.Unmarshal(encode(tt.mutate)))
			assert.Equal(t, 0, fresh.Len())
		})
	}

	fresh := NewHNSW(HNSWConfig{})
	require.NoError(t, fresh.Unmarshal(encode(func(*hnswData) {})))
	assert.Equal(t, 2, fresh.Len())
}

func TestHNSW_KeepsOwnCopyOfVectors(t *testing.T) {
	h := NewHNSW(HNSWConfig{})
	vec := []float32{1, 0}
	require.NoError(t, h.Add([]Entry{{ID: "a", Vector: vec}, {ID: "b", Vector: []float32{0, 1}}}))
	vec[0], vec[1] = 0, 1

	results, err := h.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}
