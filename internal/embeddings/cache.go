package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// Cache stores embeddings by content key.
type Cache interface {
	GetEmbeddings(ctx context.Context, keys []string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, entries map[string][]float32) error
}

// Cached wraps a Function with content-addressed caching. Only cache misses
// are sent to the provider, still as a single batch.
type Cached struct {
	inner     Function
	cache     Cache
	namespace string
}

var _ Function = (*Cached)(nil)

// NewCached wraps fn. namespace separates entries of differently configured
// providers.
func NewCached(fn Function, cache Cache, namespace string) *Cached {
	return &Cached{inner: fn, cache: cache, namespace: namespace}
}

func (c *Cached) NDims() int          { return c.inner.NDims() }
func (c *Cached) Accepts(k Kind) bool { return c.inner.Accepts(k) }

// Close forwards to the wrapped provider.
func (c *Cached) Close() error {
	if cl, ok := c.inner.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Cached) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return c.embed(ctx, "source", items, c.inner.SourceEmbeddings)
}

func (c *Cached) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return c.embed(ctx, "query", items, c.inner.QueryEmbeddings)
}

type embedFunc func(ctx context.Context, items []Input) ([][]float32, error)

func (c *Cached) embed(ctx context.Context, path string, items []Input, call embedFunc) ([][]float32, error) {
	if len(items) == 0 {
		return nil, nil
	}

	keys := make([]string, len(items))
	var lookup []string
	for i, it := range items {
		if k, ok := c.key(path, it); ok {
			keys[i] = k
			lookup = append(lookup, k)
		}
	}

	hits := map[string][]float32{}
	if len(lookup) > 0 {
		var err error
		if hits, err = c.cache.GetEmbeddings(ctx, lookup); err != nil {
			log.Printf("embeddings: cache lookup failed: %v", err)
			hits = map[string][]float32{}
		}
	}

	results := make([][]float32, len(items))
	var misses []int
	for i := range items {
		if v, ok := hits[keys[i]]; ok && keys[i] != "" && len(v) == c.inner.NDims() {
			results[i] = v
			continue
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return results, nil
	}

	missItems := make([]Input, len(misses))
	for i, idx := range misses {
		missItems[i] = items[idx]
	}
	vectors, err := call(ctx, missItems)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missItems) {
		return nil, ProviderFailure("", fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(missItems)))
	}

	store := make(map[string][]float32, len(misses))
	for i, idx := range misses {
		results[idx] = vectors[i]
		if keys[idx] != "" {
			store[keys[idx]] = vectors[i]
		}
	}
	if len(store) > 0 {
		if err := c.cache.PutEmbeddings(ctx, store); err != nil {
			log.Printf("embeddings: cache store failed: %v", err)
		}
	}
	return results, nil
}

// key hashes the namespace, call path and payload. Decoded images are not
// cached.
func (c *Cached) key(path string, it Input) (string, bool) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", c.namespace, path, it.Kind)
	switch it.Kind {
	case KindText, KindURI:
		h.Write([]byte(it.Text))
	case KindBytes:
		h.Write(it.Bytes)
	default:
		return "", false
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

// cacheNamespace identifies a provider configuration. Credentials are left
// out so rotating a key keeps the cache.
func cacheNamespace(alias string, cfg Config) string {
	var b strings.Builder
	b.WriteString(alias)
	for _, k := range cfg.Keys() {
		if k == "api_key" || k == OptCache || k == OptMaxRetries || k == OptTimeout ||
			k == OptRetryInitialInterval || k == OptRetryMaxInterval {
			continue
		}
		fmt.Fprintf(&b, ";%s=%v", k, cfg[k])
	}
	return b.String()
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]float32)}
}

func (m *MemoryCache) GetEmbeddings(_ context.Context, keys []string) (map[string][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]float32, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			out[k] = append([]float32(nil), v...)
		}
	}
	return out, nil
}

func (m *MemoryCache) PutEmbeddings(_ context.Context, entries map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.entries[k] = append([]float32(nil), v...)
	}
	return nil
}

// Len returns the number of cached embeddings.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
