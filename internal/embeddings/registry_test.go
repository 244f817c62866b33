package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constFunc returns the same vector for every input.
type constFunc struct {
	dims  int
	value float32
}

func (c constFunc) NDims() int          { return c.dims }
func (c constFunc) Accepts(k Kind) bool { return k == KindText }
func (c constFunc) SourceEmbeddings(_ context.Context, items []Input) ([][]float32, error) {
	out := make([][]float32, len(items))
	for i := range items {
		v := make([]float32, c.dims)
		for j := range v {
			v[j] = c.value
		}
		out[i] = v
	}
	return out, nil
}
func (c constFunc) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return c.SourceEmbeddings(ctx, items)
}

func TestRegistry_GetUnknownAlias(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register("const", func(Config) (Function, error) { return constFunc{dims: 2, value: 1}, nil })
	r.Register("const", func(Config) (Function, error) { return constFunc{dims: 3, value: 2}, nil })

	inst, err := r.Create("const", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.NDims())
	assert.Equal(t, []string{"const"}, r.Aliases())
}

func TestDescriptor_CreateReservedOptions(t *testing.T) {
	r := NewRegistry()
	var seen Config
	r.Register("const", func(cfg Config) (Function, error) {
		seen = cfg
		return constFunc{dims: 4}, nil
	})

	inst, err := r.Create("const", Config{
		"max_retries":            0,
		"retry_initial_interval": "10ms",
		"timeout":                2.5,
		"extra":                  "kept",
	})
	require.NoError(t, err)

	assert.Equal(t, Config{"extra": "kept"}, seen)
	assert.Equal(t, "const", inst.Alias())
	assert.Equal(t, 0, inst.RetryPolicy().MaxRetries)
	assert.Equal(t, 10*time.Millisecond, inst.RetryPolicy().InitialInterval)
	assert.Equal(t, 2500*time.Millisecond, inst.RetryPolicy().AttemptTimeout)
	assert.Equal(t, 0, inst.Config()["max_retries"])
}

func TestDescriptor_CreateDefaultRetries(t *testing.T) {
	inst, err := Default().Create(HashingAlias, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, inst.RetryPolicy().MaxRetries)
	assert.Equal(t, DefaultMaxRetries, PolicyFor(inst).MaxRetries)
}

func TestDescriptor_CreateConfigurationErrors(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	tests := []struct {
		name  string
		alias string
		cfg   Config
	}{
		{"negative retries", HashingAlias, Config{"max_retries": -1}},
		{"retries not a number", HashingAlias, Config{"max_retries": "many"}},
		{"unknown option", HashingAlias, Config{"dims": 12}},
		{"zero dim", HashingAlias, Config{"dim": 0}},
		{"pixels bad color", PixelsAlias, Config{"color": "cmyk"}},
		{"openai missing key", OpenAIAlias, Config{"api_key": ""}},
		{"openai unknown model", OpenAIAlias, Config{"api_key": "k", "model": "my-model"}},
		{"openai too wide", OpenAIAlias, Config{"api_key": "k", "dim": 4096}},
		{"openai ada custom dim", OpenAIAlias, Config{"api_key": "k", "model": "text-embedding-ada-002", "dim": 256}},
		{"gemini missing key", GeminiAlias, Config{"api_key": ""}},
		{"ollama unknown model", OllamaAlias, Config{"model": "mystery"}},
		{"jina missing key", JinaCLIPAlias, Config{"api_key": ""}},
		{"cache without store", HashingAlias, Config{"cache": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(tt.alias, tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tt.alias)
		})
	}
}

func TestDescriptor_CreateWrapsPlainFactoryErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(Config) (Function, error) { return nil, fmt.Errorf("no model file") })

	_, err := r.Create("broken", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "no model file")
}

func TestDescriptor_CreateIndependentInstances(t *testing.T) {
	d, err := Default().Get(HashingAlias)
	require.NoError(t, err)

	a, err := d.Create(Config{"dim": 64})
	require.NoError(t, err)
	b, err := d.Create(Config{"dim": 128, "seed": 7})
	require.NoError(t, err)

	assert.Equal(t, 64, a.NDims())
	assert.Equal(t, 128, b.NDims())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("p%d", i%4), func(Config) (Function, error) { return constFunc{dims: 1}, nil })
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Get("p0")
			_ = r.Aliases()
		}()
	}
	wg.Wait()
	assert.Len(t, r.Aliases(), 4)
}

func TestDefault_HasBuiltins(t *testing.T) {
	aliases := Default().Aliases()
	for _, a := range []string{HashingAlias, PixelsAlias, OpenAIAlias, GeminiAlias, OllamaAlias, JinaCLIPAlias} {
		assert.Contains(t, aliases, a)
	}
}

func TestDescriptor_CreateWithCache(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	cache := NewMemoryCache()
	r.SetCache(cache)

	inst, err := r.Create(HashingAlias, Config{"cache": true, "dim": 32})
	require.NoError(t, err)
	_, ok := inst.Unwrap().(*Cached)
	require.True(t, ok)

	_, err = inst.SourceEmbeddings(context.Background(), []Input{Text("a"), Text("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
}

// closingFunc counts Close calls.
type closingFunc struct {
	constFunc
	closed *atomic.Int32
}

func (c closingFunc) Close() error {
	c.closed.Add(1)
	return nil
}

func TestInstance_CloseReachesProvider(t *testing.T) {
	r := NewRegistry()
	r.SetCache(NewMemoryCache())
	closed := new(atomic.Int32)
	r.Register("closing", func(Config) (Function, error) {
		return closingFunc{constFunc: constFunc{dims: 2}, closed: closed}, nil
	})

	plain, err := r.Create("closing", nil)
	require.NoError(t, err)
	cached, err := r.Create("closing", Config{"cache": true})
	require.NoError(t, err)

	require.NoError(t, plain.Close())
	require.NoError(t, cached.Close())
	assert.Equal(t, int32(2), closed.Load())
}

// idleCounter is an httpDoer that records CloseIdleConnections.
type idleCounter struct {
	closed int
}

func (c *idleCounter) Do(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("not connected")
}

func (c *idleCounter) CloseIdleConnections() { c.closed++ }

func TestProviders_CloseIdleConnections(t *testing.T) {
	client := &idleCounter{}
	require.NoError(t, (&Ollama{client: client}).Close())
	require.NoError(t, (&JinaCLIP{client: client}).Close())
	assert.Equal(t, 2, client.closed)

	for _, alias := range []string{HashingAlias, PixelsAlias, OllamaAlias} {
		inst, err := Default().Create(alias, nil)
		require.NoError(t, err)
		assert.NoError(t, inst.Close(), alias)
	}
}
