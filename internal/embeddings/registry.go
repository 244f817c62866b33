package embeddings

import (
	"errors"
	"sort"
	"sync"
)

// Reserved configuration keys consumed by Descriptor.Create. They never
// reach the provider factory.
const (
	OptMaxRetries           = "max_retries"
	OptRetryInitialInterval = "retry_initial_interval"
	OptRetryMaxInterval     = "retry_max_interval"
	OptTimeout              = "timeout"
	OptCache                = "cache"
)

var errNegativeRetries = errors.New("max_retries must not be negative")

var reservedOptions = []string{
	OptMaxRetries, OptRetryInitialInterval, OptRetryMaxInterval, OptTimeout, OptCache,
}

// Factory builds a provider from its configuration. It returns a
// ConfigurationError when required settings are missing or invalid.
type Factory func(cfg Config) (Function, error)

// Descriptor is a registered provider family.
type Descriptor struct {
	Alias   string
	Factory Factory

	registry *Registry
}

// Create builds a new instance from cfg. Reserved retry keys are applied to
// the instance's RetryPolicy; the rest of cfg goes to the factory.
func (d *Descriptor) Create(cfg Config) (*Instance, error) {
	if cfg == nil {
		cfg = Config{}
	}
	retry, err := retryPolicyFrom(cfg)
	if err != nil {
		return nil, Configf(d.Alias, "%v", err)
	}
	useCache, err := cfg.Bool(OptCache, false)
	if err != nil {
		return nil, Configf(d.Alias, "%v", err)
	}

	fn, err := d.Factory(cfg.Without(reservedOptions...))
	if err != nil {
		return nil, asConfigError(d.Alias, err)
	}
	if fn == nil {
		return nil, Configf(d.Alias, "factory returned no provider")
	}
	if n := fn.NDims(); n <= 0 {
		return nil, Configf(d.Alias, "provider reports %d dimensions", n)
	}

	fn = NewTraced(d.Alias, fn)
	if useCache {
		cache := d.cache()
		if cache == nil {
			return nil, Configf(d.Alias, "caching requested but the registry has no cache")
		}
		fn = NewCached(fn, cache, cacheNamespace(d.Alias, cfg))
	}
	return NewInstance(d.Alias, cfg, fn, retry), nil
}

func (d *Descriptor) cache() Cache {
	if d.registry == nil {
		return nil
	}
	d.registry.mu.RLock()
	defer d.registry.mu.RUnlock()
	return d.registry.cache
}

func retryPolicyFrom(cfg Config) (RetryPolicy, error) {
	p := DefaultRetryPolicy()
	var err error
	if p.MaxRetries, err = cfg.Int(OptMaxRetries, p.MaxRetries); err != nil {
		return p, err
	}
	if p.MaxRetries < 0 {
		return p, errNegativeRetries
	}
	if p.InitialInterval, err = cfg.Duration(OptRetryInitialInterval, p.InitialInterval); err != nil {
		return p, err
	}
	if p.MaxInterval, err = cfg.Duration(OptRetryMaxInterval, p.MaxInterval); err != nil {
		return p, err
	}
	if p.AttemptTimeout, err = cfg.Duration(OptTimeout, 0); err != nil {
		return p, err
	}
	return p, nil
}

func asConfigError(alias string, err error) error {
	if e, ok := err.(*Error); ok && e.Kind == ErrConfiguration {
		if e.Alias == "" {
			c := *e
			c.Alias = alias
			return &c
		}
		return e
	}
	return &Error{Kind: ErrConfiguration, Alias: alias, Err: err}
}

// Registry maps aliases to provider descriptors. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	cache       Cache
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register installs the factory under alias, replacing any previous one.
func (r *Registry) Register(alias string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[alias] = &Descriptor{Alias: alias, Factory: factory, registry: r}
}

// Get returns the descriptor for alias.
func (r *Registry) Get(alias string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[alias]
	if !ok {
		return nil, NotFoundf("no embedding function registered under %q", alias)
	}
	return d, nil
}

// Create is shorthand for Get(alias) followed by Create(cfg).
func (r *Registry) Create(alias string, cfg Config) (*Instance, error) {
	d, err := r.Get(alias)
	if err != nil {
		return nil, err
	}
	return d.Create(cfg)
}

// Aliases returns every registered alias in sorted order.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aliases := make([]string, 0, len(r.descriptors))
	for a := range r.descriptors {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}

// SetCache sets the store used by instances created with cache enabled.
func (r *Registry) SetCache(c Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = c
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, populated with the built-in
// providers on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterBuiltins installs the providers shipped with this package.
func RegisterBuiltins(r *Registry) {
	r.Register(HashingAlias, NewHashingFromConfig)
	r.Register(PixelsAlias, NewPixelsFromConfig)
	r.Register(OpenAIAlias, NewOpenAIFromConfig)
	r.Register(GeminiAlias, NewGeminiFromConfig)
	r.Register(OllamaAlias, NewOllamaFromConfig)
	r.Register(JinaCLIPAlias, NewJinaCLIPFromConfig)
}

// Register installs factory in the default registry.
func Register(alias string, factory Factory) { Default().Register(alias, factory) }

// Get looks alias up in the default registry.
func Get(alias string) (*Descriptor, error) { return Default().Get(alias) }
