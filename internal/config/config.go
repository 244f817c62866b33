package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"vectable/internal/embeddings"
	"vectable/internal/index"
	"vectable/internal/schema"
)

// Config is the vectable configuration file
type Config struct {
	DataDir   string                    `yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`
	Database  DatabaseConfig            `yaml:"database" toml:"database"`
	Retry     RetryConfig               `yaml:"retry,omitempty" toml:"retry,omitempty"`
	Trace     TraceConfig               `yaml:"trace,omitempty" toml:"trace,omitempty"`
	Debug     DebugConfig               `yaml:"debug,omitempty" toml:"debug,omitempty"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty" toml:"providers,omitempty"`
	Tables    []TableConfig             `yaml:"tables,omitempty" toml:"tables,omitempty"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	// Path to the SQLite file. Relative paths are resolved against the
	// data directory's data/ subdirectory.
	Path string `yaml:"path" toml:"path"`
}

// RetryConfig holds retry defaults applied to every provider that does not
// set its own max_retries or retry intervals.
type RetryConfig struct {
	MaxRetries      *int   `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	InitialInterval string `yaml:"initial_interval,omitempty" toml:"initial_interval,omitempty"`
	MaxInterval     string `yaml:"max_interval,omitempty" toml:"max_interval,omitempty"`
	Timeout         string `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// TraceConfig selects the OTLP/HTTP collector spans are exported to.
type TraceConfig struct {
	Endpoint string            `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty" toml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// DebugConfig contains logging settings
type DebugConfig struct {
	VerboseLogging bool `yaml:"verbose_logging,omitempty" toml:"verbose_logging,omitempty"`
}

// ProviderConfig names a registered embedding function and its options.
// String options support ${ENV_VAR} expansion.
type ProviderConfig struct {
	Alias   string         `yaml:"alias" toml:"alias"`
	Options map[string]any `yaml:"options,omitempty" toml:"options,omitempty"`
}

// TableConfig declares a table created by `vectable create`.
type TableConfig struct {
	Name   string        `yaml:"name" toml:"name"`
	Index  IndexConfig   `yaml:"index,omitempty" toml:"index,omitempty"`
	Fields []FieldConfig `yaml:"fields" toml:"fields"`
}

// IndexConfig selects the vector index of a table.
type IndexConfig struct {
	Type           string `yaml:"type,omitempty" toml:"type,omitempty"`     // "flat" (default) or "hnsw"
	Metric         string `yaml:"metric,omitempty" toml:"metric,omitempty"` // "l2" (default), "cosine" or "dot"
	M              int    `yaml:"m,omitempty" toml:"m,omitempty"`
	EfConstruction int    `yaml:"ef_construction,omitempty" toml:"ef_construction,omitempty"`
	EfSearch       int    `yaml:"ef_search,omitempty" toml:"ef_search,omitempty"`
}

// FieldConfig declares one field. Role is "plain", "source" or "vector".
// Plain fields need Type, source fields need Kind, vector fields need
// Source and Provider.
type FieldConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Role     string `yaml:"role" toml:"role"`
	Type     string `yaml:"type,omitempty" toml:"type,omitempty"`
	Kind     string `yaml:"kind,omitempty" toml:"kind,omitempty"`
	Source   string `yaml:"source,omitempty" toml:"source,omitempty"`
	Provider string `yaml:"provider,omitempty" toml:"provider,omitempty"`
	Width    int    `yaml:"width,omitempty" toml:"width,omitempty"`
	Nulls    string `yaml:"nulls,omitempty" toml:"nulls,omitempty"`
}

// DefaultDatabaseFile is the database file name used when none is configured.
const DefaultDatabaseFile = "vectable.db"

// Default returns a default configuration with a local hashing provider.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDatabaseFile},
		Providers: map[string]ProviderConfig{
			"local": {
				Alias:   embeddings.HashingAlias,
				Options: map[string]any{"dim": 384},
			},
			"openai": {
				Alias: embeddings.OpenAIAlias,
				Options: map[string]any{
					"model":   "text-embedding-3-small",
					"api_key": "${OPENAI_API_KEY}",
				},
			},
		},
	}
}

// Load loads configuration from a YAML or TOML file, chosen by extension.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.expandEnvVars()
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, expands and validates a configuration document.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	// Tilde first so that both "~/foo" and "${SOME_PATH}" work.
	cfg.expandTilde()
	cfg.expandEnvVars()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration as YAML or TOML, chosen by extension.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	switch formatOf(path) {
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	default:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabaseFile
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
}

// expandEnvVars expands ${ENV_VAR} placeholders in paths and in string
// provider options.
func (c *Config) expandEnvVars() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Trace.Endpoint = os.ExpandEnv(c.Trace.Endpoint)
	for key, value := range c.Trace.Headers {
		c.Trace.Headers[key] = os.ExpandEnv(value)
	}
	for _, p := range c.Providers {
		for key, value := range p.Options {
			if s, ok := value.(string); ok {
				p.Options[key] = os.ExpandEnv(s)
			}
		}
	}
}

// expandTilde replaces a leading "~/" with the user's home directory in
// path-valued fields.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}
	c.DataDir = expand(c.DataDir)
	c.Database.Path = expand(c.Database.Path)
}

// Validate checks provider references and table declarations.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative (got %d)", *c.Retry.MaxRetries)
	}
	for _, name := range c.ProviderNames() {
		if c.Providers[name].Alias == "" {
			return fmt.Errorf("provider %q has no alias", name)
		}
	}

	seen := make(map[string]bool, len(c.Tables))
	var errs []error
	for _, t := range c.Tables {
		if t.Name == "" {
			errs = append(errs, errors.New("table with empty name"))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate table %q", t.Name))
			continue
		}
		seen[t.Name] = true
		if err := c.validateTable(t); err != nil {
			errs = append(errs, fmt.Errorf("table %q: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateTable(t TableConfig) error {
	if len(t.Fields) == 0 {
		return errors.New("no fields")
	}
	if _, err := t.Index.Options(); err != nil {
		return err
	}
	for _, f := range t.Fields {
		switch f.Role {
		case "plain":
			if _, err := schema.ParseType(f.Type); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		case "source":
			if _, err := embeddings.ParseKind(f.Kind); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		case "vector":
			if f.Source == "" {
				return fmt.Errorf("field %q: vector field has no source", f.Name)
			}
			if _, ok := c.Providers[f.Provider]; !ok {
				return fmt.Errorf("field %q: unknown provider %q", f.Name, f.Provider)
			}
			if _, err := schema.ParseNullPolicy(f.Nulls); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		default:
			return fmt.Errorf("field %q: unknown role %q", f.Name, f.Role)
		}
	}
	return nil
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the declared table called name.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// ProviderOptions returns the embedding configuration for a provider, with
// the file's retry defaults filled in where the provider sets none.
func (c *Config) ProviderOptions(name string) (string, embeddings.Config, error) {
	p, ok := c.Providers[name]
	if !ok {
		return "", nil, fmt.Errorf("unknown provider %q", name)
	}
	opts := make(embeddings.Config, len(p.Options)+4)
	for k, v := range p.Options {
		opts[k] = v
	}
	setDefault := func(key string, v any) {
		if _, ok := opts[key]; !ok {
			opts[key] = v
		}
	}
	if c.Retry.MaxRetries != nil {
		setDefault(embeddings.OptMaxRetries, *c.Retry.MaxRetries)
	}
	if c.Retry.InitialInterval != "" {
		setDefault(embeddings.OptRetryInitialInterval, c.Retry.InitialInterval)
	}
	if c.Retry.MaxInterval != "" {
		setDefault(embeddings.OptRetryMaxInterval, c.Retry.MaxInterval)
	}
	if c.Retry.Timeout != "" {
		setDefault(embeddings.OptTimeout, c.Retry.Timeout)
	}
	return p.Alias, opts, nil
}

// CreateFunction builds the embedding function of a configured provider.
func (c *Config) CreateFunction(r *embeddings.Registry, provider string) (*embeddings.Instance, error) {
	alias, opts, err := c.ProviderOptions(provider)
	if err != nil {
		return nil, err
	}
	return r.Create(alias, opts)
}

// Options converts the index settings.
func (ic IndexConfig) Options() (index.Options, error) {
	metric, err := index.ParseMetric(ic.Metric)
	if err != nil {
		return index.Options{}, err
	}
	t := index.Type(ic.Type)
	if t != "" && t != index.TypeFlat && t != index.TypeHNSW {
		return index.Options{}, fmt.Errorf("unknown index type %q", ic.Type)
	}
	if t == index.TypeHNSW && ic.Metric == "" {
		metric = index.Cosine
	}
	return index.Options{
		Type:   t,
		Metric: metric,
		HNSW:   index.HNSWConfig{M: ic.M, EfConstruction: ic.EfConstruction, EfSearch: ic.EfSearch},
	}, nil
}

// BuildSchema creates the embedding functions of a declared table and
// binds them into a schema. Functions created before a failure are closed.
func (c *Config) BuildSchema(r *embeddings.Registry, t TableConfig) (*schema.Schema, error) {
	b := schema.NewBuilder()
	var created []*embeddings.Instance
	fail := func(err error) (*schema.Schema, error) {
		for _, inst := range created {
			inst.Close()
		}
		return nil, fmt.Errorf("table %q: %w", t.Name, err)
	}

	for _, f := range t.Fields {
		switch f.Role {
		case "plain":
			typ, err := schema.ParseType(f.Type)
			if err != nil {
				return fail(err)
			}
			b.Plain(f.Name, typ)
		case "source":
			kind, err := embeddings.ParseKind(f.Kind)
			if err != nil {
				return fail(err)
			}
			b.Source(f.Name, kind)
		case "vector":
			fn, err := c.CreateFunction(r, f.Provider)
			if err != nil {
				return fail(fmt.Errorf("field %q: %w", f.Name, err))
			}
			created = append(created, fn)
			nulls, err := schema.ParseNullPolicy(f.Nulls)
			if err != nil {
				return fail(err)
			}
			opts := []schema.BindingOption{schema.WithNullPolicy(nulls)}
			if f.Width > 0 {
				opts = append(opts, schema.WithWidth(f.Width))
			}
			b.Vector(f.Name, f.Source, fn, opts...)
		default:
			return fail(fmt.Errorf("field %q: unknown role %q", f.Name, f.Role))
		}
	}
	s, err := b.Build()
	if err != nil {
		return fail(err)
	}
	return s, nil
}
