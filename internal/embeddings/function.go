package embeddings

import (
	"context"
	"io"
)

// Function is the contract every embedding provider implements.
//
// Implementations are immutable after construction and safe for concurrent
// use. Source and query calls return exactly one vector of NDims() values per
// input, in input order, or an error and no vectors at all.
type Function interface {
	// NDims is the fixed width of every vector the function produces.
	NDims() int

	// Accepts reports whether the function can embed inputs of kind k.
	Accepts(k Kind) bool

	// SourceEmbeddings embeds values being ingested.
	SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error)

	// QueryEmbeddings embeds search queries. Asymmetric encoders use a
	// different path here; most providers share the source path.
	QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error)
}

// Instance is a Function created through a registry descriptor. It remembers
// the alias and configuration it was created from and its retry policy.
type Instance struct {
	Function

	alias  string
	config Config
	retry  RetryPolicy
}

var _ Function = (*Instance)(nil)

// NewInstance wraps fn with an alias, config and retry policy. Most callers
// go through Descriptor.Create instead.
func NewInstance(alias string, cfg Config, fn Function, retry RetryPolicy) *Instance {
	return &Instance{Function: fn, alias: alias, config: cfg.Clone(), retry: retry}
}

// Alias returns the registry alias the instance was created from.
func (i *Instance) Alias() string { return i.alias }

// Config returns a copy of the configuration the instance was created with,
// including reserved keys.
func (i *Instance) Config() Config { return i.config.Clone() }

// RetryPolicy returns the policy applied around the instance's calls.
func (i *Instance) RetryPolicy() RetryPolicy { return i.retry }

// Unwrap returns the provider behind the instance.
func (i *Instance) Unwrap() Function { return i.Function }

// Close releases the provider's client if it holds one.
func (i *Instance) Close() error {
	if c, ok := i.Function.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AliasOf returns the alias of fn when it was created from a registry.
func AliasOf(fn Function) string {
	if inst, ok := fn.(*Instance); ok {
		return inst.alias
	}
	if n, ok := fn.(interface{ Alias() string }); ok {
		return n.Alias()
	}
	return ""
}
