package schema

import (
	"fmt"
	"time"

	"vectable/internal/embeddings"
)

// secretOptions are provider settings that are never written to a
// descriptor. Providers fall back to their environment variables on reload.
var secretOptions = []string{"api_key"}

// Descriptor is the serialisable form of a Schema. Bindings refer to their
// provider by registry alias and configuration.
type Descriptor struct {
	Fields   []FieldDescriptor   `json:"fields" yaml:"fields"`
	Bindings []BindingDescriptor `json:"bindings,omitempty" yaml:"bindings,omitempty"`
}

// FieldDescriptor describes one field.
type FieldDescriptor struct {
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role" yaml:"role"`
	Type  string `json:"type" yaml:"type"`
	Kind  string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Width int    `json:"width,omitempty" yaml:"width,omitempty"`
}

// BindingDescriptor describes one binding.
type BindingDescriptor struct {
	Source string            `json:"source" yaml:"source"`
	Vector string            `json:"vector" yaml:"vector"`
	Alias  string            `json:"alias" yaml:"alias"`
	Config embeddings.Config `json:"config,omitempty" yaml:"config,omitempty"`
	Nulls  string            `json:"nulls,omitempty" yaml:"nulls,omitempty"`
	Retry  *RetryDescriptor  `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryDescriptor records a binding-level retry override. Fields left out
// fall back to embeddings.DefaultRetryPolicy.
type RetryDescriptor struct {
	MaxRetries          int      `json:"max_retries" yaml:"max_retries"`
	InitialInterval     string   `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval         string   `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier          *float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	RandomizationFactor *float64 `json:"randomization_factor,omitempty" yaml:"randomization_factor,omitempty"`
	AttemptTimeout      string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Describe returns the schema's descriptor. Every binding must use a
// function created from a registry.
func (s *Schema) Describe() (*Descriptor, error) {
	d := &Descriptor{}
	for _, f := range s.fields {
		fd := FieldDescriptor{Name: f.Name, Role: f.Role.String(), Type: f.Type.String(), Width: f.Width}
		if f.Role == RoleSource {
			fd.Kind = f.Kind.String()
		}
		d.Fields = append(d.Fields, fd)
	}
	for _, b := range s.order {
		inst, ok := b.Function.(*embeddings.Instance)
		if !ok {
			return nil, embeddings.Schemaf(b.Vector, "embedding function was not created from a registry and cannot be described")
		}
		bd := BindingDescriptor{
			Source: b.Source,
			Vector: b.Vector,
			Alias:  inst.Alias(),
			Config: inst.Config().Without(secretOptions...),
			Nulls:  b.Nulls.String(),
		}
		if b.Retry != inst.RetryPolicy() {
			bd.Retry = describeRetry(b.Retry)
		}
		d.Bindings = append(d.Bindings, bd)
	}
	return d, nil
}

func describeRetry(p embeddings.RetryPolicy) *RetryDescriptor {
	return &RetryDescriptor{
		MaxRetries:          p.MaxRetries,
		InitialInterval:     p.InitialInterval.String(),
		MaxInterval:         p.MaxInterval.String(),
		Multiplier:          &p.Multiplier,
		RandomizationFactor: &p.RandomizationFactor,
		AttemptTimeout:      p.AttemptTimeout.String(),
	}
}

// Policy converts the descriptor back to a RetryPolicy on top of the
// defaults.
func (rd *RetryDescriptor) Policy() (embeddings.RetryPolicy, error) {
	p := embeddings.DefaultRetryPolicy()
	if rd.MaxRetries < 0 {
		return p, fmt.Errorf("max_retries must not be negative")
	}
	p.MaxRetries = rd.MaxRetries
	if rd.Multiplier != nil {
		p.Multiplier = *rd.Multiplier
	}
	if rd.RandomizationFactor != nil {
		p.RandomizationFactor = *rd.RandomizationFactor
	}
	for _, d := range []struct {
		s   string
		dst *time.Duration
	}{
		{rd.InitialInterval, &p.InitialInterval},
		{rd.MaxInterval, &p.MaxInterval},
		{rd.AttemptTimeout, &p.AttemptTimeout},
	} {
		if d.s == "" {
			continue
		}
		v, err := time.ParseDuration(d.s)
		if err != nil {
			return p, err
		}
		*d.dst = v
	}
	return p, nil
}

// FromDescriptor rebuilds a schema, creating every bound provider from
// registry. A nil registry means embeddings.Default().
func FromDescriptor(d *Descriptor, registry *embeddings.Registry) (*Schema, error) {
	if registry == nil {
		registry = embeddings.Default()
	}
	bindings := make(map[string]BindingDescriptor, len(d.Bindings))
	for _, bd := range d.Bindings {
		if _, dup := bindings[bd.Vector]; dup {
			return nil, embeddings.Schemaf(bd.Vector, "vector field bound twice")
		}
		bindings[bd.Vector] = bd
	}

	b := NewBuilder()
	for _, fd := range d.Fields {
		switch fd.Role {
		case "plain", "":
			t, err := ParseType(fd.Type)
			if err != nil {
				return nil, embeddings.Schemaf(fd.Name, "%v", err)
			}
			b.Plain(fd.Name, t)
		case "source":
			k, err := embeddings.ParseKind(fd.Kind)
			if err != nil {
				return nil, embeddings.Schemaf(fd.Name, "%v", err)
			}
			b.Source(fd.Name, k)
		case "vector":
			bd, ok := bindings[fd.Name]
			if !ok {
				return nil, embeddings.Schemaf(fd.Name, "vector field has no binding")
			}
			delete(bindings, fd.Name)
			opts, err := bindingOptionsFrom(fd, bd)
			if err != nil {
				return nil, err
			}
			fn, err := registry.Create(bd.Alias, bd.Config)
			if err != nil {
				return nil, err
			}
			b.Vector(fd.Name, bd.Source, fn, opts...)
		default:
			return nil, embeddings.Schemaf(fd.Name, "unknown role %q", fd.Role)
		}
	}
	for _, bd := range d.Bindings {
		if _, left := bindings[bd.Vector]; left {
			return nil, embeddings.Schemaf(bd.Vector, "binding refers to a field that is not in the schema")
		}
	}
	return b.Build()
}

func bindingOptionsFrom(fd FieldDescriptor, bd BindingDescriptor) ([]BindingOption, error) {
	var opts []BindingOption
	if fd.Width > 0 {
		opts = append(opts, WithWidth(fd.Width))
	}
	nulls, err := ParseNullPolicy(bd.Nulls)
	if err != nil {
		return nil, embeddings.Schemaf(fd.Name, "%v", err)
	}
	opts = append(opts, WithNullPolicy(nulls))
	if bd.Retry != nil {
		p, err := bd.Retry.Policy()
		if err != nil {
			return nil, embeddings.Schemaf(fd.Name, "retry: %v", err)
		}
		opts = append(opts, WithRetry(p))
	}
	return opts, nil
}
