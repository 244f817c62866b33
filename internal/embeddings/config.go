package embeddings

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Config is the free-form configuration passed to a provider factory.
// Values come from Go code, JSON, YAML or TOML, so numeric getters accept
// any integer or float representation.
type Config map[string]any

// Clone returns a shallow copy.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Without returns a copy with keys removed.
func (c Config) Without(keys ...string) Config {
	out := c.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Keys returns the configured keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Check fails on keys not listed in known.
func (c Config) Check(known ...string) error {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	for _, k := range c.Keys() {
		if !allowed[k] {
			return fmt.Errorf("unknown option %q", k)
		}
	}
	return nil
}

func (c Config) String(key, def string) (string, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q: expected string, got %T", key, v)
	}
	return s, nil
}

func (c Config) Int(key string, def int) (int, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("option %q: expected integer, got %v", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("option %q: expected integer, got %T", key, v)
}

func (c Config) Float(key string, def float64) (float64, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("option %q: expected number, got %T", key, v)
}

func (c Config) Bool(key string, def bool) (bool, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("option %q: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("option %q: expected bool, got %T", key, v)
}

// Duration accepts a Go duration string ("1.5s") or a number of seconds.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return parsed, nil
	}
	secs, err := c.Float(key, 0)
	if err != nil {
		return 0, fmt.Errorf("option %q: expected duration, got %T", key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
