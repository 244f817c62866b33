package schema

import (
	"fmt"
	"math"

	"vectable/internal/embeddings"
)

// CoerceRow checks a row against the schema and returns a copy with values
// normalised to their storage types: integers to int64, floats to float64
// and vectors to []float32 of the field width. nil is always allowed.
func (s *Schema) CoerceRow(row Row) (Row, error) {
	if len(row) != len(s.fields) {
		return nil, embeddings.Schemaf("", "row has %d values, schema has %d fields", len(row), len(s.fields))
	}
	out := make(Row, len(row))
	for i, f := range s.fields {
		v, err := coerceValue(f, row[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func coerceValue(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case TypeInt64:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		}
	case TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeVector:
		vec, err := CoerceVector(v, f.Width)
		if err != nil {
			return nil, embeddings.Schemaf(f.Name, "%v", err)
		}
		return vec, nil
	}
	return nil, embeddings.Schemaf(f.Name, "cannot store %T in a %s field", v, f.Type)
}

// CoerceVector casts a caller-supplied vector to []float32 and checks its
// width. Accepted: []float32, []float64 and []any of numbers.
func CoerceVector(v any, width int) ([]float32, error) {
	var out []float32
	switch x := v.(type) {
	case []float32:
		out = append([]float32(nil), x...)
	case []float64:
		out = make([]float32, len(x))
		for i, f := range x {
			out[i] = float32(f)
		}
	case []any:
		out = make([]float32, len(x))
		for i, e := range x {
			switch n := e.(type) {
			case float64:
				out[i] = float32(n)
			case float32:
				out[i] = n
			case int:
				out[i] = float32(n)
			case int64:
				out[i] = float32(n)
			default:
				return nil, fmt.Errorf("element %d: expected number, got %T", i, e)
			}
		}
	default:
		return nil, fmt.Errorf("expected a vector, got %T", v)
	}
	if width > 0 && len(out) != width {
		return nil, fmt.Errorf("vector has %d dimensions, field expects %d", len(out), width)
	}
	return out, nil
}
