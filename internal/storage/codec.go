package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"vectable/internal/schema"
)

// encodeValues renders the non-vector values of a row as a JSON object.
// Bytes are base64 encoded; nulls are omitted.
func encodeValues(fields []schema.Field, values schema.Row) ([]byte, error) {
	obj := make(map[string]any, len(fields))
	for i, f := range fields {
		if f.Type == schema.TypeVector || i >= len(values) || values[i] == nil {
			continue
		}
		v := values[i]
		if f.Type == schema.TypeBytes {
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("field %s: expected []byte, got %T", f.Name, v)
			}
			v = base64.StdEncoding.EncodeToString(b)
		}
		obj[f.Name] = v
	}
	return json.Marshal(obj)
}

// decodeValues is the inverse of encodeValues. Vector fields are left nil.
func decodeValues(fields []schema.Field, data []byte) (schema.Row, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	values := make(schema.Row, len(fields))
	for i, f := range fields {
		raw, ok := obj[f.Name]
		if !ok || f.Type == schema.TypeVector {
			continue
		}
		v, err := decodeValue(f.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func decodeValue(t schema.Type, raw json.RawMessage) (any, error) {
	switch t {
	case schema.TypeString:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case schema.TypeBytes:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	case schema.TypeInt64:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, err
		}
		return n.Int64()
	case schema.TypeFloat64:
		var f float64
		err := json.Unmarshal(raw, &f)
		return f, err
	case schema.TypeBool:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	}
	return nil, fmt.Errorf("cannot decode %s", t)
}

// encodeFloat32Slice converts []float32 to little-endian bytes.
func encodeFloat32Slice(f []float32) []byte {
	buf := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeFloat32Slice converts little-endian bytes to []float32.
func decodeFloat32Slice(b []byte) []float32 {
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}
