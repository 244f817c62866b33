package embeddings

import (
	"fmt"
	"image"
)

// Kind identifies the representation of a value handed to a provider.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindURI
	KindBytes
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindURI:
		return "uri"
	case KindBytes:
		return "bytes"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text", "":
		return KindText, nil
	case "uri":
		return KindURI, nil
	case "bytes":
		return KindBytes, nil
	case "image":
		return KindImage, nil
	}
	return 0, fmt.Errorf("unknown input kind %q", s)
}

// KindSet is a provider's declared accept-set.
type KindSet uint8

// Kinds builds a KindSet.
func Kinds(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// Has reports whether k is in the set.
func (s KindSet) Has(k Kind) bool { return s&(1<<k) != 0 }

// Input is a single non-null value submitted to a provider.
// Text holds the text for KindText and the reference for KindURI.
type Input struct {
	Kind  Kind
	Text  string
	Bytes []byte
	Image image.Image
}

func Text(s string) Input         { return Input{Kind: KindText, Text: s} }
func URI(u string) Input          { return Input{Kind: KindURI, Text: u} }
func Bytes(b []byte) Input        { return Input{Kind: KindBytes, Bytes: b} }
func Image(img image.Image) Input { return Input{Kind: KindImage, Image: img} }

// InputOf converts a Go value into an Input. Strings are text.
func InputOf(v any) (Input, error) {
	switch x := v.(type) {
	case Input:
		return x, nil
	case string:
		return Text(x), nil
	case []byte:
		return Bytes(x), nil
	case image.Image:
		return Image(x), nil
	}
	return Input{}, fmt.Errorf("cannot embed value of type %T", v)
}

// InputAs converts a stored column value into an Input of the given kind.
func InputAs(kind Kind, v any) (Input, error) {
	switch kind {
	case KindText, KindURI:
		s, ok := v.(string)
		if !ok {
			return Input{}, fmt.Errorf("expected string for %s value, got %T", kind, v)
		}
		return Input{Kind: kind, Text: s}, nil
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return Input{}, fmt.Errorf("expected []byte for bytes value, got %T", v)
		}
		return Bytes(b), nil
	case KindImage:
		img, ok := v.(image.Image)
		if !ok {
			return Input{}, fmt.Errorf("expected image.Image, got %T", v)
		}
		return Image(img), nil
	}
	return Input{}, fmt.Errorf("unknown input kind %s", kind)
}

// texts extracts the text of every input, rejecting other kinds.
func texts(alias string, items []Input) ([]string, error) {
	out := make([]string, len(items))
	for i, it := range items {
		if it.Kind != KindText {
			return nil, PermanentFailure(alias, fmt.Errorf("item %d: %s input not accepted", i, it.Kind))
		}
		out[i] = it.Text
	}
	return out, nil
}
