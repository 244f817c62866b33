package embeddings

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"vectable/internal/mathutil"
)

// PixelsAlias is the registry alias of the local image encoder.
const PixelsAlias = "pixels"

const defaultPixelsSize = 16

// Pixels embeds images by scaling them onto a small fixed grid and using the
// centred, normalised intensities as the vector. URI inputs are fetched and
// then decoded exactly like byte inputs, and decoded images skip the decode
// step, so every accepted representation of the same picture yields the same
// vector.
type Pixels struct {
	size    int
	color   bool
	fetcher *Fetcher
}

var _ Function = (*Pixels)(nil)

// NewPixels creates an image encoder with a size×size grid. Color keeps the
// three RGB channels instead of luminance.
func NewPixels(size int, color bool, fetcher *Fetcher) *Pixels {
	if size <= 0 {
		size = defaultPixelsSize
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	return &Pixels{size: size, color: color, fetcher: fetcher}
}

// NewPixelsFromConfig is the registry factory. Options: size, color ("gray"
// or "rgb").
func NewPixelsFromConfig(cfg Config) (Function, error) {
	if err := cfg.Check("size", "color"); err != nil {
		return nil, Configf(PixelsAlias, "%v", err)
	}
	size, err := cfg.Int("size", defaultPixelsSize)
	if err != nil {
		return nil, Configf(PixelsAlias, "%v", err)
	}
	if size <= 0 || size > 256 {
		return nil, Configf(PixelsAlias, "size must be between 1 and 256, got %d", size)
	}
	mode, err := cfg.String("color", "gray")
	if err != nil {
		return nil, Configf(PixelsAlias, "%v", err)
	}
	if mode != "gray" && mode != "rgb" {
		return nil, Configf(PixelsAlias, "color must be gray or rgb, got %q", mode)
	}
	return NewPixels(size, mode == "rgb", nil), nil
}

// Close drops idle connections of the URI fetcher.
func (p *Pixels) Close() error { return p.fetcher.Close() }

func (p *Pixels) NDims() int {
	if p.color {
		return p.size * p.size * 3
	}
	return p.size * p.size
}

func (p *Pixels) Accepts(k Kind) bool {
	return k == KindURI || k == KindBytes || k == KindImage
}

func (p *Pixels) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	images, err := decodeImages(ctx, PixelsAlias, p.fetcher, items)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(images))
	for i, img := range images {
		out[i] = p.embed(img)
	}
	return out, nil
}

func (p *Pixels) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return p.SourceEmbeddings(ctx, items)
}

func (p *Pixels) embed(img image.Image) []float32 {
	grid := image.NewRGBA(image.Rect(0, 0, p.size, p.size))
	draw.BiLinear.Scale(grid, grid.Bounds(), img, img.Bounds(), draw.Src, nil)

	vec := make([]float32, 0, p.NDims())
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			c := grid.RGBAAt(x, y)
			if p.color {
				vec = append(vec, float32(c.R)/255, float32(c.G)/255, float32(c.B)/255)
				continue
			}
			lum := 0.299*float32(c.R) + 0.587*float32(c.G) + 0.114*float32(c.B)
			vec = append(vec, lum/255)
		}
	}

	var mean float32
	for _, v := range vec {
		mean += v
	}
	mean /= float32(len(vec))
	for i := range vec {
		vec[i] -= mean
	}
	mathutil.NormalizeInPlace(vec)
	return vec
}

// decodeImages turns image inputs into decoded images. URIs are fetched
// concurrently and then share the byte path.
func decodeImages(ctx context.Context, alias string, fetcher *Fetcher, items []Input) ([]image.Image, error) {
	raw, err := imageBytes(ctx, alias, fetcher, items)
	if err != nil {
		return nil, err
	}
	out := make([]image.Image, len(items))
	for i, it := range items {
		if it.Kind == KindImage {
			if it.Image == nil {
				return nil, PermanentFailure(alias, fmt.Errorf("item %d: nil image", i))
			}
			out[i] = it.Image
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(raw[i]))
		if err != nil {
			return nil, PermanentFailure(alias, fmt.Errorf("item %d: decode image: %w", i, err))
		}
		out[i] = img
	}
	return out, nil
}

// imageBytes returns the encoded bytes of every URI or bytes input. Entries
// for decoded images stay nil. Text inputs are rejected.
func imageBytes(ctx context.Context, alias string, fetcher *Fetcher, items []Input) ([][]byte, error) {
	raw := make([][]byte, len(items))
	var uris []string
	var uriIdx []int
	for i, it := range items {
		switch it.Kind {
		case KindBytes:
			raw[i] = it.Bytes
		case KindURI:
			uris = append(uris, it.Text)
			uriIdx = append(uriIdx, i)
		case KindImage:
		default:
			return nil, PermanentFailure(alias, fmt.Errorf("item %d: %s input not accepted", i, it.Kind))
		}
	}
	if len(uris) == 0 {
		return raw, nil
	}
	fetched, err := fetcher.FetchAll(ctx, uris)
	if err != nil {
		return nil, err
	}
	for j, i := range uriIdx {
		raw[i] = fetched[j]
	}
	return raw, nil
}
