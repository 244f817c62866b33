package embeddings

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"vectable/internal/mathutil"
)

// HashingAlias is the registry alias of the local feature-hashing encoder.
const HashingAlias = "hashing"

const (
	defaultHashingDims  = 384
	defaultHashingNGram = 3
	ngramWeight         = 0.5
)

// Hashing embeds text without a model by hashing words and character
// n-grams into a fixed number of buckets. It is deterministic and needs no
// network, which makes it the default for offline use and tests. Different
// seeds give unrelated vector spaces.
type Hashing struct {
	dims  int
	seed  uint64
	ngram int
}

var _ Function = (*Hashing)(nil)

// NewHashing creates a hashing encoder. ngram 0 disables character n-grams.
func NewHashing(dims int, seed uint64, ngram int) *Hashing {
	if dims <= 0 {
		dims = defaultHashingDims
	}
	return &Hashing{dims: dims, seed: seed, ngram: ngram}
}

// NewHashingFromConfig is the registry factory. Options: dim, seed, ngram.
func NewHashingFromConfig(cfg Config) (Function, error) {
	if err := cfg.Check("dim", "seed", "ngram"); err != nil {
		return nil, Configf(HashingAlias, "%v", err)
	}
	dims, err := cfg.Int("dim", defaultHashingDims)
	if err != nil {
		return nil, Configf(HashingAlias, "%v", err)
	}
	if dims <= 0 {
		return nil, Configf(HashingAlias, "dim must be positive, got %d", dims)
	}
	seed, err := cfg.Int("seed", 0)
	if err != nil {
		return nil, Configf(HashingAlias, "%v", err)
	}
	ngram, err := cfg.Int("ngram", defaultHashingNGram)
	if err != nil {
		return nil, Configf(HashingAlias, "%v", err)
	}
	if ngram < 0 {
		return nil, Configf(HashingAlias, "ngram must not be negative, got %d", ngram)
	}
	return NewHashing(dims, uint64(seed), ngram), nil
}

func (h *Hashing) NDims() int          { return h.dims }
func (h *Hashing) Accepts(k Kind) bool { return k == KindText }

func (h *Hashing) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	in, err := texts(HashingAlias, items)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(in))
	for i, t := range in {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *Hashing) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return h.SourceEmbeddings(ctx, items)
}

func (h *Hashing) embed(text string) []float32 {
	vec := make([]float32, h.dims)
	prefix := strconv.FormatUint(h.seed, 36) + ":"
	for _, word := range tokenize(text) {
		h.add(vec, prefix+"w:"+word, 1)
		if h.ngram == 0 {
			continue
		}
		padded := []rune("#" + word + "#")
		for i := 0; i+h.ngram <= len(padded); i++ {
			h.add(vec, prefix+"g:"+string(padded[i:i+h.ngram]), ngramWeight)
		}
	}
	mathutil.NormalizeInPlace(vec)
	return vec
}

// add hashes feature into a bucket. One hash bit picks the sign so
// collisions cancel out on average.
func (h *Hashing) add(vec []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	bucket := sum % uint64(h.dims)
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

// tokenize splits text into lowercase words.
func tokenize(text string) []string {
	var words []string
	var word strings.Builder

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	if word.Len() > 0 {
		words = append(words, word.String())
	}
	return words
}
