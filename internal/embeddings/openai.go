package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// OpenAIAlias is the registry alias of the OpenAI embeddings provider.
const OpenAIAlias = "openai"

const (
	defaultOpenAIModel     = "text-embedding-3-small"
	defaultOpenAIBatchSize = 2048
)

// openAIModelDims lists native widths of known models. Models outside this
// table need an explicit dim.
var openAIModelDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAI embeds text through the OpenAI (or a compatible) embeddings API.
type OpenAI struct {
	client    openai.Client
	http      *http.Client
	model     string
	dims      int
	shorten   bool // send dimensions with each request
	batchSize int
}

var _ Function = (*OpenAI)(nil)

// OpenAIOptions configures NewOpenAI.
type OpenAIOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dims      int
	BatchSize int
	Timeout   time.Duration
}

// NewOpenAI creates the provider. The client's own retries are disabled;
// the embeddings retry wrapper governs retrying.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, Configf(OpenAIAlias, "api_key is required (or set OPENAI_API_KEY)")
	}
	if opts.Model == "" {
		opts.Model = defaultOpenAIModel
	}
	native, known := openAIModelDims[opts.Model]
	dims := opts.Dims
	switch {
	case dims < 0:
		return nil, Configf(OpenAIAlias, "dim must be positive, got %d", dims)
	case dims == 0 && !known:
		return nil, Configf(OpenAIAlias, "unsupported model %q without dim", opts.Model)
	case dims == 0:
		dims = native
	case known && dims > native:
		return nil, Configf(OpenAIAlias, "model %s supports at most %d dimensions, got %d", opts.Model, native, dims)
	case opts.Model == "text-embedding-ada-002" && dims != native:
		return nil, Configf(OpenAIAlias, "model %s does not support custom dimensions", opts.Model)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultOpenAIBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	httpClient := newHTTPClient(opts.Timeout)
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(httpClient),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAI{
		client:    openai.NewClient(reqOpts...),
		http:      httpClient,
		model:     opts.Model,
		dims:      dims,
		shorten:   dims != native,
		batchSize: opts.BatchSize,
	}, nil
}

// NewOpenAIFromConfig is the registry factory. Options: model, dim, api_key,
// base_url, batch_size, request_timeout.
func NewOpenAIFromConfig(cfg Config) (Function, error) {
	if err := cfg.Check("model", "dim", "api_key", "base_url", "batch_size", "request_timeout"); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	var opts OpenAIOptions
	var err error
	if opts.Model, err = cfg.String("model", defaultOpenAIModel); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	if opts.Dims, err = cfg.Int("dim", 0); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	if opts.APIKey, err = cfg.String("api_key", os.Getenv("OPENAI_API_KEY")); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	if opts.BaseURL, err = cfg.String("base_url", os.Getenv("OPENAI_BASE_URL")); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	if opts.BatchSize, err = cfg.Int("batch_size", defaultOpenAIBatchSize); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	if opts.Timeout, err = cfg.Duration("request_timeout", 0); err != nil {
		return nil, Configf(OpenAIAlias, "%v", err)
	}
	return NewOpenAI(opts)
}

// Close drops idle connections to the API.
func (o *OpenAI) Close() error {
	closeIdle(o.http)
	return nil
}

func (o *OpenAI) NDims() int          { return o.dims }
func (o *OpenAI) Accepts(k Kind) bool { return k == KindText }

// SourceEmbeddings sends the inputs in batches of at most batch_size. A
// failure in any batch fails the whole call.
func (o *OpenAI) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	in, err := texts(OpenAIAlias, items)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(in))
	for start := 0; start < len(in); start += o.batchSize {
		end := min(start+o.batchSize, len(in))
		vecs, err := o.embed(ctx, in[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (o *OpenAI) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return o.SourceEmbeddings(ctx, items)
}

func (o *OpenAI) embed(ctx context.Context, batch []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: o.model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: batch,
		},
	}
	if o.shorten {
		params.Dimensions = param.NewOpt(int64(o.dims))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, httpStatusError(OpenAIAlias, apiErr.StatusCode, []byte(apiErr.Message))
		}
		return nil, ProviderFailure(OpenAIAlias, err)
	}
	if len(resp.Data) != len(batch) {
		return nil, ProviderFailure(OpenAIAlias, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(batch)))
	}

	result := make([][]float32, len(batch))
	for _, emb := range resp.Data {
		if emb.Index < 0 || int(emb.Index) >= len(batch) {
			return nil, ProviderFailure(OpenAIAlias, fmt.Errorf("embedding index %d out of range", emb.Index))
		}
		vec := make([]float32, len(emb.Embedding))
		for j, v := range emb.Embedding {
			vec[j] = float32(v)
		}
		result[emb.Index] = vec
	}
	for i, vec := range result {
		if len(vec) != o.dims {
			return nil, ProviderFailure(OpenAIAlias, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(vec), o.dims))
		}
	}
	return result, nil
}

// httpDoer is satisfied by *http.Client; tests substitute their own.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
