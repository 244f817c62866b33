package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"google.golang.org/genai"
)

// GeminiAlias is the registry alias of the Gemini embeddings provider.
const GeminiAlias = "gemini"

const (
	defaultGeminiModel      = "text-embedding-004"
	defaultGeminiSourceTask = "RETRIEVAL_DOCUMENT"
	defaultGeminiQueryTask  = "RETRIEVAL_QUERY"
)

var geminiModelDims = map[string]int{
	"text-embedding-004":   768,
	"embedding-001":        768,
	"gemini-embedding-001": 3072,
}

// Gemini embeds text through the Gemini API. It is asymmetric: ingested
// values and queries are embedded with different task types.
type Gemini struct {
	client     *genai.Client
	http       *http.Client
	model      string
	dims       int
	shorten    bool
	sourceTask string
	queryTask  string
}

var _ Function = (*Gemini)(nil)

// NewGeminiFromConfig is the registry factory. Options: model, dim,
// api_key, base_url, source_task, query_task, request_timeout.
func NewGeminiFromConfig(cfg Config) (Function, error) {
	if err := cfg.Check("model", "dim", "api_key", "base_url", "source_task", "query_task", "request_timeout"); err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	model, err := cfg.String("model", defaultGeminiModel)
	if err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	native, known := geminiModelDims[model]
	dims, err := cfg.Int("dim", native)
	if err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	if dims <= 0 {
		return nil, Configf(GeminiAlias, "unsupported model %q without dim", model)
	}
	if known && dims > native {
		return nil, Configf(GeminiAlias, "model %s supports at most %d dimensions, got %d", model, native, dims)
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey, err = cfg.String("api_key", apiKey); err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	if apiKey == "" {
		return nil, Configf(GeminiAlias, "api_key is required (or set GEMINI_API_KEY)")
	}
	baseURL, err := cfg.String("base_url", "")
	if err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	sourceTask, err := cfg.String("source_task", defaultGeminiSourceTask)
	if err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	queryTask, err := cfg.String("query_task", defaultGeminiQueryTask)
	if err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}
	timeout, err := cfg.Duration("request_timeout", 60*time.Second)
	if err != nil {
		return nil, Configf(GeminiAlias, "%v", err)
	}

	httpClient := newHTTPClient(timeout)
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, Configf(GeminiAlias, "create client: %v", err)
	}
	return &Gemini{
		client:     client,
		http:       httpClient,
		model:      model,
		dims:       dims,
		shorten:    dims != native,
		sourceTask: sourceTask,
		queryTask:  queryTask,
	}, nil
}

// Close drops idle connections to the API.
func (g *Gemini) Close() error {
	closeIdle(g.http)
	return nil
}

func (g *Gemini) NDims() int          { return g.dims }
func (g *Gemini) Accepts(k Kind) bool { return k == KindText }

func (g *Gemini) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return g.embed(ctx, items, g.sourceTask)
}

func (g *Gemini) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return g.embed(ctx, items, g.queryTask)
}

func (g *Gemini) embed(ctx context.Context, items []Input, task string) ([][]float32, error) {
	in, err := texts(GeminiAlias, items)
	if err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(in))
	for i, t := range in {
		contents[i] = &genai.Content{
			Parts: []*genai.Part{
				{Text: t},
			},
		}
	}
	cfg := &genai.EmbedContentConfig{TaskType: task}
	if g.shorten {
		d := int32(g.dims)
		cfg.OutputDimensionality = &d
	}

	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, geminiFailure(err)
	}
	if len(result.Embeddings) != len(in) {
		return nil, ProviderFailure(GeminiAlias, fmt.Errorf("got %d embeddings for %d inputs", len(result.Embeddings), len(in)))
	}
	out := make([][]float32, len(in))
	for i, e := range result.Embeddings {
		if e == nil || len(e.Values) != g.dims {
			return nil, ProviderFailure(GeminiAlias, fmt.Errorf("embedding %d has wrong width, want %d", i, g.dims))
		}
		out[i] = e.Values
	}
	return out, nil
}

// geminiFailure classifies an API error by its HTTP status so that bad
// requests and auth failures are not retried.
func geminiFailure(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return httpStatusError(GeminiAlias, apiErr.Code, []byte(apiErr.Message))
	}
	return ProviderFailure(GeminiAlias, err)
}
