package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// JinaCLIPAlias is the registry alias of the multimodal CLIP provider.
const JinaCLIPAlias = "jina-clip"

const (
	defaultJinaBaseURL = "https://api.jina.ai"
	defaultJinaModel   = "jina-clip-v2"
)

var jinaModelDims = map[string]int{
	"jina-clip-v1": 768,
	"jina-clip-v2": 1024,
}

// JinaCLIP embeds text and images into one space through a Jina-compatible
// /v1/embeddings API. Images are always sent as base64 of their encoded
// bytes; URIs are fetched locally first, so a URI and the bytes it points to
// produce the same request and the same vector.
type JinaCLIP struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	shorten    bool
	normalized bool
	client     httpDoer
	fetcher    *Fetcher
}

var _ Function = (*JinaCLIP)(nil)

// NewJinaCLIPFromConfig is the registry factory. Options: model, dim,
// api_key, base_url, normalized, request_timeout.
func NewJinaCLIPFromConfig(cfg Config) (Function, error) {
	if err := cfg.Check("model", "dim", "api_key", "base_url", "normalized", "request_timeout"); err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	model, err := cfg.String("model", defaultJinaModel)
	if err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	native, known := jinaModelDims[model]
	dims, err := cfg.Int("dim", native)
	if err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	if dims <= 0 {
		return nil, Configf(JinaCLIPAlias, "unsupported model %q without dim", model)
	}
	if known && dims > native {
		return nil, Configf(JinaCLIPAlias, "model %s supports at most %d dimensions, got %d", model, native, dims)
	}
	apiKey, err := cfg.String("api_key", os.Getenv("JINA_API_KEY"))
	if err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	baseURL, err := cfg.String("base_url", defaultJinaBaseURL)
	if err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	if apiKey == "" && baseURL == defaultJinaBaseURL {
		return nil, Configf(JinaCLIPAlias, "api_key is required (or set JINA_API_KEY)")
	}
	normalized, err := cfg.Bool("normalized", true)
	if err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	timeout, err := cfg.Duration("request_timeout", 60*time.Second)
	if err != nil {
		return nil, Configf(JinaCLIPAlias, "%v", err)
	}
	client := newHTTPClient(timeout)
	return &JinaCLIP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		shorten:    dims != native,
		normalized: normalized,
		client:     client,
		fetcher:    NewFetcher(client),
	}, nil
}

func (j *JinaCLIP) NDims() int { return j.dims }

// Close drops idle connections of the client shared with the fetcher.
func (j *JinaCLIP) Close() error {
	closeIdle(j.client)
	return nil
}

func (j *JinaCLIP) Accepts(k Kind) bool {
	return k == KindText || k == KindURI || k == KindBytes || k == KindImage
}

func (j *JinaCLIP) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	if len(items) == 0 {
		return nil, nil
	}
	inputs, err := j.inputs(ctx, items)
	if err != nil {
		return nil, err
	}

	reqBody := jinaEmbedRequest{Model: j.model, Input: inputs, Normalized: j.normalized}
	if j.shorten {
		reqBody.Dimensions = j.dims
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, PermanentFailure(JinaCLIPAlias, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, PermanentFailure(JinaCLIPAlias, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, ProviderFailure(JinaCLIPAlias, fmt.Errorf("request failed: %w", err))
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, ProviderFailure(JinaCLIPAlias, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(JinaCLIPAlias, resp.StatusCode, respBody)
	}

	var out jinaEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, ProviderFailure(JinaCLIPAlias, fmt.Errorf("unmarshal response: %w", err))
	}
	if len(out.Data) != len(items) {
		return nil, ProviderFailure(JinaCLIPAlias, fmt.Errorf("got %d embeddings for %d inputs", len(out.Data), len(items)))
	}
	vectors := make([][]float32, len(items))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(items) {
			return nil, ProviderFailure(JinaCLIPAlias, fmt.Errorf("embedding index %d out of range", d.Index))
		}
		if len(d.Embedding) != j.dims {
			return nil, ProviderFailure(JinaCLIPAlias, fmt.Errorf("embedding %d has %d dimensions, want %d", d.Index, len(d.Embedding), j.dims))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (j *JinaCLIP) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return j.SourceEmbeddings(ctx, items)
}

func (j *JinaCLIP) inputs(ctx context.Context, items []Input) ([]jinaInput, error) {
	var media []Input
	var mediaIdx []int
	out := make([]jinaInput, len(items))
	for i, it := range items {
		if it.Kind == KindText {
			out[i] = jinaInput{Text: it.Text}
			continue
		}
		media = append(media, it)
		mediaIdx = append(mediaIdx, i)
	}
	if len(media) == 0 {
		return out, nil
	}

	raw, err := imageBytes(ctx, JinaCLIPAlias, j.fetcher, media)
	if err != nil {
		return nil, err
	}
	for k, i := range mediaIdx {
		b := raw[k]
		if media[k].Kind == KindImage {
			if media[k].Image == nil {
				return nil, PermanentFailure(JinaCLIPAlias, fmt.Errorf("item %d: nil image", i))
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, media[k].Image); err != nil {
				return nil, PermanentFailure(JinaCLIPAlias, fmt.Errorf("item %d: encode image: %w", i, err))
			}
			b = buf.Bytes()
		}
		out[i] = jinaInput{Image: base64.StdEncoding.EncodeToString(b)}
	}
	return out, nil
}

type jinaInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type jinaEmbedRequest struct {
	Model      string      `json:"model"`
	Input      []jinaInput `json:"input"`
	Normalized bool        `json:"normalized"`
	Dimensions int         `json:"dimensions,omitempty"`
}

type jinaEmbedResponse struct {
	Data []jinaEmbedData `json:"data"`
}

type jinaEmbedData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}
