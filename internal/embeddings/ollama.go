package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OllamaAlias is the registry alias of the Ollama provider.
const OllamaAlias = "ollama"

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

var ollamaModelDims = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
	"bge-m3":            1024,
}

// Ollama embeds text with a local Ollama server.
type Ollama struct {
	host   string
	model  string
	dims   int
	client httpDoer
}

var _ Function = (*Ollama)(nil)

// NewOllamaFromConfig is the registry factory. Options: model, dim, host.
func NewOllamaFromConfig(cfg Config) (Function, error) {
	if err := cfg.Check("model", "dim", "host", "request_timeout"); err != nil {
		return nil, Configf(OllamaAlias, "%v", err)
	}
	model, err := cfg.String("model", defaultOllamaModel)
	if err != nil {
		return nil, Configf(OllamaAlias, "%v", err)
	}
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = defaultOllamaHost
	}
	if host, err = cfg.String("host", host); err != nil {
		return nil, Configf(OllamaAlias, "%v", err)
	}
	dims, err := cfg.Int("dim", ollamaModelDims[model])
	if err != nil {
		return nil, Configf(OllamaAlias, "%v", err)
	}
	if dims <= 0 {
		return nil, Configf(OllamaAlias, "unsupported model %q without dim", model)
	}
	timeout, err := cfg.Duration("request_timeout", 120*time.Second)
	if err != nil {
		return nil, Configf(OllamaAlias, "%v", err)
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return &Ollama{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		dims:   dims,
		client: newHTTPClient(timeout),
	}, nil
}

// Close drops idle connections to the server.
func (o *Ollama) Close() error {
	closeIdle(o.client)
	return nil
}

func (o *Ollama) NDims() int          { return o.dims }
func (o *Ollama) Accepts(k Kind) bool { return k == KindText }

func (o *Ollama) SourceEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	in, err := texts(OllamaAlias, items)
	if err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: in})
	if err != nil {
		return nil, PermanentFailure(OllamaAlias, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, PermanentFailure(OllamaAlias, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, ProviderFailure(OllamaAlias, fmt.Errorf("request failed: %w", err))
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, ProviderFailure(OllamaAlias, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(OllamaAlias, resp.StatusCode, respBody)
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, ProviderFailure(OllamaAlias, fmt.Errorf("unmarshal response: %w", err))
	}
	if len(out.Embeddings) != len(in) {
		return nil, ProviderFailure(OllamaAlias, fmt.Errorf("got %d embeddings for %d inputs", len(out.Embeddings), len(in)))
	}
	for i, v := range out.Embeddings {
		if len(v) != o.dims {
			return nil, ProviderFailure(OllamaAlias, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), o.dims))
		}
	}
	return out.Embeddings, nil
}

func (o *Ollama) QueryEmbeddings(ctx context.Context, items []Input) ([][]float32, error) {
	return o.SourceEmbeddings(ctx, items)
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}
