package embeddings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"vectable/internal/version"
)

const (
	defaultFetchConcurrency = 8
	maxFetchBytes           = 64 << 20
)

// Fetcher resolves URI inputs to bytes. It understands http(s) URLs,
// file:// URLs and bare filesystem paths.
type Fetcher struct {
	client      *http.Client
	concurrency int
}

// NewFetcher returns a Fetcher using client, or a traced default client
// when client is nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = newHTTPClient(60 * time.Second)
	}
	return &Fetcher{client: client, concurrency: defaultFetchConcurrency}
}

// Close drops the client's idle keep-alive connections.
func (f *Fetcher) Close() error {
	closeIdle(f.client)
	return nil
}

// closeIdle releases idle connections of clients that pool them.
func closeIdle(client any) {
	if c, ok := client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// newHTTPClient builds the traced client shared by HTTP providers.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(userAgentTransport{next: http.DefaultTransport}),
	}
}

// userAgentTransport sets the vectable User-Agent on requests that have none.
type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", version.UserAgent())
	}
	return t.next.RoundTrip(req)
}

// Fetch reads a single URI.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return readFile(uri)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return readFile(u.Path)
	case "http", "https":
		return f.get(ctx, uri)
	}
	return nil, PermanentFailure("", fmt.Errorf("unsupported uri scheme %q", u.Scheme))
}

// FetchAll reads every URI concurrently, preserving order. Any failure
// fails the whole call.
func (f *Fetcher) FetchAll(ctx context.Context, uris []string) ([][]byte, error) {
	out := make([][]byte, len(uris))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, uri := range uris {
		g.Go(func() error {
			b, err := f.Fetch(gctx, uri)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", uri, err)
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, PermanentFailure("", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ProviderFailure("", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError("", resp.StatusCode, nil)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, ProviderFailure("", err)
	}
	return b, nil
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return nil, PermanentFailure("", err)
	}
	if err != nil {
		return nil, ProviderFailure("", err)
	}
	return b, nil
}

// httpStatusError classifies a non-200 response. Rate limiting and server
// errors are retryable, other client errors are not.
func httpStatusError(alias string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("status %d: %s", status, msg)
	if msg == "" {
		err = fmt.Errorf("status %d", status)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return ProviderFailure(alias, err)
	}
	return PermanentFailure(alias, err)
}
