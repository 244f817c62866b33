package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGemini_FromConfig(t *testing.T) {
	fn, err := NewGeminiFromConfig(Config{"api_key": "k"})
	require.NoError(t, err)
	g := fn.(*Gemini)
	assert.Equal(t, 768, g.NDims())
	assert.False(t, g.shorten)
	assert.Equal(t, "RETRIEVAL_DOCUMENT", g.sourceTask)
	assert.Equal(t, "RETRIEVAL_QUERY", g.queryTask)
	assert.True(t, g.Accepts(KindText))
	assert.False(t, g.Accepts(KindURI))
}

func TestGemini_ShortenedOutput(t *testing.T) {
	fn, err := NewGeminiFromConfig(Config{"api_key": "k", "model": "gemini-embedding-001", "dim": 256})
	require.NoError(t, err)
	assert.Equal(t, 256, fn.NDims())
	assert.True(t, fn.(*Gemini).shorten)
}

func TestGemini_EnvironmentKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	_, err := NewGeminiFromConfig(nil)
	assert.NoError(t, err)
}

func TestGemini_UnknownModelNeedsDim(t *testing.T) {
	_, err := NewGeminiFromConfig(Config{"api_key": "k", "model": "future-embedder"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestGemini_FailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"bad request", genai.APIError{Code: http.StatusBadRequest, Message: "invalid"}, false},
		{"unauthorized", fmt.Errorf("embed: %w", genai.APIError{Code: http.StatusUnauthorized}), false},
		{"rate limited", genai.APIError{Code: http.StatusTooManyRequests}, true},
		{"unavailable", genai.APIError{Code: http.StatusServiceUnavailable}, true},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := geminiFailure(tt.err)
			assert.ErrorIs(t, err, ErrProvider)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestGemini_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	fn, err := NewGeminiFromConfig(Config{"api_key": "k", "base_url": srv.URL})
	require.NoError(t, err)
	_, err = fn.SourceEmbeddings(context.Background(), []Input{Text("hello")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.False(t, IsRetryable(err))
	assert.ErrorContains(t, err, "status 400")
}
