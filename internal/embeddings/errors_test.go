package embeddings

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrProvider, Op: "ingest", Column: "vector", Alias: "openai", Err: errors.New("status 500")}
	assert.Equal(t, `ingest column "vector" (openai): provider error: status 500`, err.Error())

	assert.Equal(t, "not found: x", NotFoundf("x").Error())
}

func TestError_KindsMatch(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Kind: ErrSchema, Err: cause}
	assert.ErrorIs(t, err, ErrSchema)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrProvider)
}

func TestAnnotate(t *testing.T) {
	t.Run("taxonomy error keeps kind", func(t *testing.T) {
		err := Annotate(PermanentFailure("jina-clip", errors.New("bad image")), "ingest", "img_vec")
		assert.ErrorIs(t, err, ErrProvider)
		assert.False(t, IsRetryable(err))
		assert.Contains(t, err.Error(), `ingest column "img_vec" (jina-clip)`)
	})

	t.Run("wrapped taxonomy error", func(t *testing.T) {
		inner := Unsupportedf("", "hashing", "image query")
		err := Annotate(fmt.Errorf("resolve: %w", inner), "query", "v")
		assert.ErrorIs(t, err, ErrUnsupportedQueryType)
		assert.Contains(t, err.Error(), "resolve")
	})

	t.Run("foreign error becomes provider error", func(t *testing.T) {
		err := Annotate(errors.New("socket closed"), "query", "v")
		assert.ErrorIs(t, err, ErrProvider)
		assert.True(t, IsRetryable(err))
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, Annotate(nil, "x", "y"))
	})
}
