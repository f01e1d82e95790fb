package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder()

	a, err := h.Embed(context.Background(), "prefers TypeScript over JavaScript")
	require.NoError(t, err)
	b, err := h.Embed(context.Background(), "prefers TypeScript over JavaScript")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, hashEmbedderDims)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)
}

func TestHashEmbedderDiscriminates(t *testing.T) {
	h := NewHashEmbedder()

	lang, _ := h.Embed(context.Background(), "what programming language does the user prefer")
	related, _ := h.Embed(context.Background(), "the user prefers the TypeScript programming language")
	unrelated, _ := h.Embed(context.Background(), "quarterly revenue grew in the northern region")

	assert.Greater(t, CosineSimilarity(lang, related), CosineSimilarity(lang, unrelated))
}

func TestHashEmbedderEmptyText(t *testing.T) {
	h := NewHashEmbedder()

	vec, err := h.Embed(context.Background(), "!!! ???")
	require.NoError(t, err)
	assert.Len(t, vec, hashEmbedderDims)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"run", "the", "unit-tests", "v2"}, tokenize("Run the unit-tests, v2!"))
	// single-char tokens are dropped
	assert.Equal(t, []string{"go"}, tokenize("a b go"))
	assert.Empty(t, tokenize(""))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// mismatched or empty inputs score zero
	assert.Zero(t, CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}
