// Package mock provides a deterministic embedder for tests and local runs.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// TokenEmbedder generates embeddings by hashing individual tokens into a
// fixed-size vector. Texts that share words land on shared dimensions, so
// cosine similarity degrades into token overlap - crude, but it gives real
// relative ranking without a model file, which is exactly what tests need.
type TokenEmbedder struct {
	dimensions int
}

// New creates a token-hash embedder.
func New() *TokenEmbedder {
	return &TokenEmbedder{
		dimensions: 384, // Match all-MiniLM-L6-v2 dimensions
	}
}

// Embed converts text to a normalized bag-of-tokens vector.
func (m *TokenEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, m.dimensions)

	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		embedding[h.Sum64()%uint64(m.dimensions)] += 1
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *TokenEmbedder) Dimensions() int {
	return m.dimensions
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize converts the vector to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}
