// Package embedder defines the pluggable text-embedding capability used by
// the semantic index. The concrete algorithm is an implementation detail:
// the index only requires that equal text yields equal vectors and that the
// vectors are comparable under cosine similarity.
package embedder

import "context"

// Embedder converts text to a vector representation.
//
// Implementations: mock.TokenEmbedder (deterministic, for tests and local
// runs) and onnx.Embedder (local transformer model, behind the onnx build
// tag). Production deployments typically plug an API-backed embedder in
// behind this interface.
type Embedder interface {
	// Embed converts a single text to an embedding vector. Implementations
	// must be deterministic for identical input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
