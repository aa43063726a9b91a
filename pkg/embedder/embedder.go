// Package embedder abstracts text-to-vector embedding. Two implementations
// ship: a deterministic hash-based embedder for offline tests and a remote
// HTTP embedder for production.
package embedder

import (
	"context"
)

// Embedder converts texts into fixed-length float vectors.
//
// Implementations must return one vector per input text, each of exactly
// Dimension() length, in input order.
type Embedder interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the configured vector length.
	Dimension() int

	// Model identifies the embedding model, recorded on memory records.
	Model() string
}

// EmbedOne is a convenience wrapper for single-text embedding.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
