package embedder

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"

	"golang.org/x/crypto/blake2b"
)

// Deterministic produces stable pseudo-random unit vectors from a content
// hash. The same text always maps to the same vector, and similar texts map
// to unrelated vectors, which is exactly what offline tests need: exact-match
// behavior without a provider dependency.
type Deterministic struct {
	dimension int
	model     string
}

// NewDeterministic creates a test embedder with the given dimension.
func NewDeterministic(dimension int) *Deterministic {
	if dimension <= 0 {
		dimension = 64
	}
	return &Deterministic{dimension: dimension, model: "deterministic-test"}
}

func (d *Deterministic) Dimension() int {
	return d.dimension
}

func (d *Deterministic) Model() string {
	return d.model
}

func (d *Deterministic) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = d.vector(text)
	}
	return out, nil
}

func (d *Deterministic) vector(text string) []float32 {
	sum := blake2b.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, d.dimension)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
