package inmem

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder creates deterministic embeddings by hashing tokens into
// buckets of a fixed-dimension vector. Texts sharing tokens get similar
// vectors, which is enough for exercising hybrid ranking without a real
// embedding model: a query containing "typescript" scores higher against
// content that mentions typescript than against content that does not.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns a HashEmbedder with the given dimension.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{Dimensions: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dimensions)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]{}")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%e.Dimensions]++
	}

	// Normalize to unit length so dot products behave like cosine scores.
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec, nil
}

func (e *HashEmbedder) Dimension() int {
	return e.Dimensions
}
