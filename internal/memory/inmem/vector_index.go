package inmem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/blueberrycongee/recall/internal/memory"
)

// VectorIndex is a thread-safe in-memory vector index. It performs
// brute-force cosine similarity search with flat attribute equality filters,
// mirroring the filter semantics of the qdrant adapter.
type VectorIndex struct {
	mu      sync.RWMutex
	entries map[string]*indexEntry
}

type indexEntry struct {
	vector []float32
	attrs  map[string]any
}

// NewVectorIndex returns an empty VectorIndex.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{entries: make(map[string]*indexEntry)}
}

func (x *VectorIndex) Upsert(ctx context.Context, id string, vector []float32, attrs map[string]any) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	x.entries[id] = &indexEntry{vector: vec, attrs: cp}
	return nil
}

func (x *VectorIndex) Query(ctx context.Context, vector []float32, filter map[string]string, topK int) ([]memory.Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if topK <= 0 {
		topK = memory.DefaultSearchLimit
	}

	var hits []memory.Candidate
	for id, entry := range x.entries {
		if !matches(entry.attrs, filter) {
			continue
		}
		if len(entry.vector) != len(vector) {
			continue // skip mismatched dimensions
		}
		hits = append(hits, memory.Candidate{
			ID:         id,
			Score:      float64(cosineSimilarity(vector, entry.vector)),
			Attributes: entry.attrs,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (x *VectorIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, id)
	return nil
}

func (x *VectorIndex) Ping(ctx context.Context) error {
	return nil
}

func matches(attrs map[string]any, filter map[string]string) bool {
	for key, want := range filter {
		got, ok := attrs[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	var dotProduct, normA, normB float32
	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
