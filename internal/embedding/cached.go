package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/recall/internal/memory"
)

// CachedEmbedder wraps an Embedder with an in-process TTL cache keyed by a
// content hash. Memory contents and search queries repeat often enough that
// this avoids paying the upstream round trip twice for the same text.
type CachedEmbedder struct {
	inner memory.Embedder
	cache *gocache.Cache
}

// NewCachedEmbedder wraps inner with a TTL cache. A non-positive ttl falls
// back to one hour.
func NewCachedEmbedder(inner memory.Embedder, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEmbedder{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]float32), nil
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.SetDefault(key, vector)
	return vector, nil
}

func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
