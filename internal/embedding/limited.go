package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/recall/internal/memory"
)

// LimitedEmbedder wraps an Embedder with a client-side rate limiter so burst
// traffic does not trip the upstream provider's limits.
type LimitedEmbedder struct {
	inner   memory.Embedder
	limiter *rate.Limiter
}

// NewLimitedEmbedder wraps inner, allowing rps requests per second with the
// given burst. Non-positive values disable limiting.
func NewLimitedEmbedder(inner memory.Embedder, rps float64, burst int) *LimitedEmbedder {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &LimitedEmbedder{inner: inner, limiter: limiter}
}

func (e *LimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return e.inner.Embed(ctx, text)
}

func (e *LimitedEmbedder) Dimension() int {
	return e.inner.Dimension()
}
