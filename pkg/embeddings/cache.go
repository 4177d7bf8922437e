package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes embeddings by text. Entity and report descriptions
// repeat across builds, so most re-index calls hit the cache.
type CachedProvider struct {
	next  Provider
	model string
	cache *ristretto.Cache
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with a cache holding roughly maxEntries vectors.
// model namespaces the keys so two providers can share nothing by accident.
func NewCachedProvider(next Provider, model string, maxEntries int64) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedProvider{next: next, model: model, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedProvider) Wait() {
	c.cache.Wait()
}

// Close releases the cache's background goroutines.
func (c *CachedProvider) Close() {
	c.cache.Close()
}
