// Package embeddings turns entity and report text into vectors.
package embeddings

import "context"

// Provider generates an embedding for a single text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchProvider is implemented by providers that can embed several texts in one call.
type BatchProvider interface {
	Provider
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f ProviderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
