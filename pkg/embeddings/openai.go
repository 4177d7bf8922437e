package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const defaultModel = openai.SmallEmbedding3

// OpenAIConfig configures an OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	// Dimensions truncates text-embedding-3 output. Zero keeps the model default.
	Dimensions int

	// RequestsPerSecond throttles calls; zero disables throttling.
	RequestsPerSecond float64

	HTTPClient *http.Client
}

// OpenAIProvider implements Provider and BatchProvider using the embeddings API.
type OpenAIProvider struct {
	model      openai.EmbeddingModel
	dimensions int
	client     *openai.Client
	limiter    *rate.Limiter
}

var _ BatchProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider for the OpenAI API with default settings.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: apiKey})
}

// NewOpenAIProviderWithConfig creates a provider from cfg.
func NewOpenAIProviderWithConfig(cfg OpenAIConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	model := defaultModel
	if cfg.Model != "" {
		model = openai.EmbeddingModel(cfg.Model)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIProvider{
		model:      model,
		dimensions: cfg.Dimensions,
		client:     openai.NewClientWithConfig(oc),
		limiter:    limiter,
	}
}

// Embed generates the embedding for one text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts, returned in input order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}
