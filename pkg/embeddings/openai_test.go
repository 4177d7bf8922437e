package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func fakeEmbeddingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"invalid key","type":"auth"}}`))
			return
		}

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Answer out of order to check index handling.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), float32(len(req.Input[i])), 0.5},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestOpenAIProviderEmbed(t *testing.T) {
	server, _ := fakeEmbeddingServer(t, http.StatusOK)
	p := NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	vec, err := p.Embed(context.Background(), "redis")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5, 0.5}, vec)
}

func TestOpenAIProviderEmbedBatch_Order(t *testing.T) {
	server, _ := fakeEmbeddingServer(t, http.StatusOK)
	p := NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
		assert.Equal(t, float32(i+1), v[1])
	}
}

func TestOpenAIProviderEmbedBatch_Empty(t *testing.T) {
	server, calls := fakeEmbeddingServer(t, http.StatusOK)
	p := NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Equal(t, int32(0), calls.Load())
}

func TestOpenAIProviderEmbed_APIError(t *testing.T) {
	server, _ := fakeEmbeddingServer(t, http.StatusUnauthorized)
	p := NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key")
}

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestCachedProvider(t *testing.T) {
	inner := &countingProvider{}
	cached, err := NewCachedProvider(inner, "test-model", 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	cached.Wait()

	second, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())

	// Callers mutating the result must not corrupt the cache.
	second[0] = 99
	third, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, float32(5), third[0])

	_, err = cached.Embed(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedProvider_ErrorsNotCached(t *testing.T) {
	inner := &countingProvider{err: errors.New("boom")}
	cached, err := NewCachedProvider(inner, "m", 10)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Embed(context.Background(), "x")
	require.Error(t, err)
	cached.Wait()
	_, err = cached.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestProviderFunc(t *testing.T) {
	var p Provider = ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1}, nil
	})
	v, err := p.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, v)
}
