package vectorsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
)

func fixedEmbedder(calls *int) embeddings.ProviderFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		*calls++
		return []float32{float32(len(text)), 1, 0}, nil
	}
}

type batchEmbedder struct {
	batches int
}

func (b *batchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (b *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.batches++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i + 1), 0}
	}
	return out, nil
}

// flakyStore fails deletes for one id and delegates everything else.
type flakyStore struct {
	*vectorstore.MemoryStore
	failID string
}

func (f *flakyStore) Delete(ctx context.Context, id string) (bool, error) {
	if id == f.failID {
		return false, errors.New("connection reset")
	}
	return f.MemoryStore.Delete(ctx, id)
}

func TestIndexEntity(t *testing.T) {
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore()
	calls := 0
	s := New(fixedEmbedder(&calls), vs, nil)

	e := &store.Entity{ID: "e1", CanonicalName: "React", EntityType: "technology", Description: "UI library"}
	id, err := s.IndexEntity(ctx, e, "m1")
	require.NoError(t, err)
	assert.Equal(t, "entity:e1", id)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"entity:e1"}, vs.IDs())

	results, err := vs.Search(ctx, vs.Get("entity:e1"), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindEntity, results[0].Payload[vectorstore.PayloadKind])
	assert.Equal(t, "e1", results[0].Payload[vectorstore.PayloadNodeID])
	assert.Equal(t, "m1", results[0].Payload[vectorstore.PayloadMemoryID])
	assert.Equal(t, "React (technology): UI library", results[0].Payload[vectorstore.PayloadText])

	// Re-indexing replaces rather than duplicates.
	_, err = s.IndexEntity(ctx, e, "m2")
	require.NoError(t, err)
	assert.Equal(t, 1, vs.Len())
	assert.Equal(t, 2, s.Stats().EntityVectorsIndexed)
}

func TestIndexEntity_EmbedFailure(t *testing.T) {
	vs := vectorstore.NewMemoryStore()
	failing := embeddings.ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("openai: 503")
	})
	s := New(failing, vs, nil)

	_, err := s.IndexEntity(context.Background(), &store.Entity{ID: "e1", CanonicalName: "React"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed entity e1")
	assert.Zero(t, vs.Len())
	assert.Zero(t, s.Stats().EntityVectorsIndexed)
}

func TestIndexEntities_UsesBatch(t *testing.T) {
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore()
	be := &batchEmbedder{}
	s := New(be, vs, nil)

	ids, err := s.IndexEntities(ctx, []*store.Entity{
		{ID: "a", CanonicalName: "A"},
		{ID: "b", CanonicalName: "B"},
	}, "m1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "entity:a", "b": "entity:b"}, ids)
	assert.Equal(t, 1, be.batches)
	assert.Equal(t, []float32{2, 0}, vs.Get("entity:b"))
	assert.Equal(t, 2, s.Stats().EntityVectorsIndexed)

	empty, err := s.IndexEntities(ctx, nil, "m1")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 1, be.batches)
}

func TestIndexEntities_FallsBackToSingle(t *testing.T) {
	calls := 0
	s := New(fixedEmbedder(&calls), vectorstore.NewMemoryStore(), nil)

	ids, err := s.IndexEntities(context.Background(), []*store.Entity{
		{ID: "a", CanonicalName: "A"},
		{ID: "b", CanonicalName: "B"},
	}, "")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, calls)
}

func TestIndexReport(t *testing.T) {
	vs := vectorstore.NewMemoryStore()
	calls := 0
	s := New(fixedEmbedder(&calls), vs, nil)

	r := &store.CommunityReport{ID: "r1", Title: "Frontend", Summary: "React and Redux"}
	id, err := s.IndexReport(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "report:r1", id)
	assert.Equal(t, 1, s.Stats().ReportVectorsIndexed)
	assert.Equal(t, "Frontend\n\nReact and Redux", ReportText(r))
}

func TestDeletePending(t *testing.T) {
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore()
	calls := 0
	s := New(fixedEmbedder(&calls), vs, nil)

	for _, id := range []string{"a", "b"} {
		_, err := s.IndexEntity(ctx, &store.Entity{ID: id, CanonicalName: id}, "")
		require.NoError(t, err)
	}

	// "gone" was never upserted; an absent vector still counts as deleted.
	pending := []store.PendingVectorDelete{
		{Kind: KindEntity, NodeID: "a"},
		{Kind: KindEntity, NodeID: "gone"},
	}
	done := s.DeletePending(ctx, pending)
	assert.Equal(t, pending, done)
	assert.Equal(t, []string{"entity:b"}, vs.IDs())

	stats := s.Stats()
	assert.Equal(t, 1, stats.EntityVectorsDeleted)
	assert.Zero(t, stats.DeleteFailures)
}

func TestDeletePending_FailuresStayQueued(t *testing.T) {
	ctx := context.Background()
	vs := &flakyStore{MemoryStore: vectorstore.NewMemoryStore(), failID: "report:bad"}
	_, err := vs.Upsert(ctx, "report:ok", []float32{1}, nil)
	require.NoError(t, err)
	_, err = vs.Upsert(ctx, "report:bad", []float32{1}, nil)
	require.NoError(t, err)

	calls := 0
	s := New(fixedEmbedder(&calls), vs, nil)
	done := s.DeletePending(ctx, []store.PendingVectorDelete{
		{Kind: KindReport, NodeID: "ok"},
		{Kind: KindReport, NodeID: "bad"},
	})

	assert.Equal(t, []store.PendingVectorDelete{{Kind: KindReport, NodeID: "ok"}}, done)
	stats := s.Stats()
	assert.Equal(t, 1, stats.ReportVectorsDeleted)
	assert.Equal(t, 1, stats.DeleteFailures)
	assert.Equal(t, []string{"report:bad"}, vs.IDs())

	vs.failID = ""
	done = s.DeletePending(ctx, []store.PendingVectorDelete{{Kind: KindReport, NodeID: "bad"}})
	assert.Len(t, done, 1)
	assert.Empty(t, vs.IDs())
}

func TestEntityText(t *testing.T) {
	assert.Equal(t, "Redis", EntityText(&store.Entity{CanonicalName: "Redis"}))
	assert.Equal(t, "Redis (technology)", EntityText(&store.Entity{CanonicalName: "Redis", EntityType: "technology", Description: "  "}))
}
