package build

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/extraction"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
	"github.com/dan-solli/graphrag/pkg/vectorsync"
)

// flakyVectors fails deletes, or upserts of ids with a given prefix, while switched on.
type flakyVectors struct {
	*vectorstore.MemoryStore
	failDeletes   atomic.Bool
	failUpsertsOf atomic.Value // string prefix, "" for none
}

func newFlakyVectors() *flakyVectors {
	v := &flakyVectors{MemoryStore: vectorstore.NewMemoryStore()}
	v.failUpsertsOf.Store("")
	return v
}

func (v *flakyVectors) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) (string, error) {
	if p := v.failUpsertsOf.Load().(string); p != "" && strings.HasPrefix(id, p) {
		return "", errors.New("vector store unavailable")
	}
	return v.MemoryStore.Upsert(ctx, id, vector, payload)
}

func (v *flakyVectors) Delete(ctx context.Context, id string) (bool, error) {
	if v.failDeletes.Load() {
		return false, errors.New("vector store unavailable")
	}
	return v.MemoryStore.Delete(ctx, id)
}

func useFlakyVectors(f *fixture) *flakyVectors {
	v := newFlakyVectors()
	f.vectors = v.MemoryStore
	return v
}

func buildWith(t *testing.T, f *fixture, opts Options, vectors vectorstore.Store) *Result {
	t.Helper()
	res, err := f.builder.Build(context.Background(), opts, f.memories, f.embedder, vectors)
	require.NoError(t, err)
	assertCounters(t, res)
	return res
}

// assertVectorsMirrorGraph checks that the vector index holds exactly the
// vectors recorded on live entities and reports.
func assertVectorsMirrorGraph(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	var want []string
	entities, err := f.graph.ListEntities(ctx)
	require.NoError(t, err)
	for _, e := range entities {
		require.NotNil(t, e.EmbeddingID, e.CanonicalName)
		want = append(want, *e.EmbeddingID)
	}
	for level := 0; level < 3; level++ {
		reports, err := f.graph.ListReports(ctx, level)
		require.NoError(t, err)
		for _, r := range reports {
			require.NotNil(t, r.EmbeddingID, r.Title)
			want = append(want, *r.EmbeddingID)
		}
	}
	assert.ElementsMatch(t, want, f.vectors.IDs())
}

func TestBuild_FailedOrphanDeleteIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, vocabularyExtractor())
	vectors := useFlakyVectors(f)
	f.add(t, "m1", "React integrates with Redux.")
	f.add(t, "m2", "Kafka integrates with Postgres.")
	buildWith(t, f, DefaultOptions(), vectors)

	kafka := f.entity(t, "Kafka")
	require.NotNil(t, kafka)
	kafkaVector := vectorsync.EntityVectorID(kafka.ID)

	vectors.failDeletes.Store(true)
	require.NoError(t, f.memories.DeleteMemory(ctx, "m2"))
	res := buildWith(t, f, DefaultOptions(), vectors)
	assert.Equal(t, 1, res.MemoriesRetired)
	assert.Equal(t, 2, res.EntitiesDeleted)
	assert.Zero(t, res.EntityVectorsDeleted)
	assert.GreaterOrEqual(t, res.VectorDeleteFailures, 2)
	assert.Equal(t, 2, res.VectorDeletesPending)
	assert.Nil(t, f.entity(t, "Kafka"))
	assert.NotNil(t, f.vectors.Get(kafkaVector), "the vector outlives its entity while the store is down")

	pending, err := f.graph.PendingVectorDeletes(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Still down: nothing is lost from the queue.
	res = buildWith(t, f, DefaultOptions(), vectors)
	assert.Equal(t, 2, res.VectorDeletesPending)

	vectors.failDeletes.Store(false)
	res = buildWith(t, f, DefaultOptions(), vectors)
	assert.Equal(t, 2, res.EntityVectorsDeleted)
	assert.Zero(t, res.VectorDeleteFailures)
	assert.Zero(t, res.VectorDeletesPending)
	assert.Nil(t, f.vectors.Get(kafkaVector))
	assertVectorsMirrorGraph(t, f)

	pending, err = f.graph.PendingVectorDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	before := snapshot(t, f)
	again := buildWith(t, f, DefaultOptions(), vectors)
	assert.True(t, again.NoOp)
	assert.Zero(t, again.EntityVectorsDeleted)
	assert.Equal(t, before, snapshot(t, f))
}

func TestBuild_FailedReportDeleteIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, vocabularyExtractor())
	vectors := useFlakyVectors(f)
	f.add(t, "m1", "React integrates with Redux.")
	buildWith(t, f, withReports(1), vectors)

	old, err := f.graph.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, old, 1)
	require.NotNil(t, old[0].EmbeddingID)

	vectors.failDeletes.Store(true)
	f.edit(t, "m1", "Kafka integrates with Postgres.")
	res := buildWith(t, f, withReports(1), vectors)
	assert.Equal(t, 1, res.ReportsGenerated)
	assert.Zero(t, res.ReportVectorsDeleted)
	assert.NotNil(t, f.vectors.Get(*old[0].EmbeddingID))

	vectors.failDeletes.Store(false)
	res = buildWith(t, f, withReports(1), vectors)
	assert.Equal(t, 1, res.ReportVectorsDeleted)
	assert.Nil(t, f.vectors.Get(*old[0].EmbeddingID))
	assertVectorsMirrorGraph(t, f)
}

func TestBuild_FailedReportUpsertIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, vocabularyExtractor())
	vectors := useFlakyVectors(f)
	vectors.failUpsertsOf.Store(vectorsync.KindReport + ":")
	f.add(t, "m1", "React integrates with Redux.")

	res := buildWith(t, f, withReports(1), vectors)
	require.Equal(t, 1, res.ReportsGenerated)
	assert.Zero(t, res.ReportVectorsIndexed)

	reports, err := f.graph.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Nil(t, reports[0].EmbeddingID, "the report is kept without a vector")

	// A build with nothing new to summarize still owes the report its vector.
	res = buildWith(t, f, withReports(1), vectors)
	assert.False(t, res.ReportGenerationSkipped)
	assert.False(t, res.NoOp)
	assert.Zero(t, res.ReportVectorsIndexed)

	vectors.failUpsertsOf.Store("")
	res = buildWith(t, f, withReports(1), vectors)
	assert.False(t, res.NoOp)
	assert.Zero(t, res.ReportsGenerated)
	assert.Equal(t, 1, res.ReportVectorsIndexed)

	r, err := f.graph.GetReportByCommunity(ctx, reports[0].CommunityID)
	require.NoError(t, err)
	require.NotNil(t, r.EmbeddingID)
	assert.Equal(t, vectorsync.ReportVectorID(r.ID), *r.EmbeddingID)
	assertVectorsMirrorGraph(t, f)

	before := snapshot(t, f)
	again := buildWith(t, f, withReports(1), vectors)
	assert.True(t, again.NoOp)
	assert.Zero(t, again.ReportVectorsIndexed)
	assert.Equal(t, before, snapshot(t, f))
}

func TestBuild_UnindexedReportsAreRepairedWithoutReportGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, vocabularyExtractor())
	vectors := useFlakyVectors(f)
	vectors.failUpsertsOf.Store(vectorsync.KindReport + ":")
	f.add(t, "m1", "React integrates with Redux.")
	buildWith(t, f, withReports(1), vectors)

	vectors.failUpsertsOf.Store("")
	opts := DefaultOptions()
	opts.CommunityLevels = 1
	res := buildWith(t, f, opts, vectors)
	assert.True(t, res.ReportGenerationSkipped)
	assert.Equal(t, 1, res.ReportVectorsIndexed)

	missing, err := f.graph.ReportsMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestBuild_StaleVectorAfterMergeIsRepaired(t *testing.T) {
	ctx := context.Background()
	base := vocabularyExtractor()
	extractor := extraction.ProviderFunc(func(ctx context.Context, text string) (extraction.Result, error) {
		if strings.Contains(text, "Deep dive") {
			return extraction.Result{Entities: []extraction.ExtractedEntity{{
				CanonicalName: "React",
				EntityType:    "technology",
				Description:   "declarative UI library with a virtual DOM",
				Confidence:    0.95,
			}}}, nil
		}
		return base(ctx, text)
	})
	f := newFixture(t, extractor)
	f.add(t, "m1", "React integrates with Redis.")
	f.build(t, DefaultOptions())

	react := f.entity(t, "React")
	require.NotNil(t, react.EmbeddingID)
	vectorID := *react.EmbeddingID
	oldText := vectorsync.EntityText(react)

	var broken atomic.Bool
	broken.Store(true)
	f.embedder = embeddings.ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if broken.Load() {
			return nil, errors.New("embedding backend down")
		}
		return lengthEmbedder()(ctx, text)
	})

	f.add(t, "m2", "Deep dive into React.")
	res := f.build(t, DefaultOptions())
	assert.Equal(t, 1, res.MemoriesFailed)

	react = f.entity(t, "React")
	assert.Equal(t, "declarative UI library with a virtual DOM", react.Description)
	assert.Nil(t, react.EmbeddingID, "a changed entity drops its embedding id with the merge")
	assert.Equal(t, float32(len(oldText)), f.vectors.Get(vectorID)[0], "the stored vector is stale")

	// The memory that caused the merge is gone before the backend recovers, so
	// only the missing embedding id can bring the vector up to date.
	require.NoError(t, f.memories.DeleteMemory(ctx, "m2"))
	broken.Store(false)
	res = f.build(t, DefaultOptions())
	assert.Equal(t, 1, res.MemoriesRetired)
	assert.Equal(t, 1, res.EntityVectorsIndexed)

	react = f.entity(t, "React")
	require.NotNil(t, react.EmbeddingID)
	assert.Equal(t, vectorID, *react.EmbeddingID)
	assert.Equal(t, float32(len(vectorsync.EntityText(react))), f.vectors.Get(vectorID)[0])
	assertVectorsMirrorGraph(t, f)

	before := snapshot(t, f)
	again := f.build(t, DefaultOptions())
	assert.True(t, again.NoOp)
	assert.Zero(t, again.EntityVectorsIndexed)
	assert.Equal(t, before, snapshot(t, f))
}

func TestBuild_UnicodeNamesMergeAcrossCase(t *testing.T) {
	extractor := extraction.ProviderFunc(func(ctx context.Context, text string) (extraction.Result, error) {
		return extraction.Result{Entities: []extraction.ExtractedEntity{{
			CanonicalName: strings.TrimSuffix(text[strings.LastIndex(text, "\n")+1:], "."),
			EntityType:    "product",
			Confidence:    0.8,
		}}}, nil
	})
	f := newFixture(t, extractor)
	f.add(t, "m1", "Ürün.")
	f.add(t, "m2", "ÜRÜN.")
	f.build(t, DefaultOptions())

	count, err := f.graph.EntityCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	e := f.entity(t, "ürün")
	require.NotNil(t, e)
	assert.Equal(t, 2, e.MentionCount)
}
