package graphrag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/graphrag/pkg/build"
	"github.com/dan-solli/graphrag/pkg/config"
	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/extraction"
	"github.com/dan-solli/graphrag/pkg/jobs"
	"github.com/dan-solli/graphrag/pkg/memory"
	"github.com/dan-solli/graphrag/pkg/report"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
)

var vocabulary = []string{"React", "Redis", "Postgres"}

func testClients() Clients {
	return Clients{
		Extractor: extraction.ProviderFunc(func(ctx context.Context, text string) (extraction.Result, error) {
			var (
				res   extraction.Result
				found []string
			)
			for _, name := range vocabulary {
				if strings.Contains(text, name) {
					found = append(found, name)
					res.Entities = append(res.Entities, extraction.ExtractedEntity{
						CanonicalName: name, EntityType: "technology", Confidence: 0.9,
					})
				}
			}
			for i := 1; i < len(found); i++ {
				res.Relationships = append(res.Relationships, extraction.ExtractedRelationship{
					SourceEntity: found[i-1], TargetEntity: found[i],
					RelationshipType: "integrates with", Strength: 7, Confidence: 0.9,
				})
			}
			return res, nil
		}),
		Embedder: embeddings.ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
			return []float32{float32(len(text)), 1}, nil
		}),
		Summarizer: report.SummarizerFunc(func(ctx context.Context, in report.Input) (*report.Summary, error) {
			return &report.Summary{Title: in.Community.ID, Summary: "summary", Rating: 5}, nil
		}),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.VectorStore.Backend = config.BackendMemory
	cfg.Jobs.Backoff = config.Duration{Duration: time.Millisecond}
	cfg.Log.Level = "error"
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewWithClients(testConfig(), testClients())
	require.NoError(t, err)
	e.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { e.Close() })
	return e
}

func addMemory(t *testing.T, e *Engine, id, text string) {
	t.Helper()
	require.NoError(t, e.Memories().AddMemory(context.Background(), &memory.Memory{ID: id, Topic: id, Context: text}))
}

func waitJob(t *testing.T, e *Engine) jobs.Result {
	t.Helper()
	select {
	case res := <-e.JobResults():
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for build job")
		return jobs.Result{}
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg)
	assert.ErrorContains(t, err, "llm.api_key is required")

	cfg.LLM.APIKey = "k-test"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "embeddings.api_key is required")
}

func TestNew_WiresConfiguredBackends(t *testing.T) {
	tests := []struct {
		backend string
		want    any
	}{
		{config.BackendMemory, &vectorstore.MemoryStore{}},
		{config.BackendSQLite, &vectorstore.SQLiteStore{}},
		{config.BackendChromem, &vectorstore.ChromemStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testConfig()
			cfg.LLM.APIKey = "k-test"
			cfg.Embeddings.APIKey = "k-test"
			cfg.VectorStore.Backend = tt.backend

			e, err := New(cfg)
			require.NoError(t, err)
			defer e.Close()

			assert.IsType(t, tt.want, e.vectors)
			assert.IsType(t, &embeddings.CachedProvider{}, e.embedder)
			assert.True(t, e.BuildOptions().GenerateReports)
		})
	}
}

func TestNewWithClients_Validation(t *testing.T) {
	_, err := NewWithClients(testConfig(), Clients{})
	assert.ErrorContains(t, err, "extractor and embedder are required")

	cfg := testConfig()
	cfg.Build.CommunityLevels = 0
	_, err = NewWithClients(cfg, testClients())
	assert.ErrorContains(t, err, "invalid config")
}

func TestEngine_BuildAndRead(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addMemory(t, e, "m1", "React integrates with Redis.")
	addMemory(t, e, "m2", "Redis persists to Postgres.")

	res, err := e.Build(ctx, e.BuildOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.MemoriesProcessed)
	assert.Equal(t, 0, res.MemoriesFailed)
	assert.Greater(t, res.ReportsGenerated, 0)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entities)
	assert.Equal(t, int64(2), stats.Relationships)

	redis, err := e.Reader().GetEntityByName(ctx, "redis")
	require.NoError(t, err)
	require.NotNil(t, redis)

	hits, err := e.Reader().SearchEntities(ctx, "Redis (technology)", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	again, err := e.Build(ctx, e.BuildOptions())
	require.NoError(t, err)
	assert.True(t, again.NoOp)
}

func TestEngine_ReportsDisabledWithoutSummarizer(t *testing.T) {
	clients := testClients()
	clients.Summarizer = nil
	e, err := NewWithClients(testConfig(), clients)
	require.NoError(t, err)
	defer e.Close()

	assert.False(t, e.BuildOptions().GenerateReports)
}

func TestEngine_ApproveRunsScopedBuild(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	addMemory(t, e, "m1", "React integrates with Redis.")
	addMemory(t, e, "m2", "Postgres stores everything.")

	jobID, err := e.Approve(ctx, "m1")
	require.NoError(t, err)

	res := waitJob(t, e)
	assert.Equal(t, jobID, res.JobID)
	require.NoError(t, res.Err)

	m, err := e.Memories().GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusApproved, m.Status)

	pg, err := e.Reader().GetEntityByName(ctx, "Postgres")
	require.NoError(t, err)
	assert.Nil(t, pg, "memories outside the approval are not built")

	react, err := e.Reader().GetEntityByName(ctx, "React")
	require.NoError(t, err)
	assert.NotNil(t, react)
}

func TestEngine_ApproveErrors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Approve(ctx)
	assert.Error(t, err)

	_, err = e.Approve(ctx, "missing")
	assert.ErrorIs(t, err, memory.ErrMemoryNotFound)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(&build.ValidationError{Field: "CommunityLevels", Reason: "must be at least 1"}))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(build.ErrBuildInProgress))
	assert.True(t, retryable(errors.New("database is locked")))
}

func TestEngine_TraceFile(t *testing.T) {
	cfg := testConfig()
	cfg.Trace.Enabled = true
	cfg.Trace.Path = filepath.Join(t.TempDir(), "trace", "builds.jsonl")
	cfg.Metrics.Enabled = true

	e, err := NewWithClients(cfg, testClients())
	require.NoError(t, err)
	addMemory(t, e, "m1", "React integrates with Redis.")

	first, err := e.Build(context.Background(), e.BuildOptions())
	require.NoError(t, err)
	_, err = e.Build(context.Background(), e.BuildOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.FileExists(t, cfg.Trace.Path)
	builds, err := e.RecentBuilds(10)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, first.BuildID, builds[0].OperationID)
	assert.Equal(t, int64(1), builds[0].Counters["memoriesProcessed"])
	assert.Equal(t, "noop", builds[1].Status)

	quiet := newTestEngine(t)
	none, err := quiet.RecentBuilds(10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
