// Package build runs incremental build passes: it decides which memories changed,
// extracts and merges them into the graph, garbage collects orphaned nodes and
// their vectors, rebuilds communities and generates community reports.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/extraction"
	"github.com/dan-solli/graphrag/pkg/memory"
	"github.com/dan-solli/graphrag/pkg/metrics"
	"github.com/dan-solli/graphrag/pkg/report"
	"github.com/dan-solli/graphrag/pkg/resolver"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/trace"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
)

// Defaults for Options and the build lease.
const (
	DefaultCommunityLevels = 2
	DefaultConcurrency     = 4
	DefaultLockTTL         = 10 * time.Minute

	lockName  = "graph"
	operation = "build"
)

// Options scopes and parameterizes one build.
type Options struct {
	// MemoryIDs restricts the build to these memories. Empty means every memory.
	MemoryIDs []string
	// ReindexAll reprocesses every in-scope memory and forces a community rebuild.
	ReindexAll bool
	// GenerateReports summarizes communities that have no report.
	GenerateReports bool
	// CommunityLevels is the depth of the community hierarchy, at least 1.
	CommunityLevels int
	// Resolution is the modularity resolution. Zero means 1.0.
	Resolution float64
	// Concurrency bounds parallel extraction and summary calls. Zero means DefaultConcurrency.
	Concurrency int
}

// DefaultOptions returns a full-scope build without reports.
func DefaultOptions() Options {
	return Options{
		CommunityLevels: DefaultCommunityLevels,
		Concurrency:     DefaultConcurrency,
	}
}

// Validate rejects options that cannot run.
func (o Options) Validate() error {
	if o.CommunityLevels < 1 {
		return &ValidationError{Field: "CommunityLevels", Reason: fmt.Sprintf("must be at least 1, got %d", o.CommunityLevels)}
	}
	if o.Concurrency < 0 {
		return &ValidationError{Field: "Concurrency", Reason: "must not be negative"}
	}
	if o.Resolution < 0 {
		return &ValidationError{Field: "Resolution", Reason: "must not be negative"}
	}
	for _, id := range o.MemoryIDs {
		if id == "" {
			return &ValidationError{Field: "MemoryIDs", Reason: "cannot contain an empty id"}
		}
	}
	return nil
}

// Result reports what a build did.
type Result struct {
	BuildID string `json:"buildId"`

	// ScopeSize is the number of distinct existing memories in scope;
	// MemoriesProcessed + MemoriesSkipped always equals it.
	ScopeSize         int `json:"scopeSize"`
	MemoriesProcessed int `json:"memoriesProcessed"`
	MemoriesSkipped   int `json:"memoriesSkipped"`
	// MemoriesFailed counts processed memories that were left for the next build.
	MemoriesFailed  int `json:"memoriesFailed"`
	MemoriesRetired int `json:"memoriesRetired"`

	EntitiesExtracted      int `json:"entitiesExtracted"`
	RelationshipsExtracted int `json:"relationshipsExtracted"`
	Quarantined            int `json:"quarantined"`
	EntitiesDeleted        int `json:"entitiesDeleted"`
	RelationshipsDeleted   int `json:"relationshipsDeleted"`

	EntityVectorsIndexed int `json:"entityVectorsIndexed"`
	EntityVectorsDeleted int `json:"entityVectorsDeleted"`
	ReportVectorsIndexed int `json:"reportVectorsIndexed"`
	ReportVectorsDeleted int `json:"reportVectorsDeleted"`
	VectorDeleteFailures int `json:"vectorDeleteFailures"`
	// VectorDeletesPending counts vector deletes still queued for a later build.
	VectorDeletesPending int `json:"vectorDeletesPending"`

	CommunityRebuildSkipped bool `json:"communityRebuildSkipped"`
	CommunitiesCreated      int  `json:"communitiesCreated"`
	CommunitiesDeleted      int  `json:"communitiesDeleted"`

	ReportGenerationSkipped bool `json:"reportGenerationSkipped"`
	ReportsGenerated        int  `json:"reportsGenerated"`
	ReportsFailed           int  `json:"reportsFailed"`

	NoOp       bool            `json:"noOp"`
	DurationMs int64           `json:"durationMs"`
	Trace      *OperationTrace `json:"trace,omitempty"`

	// Failures holds the per-memory errors, each a *StorageError or *ExternalError.
	Failures []error `json:"-"`
}

// Store is the graph store surface a build needs.
type Store interface {
	store.Graph
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
	AcquireBuildLock(ctx context.Context, name, holder string, ttl time.Duration) error
	ReleaseBuildLock(ctx context.Context, name, holder string) error
	Stats(ctx context.Context) (store.Stats, error)
}

var _ Store = (*store.SQLiteGraphStore)(nil)

// Builder runs builds against one graph. Builds on the same Builder serialize;
// builds from other processes are kept out by the store's build lease.
type Builder struct {
	graph      Store
	extractor  extraction.Provider
	summarizer report.Summarizer
	resolver   *resolver.Resolver

	extractionVersion string
	promptVersion     string
	holder            string
	lockTTL           time.Duration

	logger   *slog.Logger
	metrics  metrics.Collector
	exporter trace.Exporter

	mu sync.Mutex
}

// New creates a Builder. Entities are stamped with extraction.PromptVersion
// unless WithExtractionVersion says otherwise.
func New(graph Store, extractor extraction.Provider) *Builder {
	return &Builder{
		graph:             graph,
		extractor:         extractor,
		resolver:          resolver.New(extraction.PromptVersion),
		extractionVersion: extraction.PromptVersion,
		holder:            uuid.NewString(),
		lockTTL:           DefaultLockTTL,
		logger:            slog.Default(),
		metrics:           metrics.NewNoopCollector(),
		exporter:          trace.NoopExporter{},
	}
}

// WithLogger sets the logger. A nil logger keeps the current one.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithSummarizer enables report generation. promptVersion is stored on every report.
func (b *Builder) WithSummarizer(s report.Summarizer, promptVersion string) *Builder {
	b.summarizer = s
	b.promptVersion = promptVersion
	return b
}

// WithExtractionVersion changes the version mixed into fingerprints and stamped on
// entities. Changing it makes every memory stale.
func (b *Builder) WithExtractionVersion(v string) *Builder {
	b.extractionVersion = v
	b.resolver = resolver.New(v)
	return b
}

// WithMetrics sets the metrics collector.
func (b *Builder) WithMetrics(c metrics.Collector) *Builder {
	if c != nil {
		b.metrics = c
	}
	return b
}

// WithTraceExporter sets where build traces are exported.
func (b *Builder) WithTraceExporter(e trace.Exporter) *Builder {
	if e != nil {
		b.exporter = e
	}
	return b
}

// WithLockTTL sets how long the build lease survives a crashed holder.
func (b *Builder) WithLockTTL(ttl time.Duration) *Builder {
	if ttl > 0 {
		b.lockTTL = ttl
	}
	return b
}

// Build runs one incremental build pass over the memories in scope.
//
// Per-memory failures do not fail the build: they are counted in
// Result.MemoriesFailed and the memories are retried by the next build. An error
// is returned for invalid options, a held build lease, an unreadable scope,
// cancellation, or a failed community or report stage; in the last cases the
// partial Result is returned alongside it.
func (b *Builder) Build(ctx context.Context, opts Options, memories memory.Store, embedder embeddings.Provider, vectors vectorstore.Store) (*Result, error) {
	if err := b.validate(opts, memories, embedder, vectors); err != nil {
		b.metrics.RecordError(ctx, operation, ErrTypeValidation)
		return nil, err
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = DefaultConcurrency
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.graph.AcquireBuildLock(ctx, lockName, b.holder, b.lockTTL); err != nil {
		if errors.Is(err, store.ErrBuildLocked) {
			return nil, fmt.Errorf("%w: %w", ErrBuildInProgress, err)
		}
		return nil, &StorageError{Op: "acquire build lock", Err: err}
	}
	defer func() {
		if err := b.graph.ReleaseBuildLock(context.WithoutCancel(ctx), lockName, b.holder); err != nil {
			b.logger.Warn("failed to release build lock", "error", err)
		}
	}()

	r := newRun(b, opts, memories, embedder, vectors)
	started := time.Now()
	b.logger.Info("build started",
		"build_id", r.result.BuildID,
		"scope", scopeLabel(opts.MemoryIDs),
		"reindex_all", opts.ReindexAll,
		"generate_reports", opts.GenerateReports,
		"community_levels", opts.CommunityLevels)

	err := r.execute(ctx)
	res := r.finish(time.Since(started))
	b.observe(ctx, res, started, err)

	if err != nil {
		b.logger.Error("build failed",
			"build_id", res.BuildID,
			"error_type", ClassifyError(err),
			"duration_ms", res.DurationMs,
			"error", err)
		return res, err
	}
	b.logger.Info("build finished",
		"build_id", res.BuildID,
		"no_op", res.NoOp,
		"memories_processed", res.MemoriesProcessed,
		"memories_skipped", res.MemoriesSkipped,
		"memories_failed", res.MemoriesFailed,
		"entity_vectors_indexed", res.EntityVectorsIndexed,
		"entity_vectors_deleted", res.EntityVectorsDeleted,
		"report_vectors_deleted", res.ReportVectorsDeleted,
		"vector_deletes_pending", res.VectorDeletesPending,
		"community_rebuild_skipped", res.CommunityRebuildSkipped,
		"report_generation_skipped", res.ReportGenerationSkipped,
		"duration_ms", res.DurationMs)
	return res, nil
}

func (b *Builder) validate(opts Options, memories memory.Store, embedder embeddings.Provider, vectors vectorstore.Store) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	switch {
	case memories == nil:
		return &ValidationError{Field: "memories", Reason: "cannot be nil"}
	case embedder == nil:
		return &ValidationError{Field: "embedder", Reason: "cannot be nil"}
	case vectors == nil:
		return &ValidationError{Field: "vectors", Reason: "cannot be nil"}
	case b.extractor == nil:
		return &ValidationError{Field: "extractor", Reason: "cannot be nil"}
	case opts.GenerateReports && b.summarizer == nil:
		return &ValidationError{Field: "GenerateReports", Reason: "requires a summarizer"}
	}
	return nil
}

// observe feeds metrics and exports the trace. Export failures are logged only.
func (b *Builder) observe(ctx context.Context, res *Result, started time.Time, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
		b.metrics.RecordError(ctx, operation, ClassifyError(err))
	case res.NoOp:
		status = "noop"
	}
	for _, f := range res.Failures {
		b.metrics.RecordError(ctx, operation, ClassifyError(f))
	}
	b.metrics.RecordOperation(ctx, operation, status, res.DurationMs)
	for _, s := range res.Trace.Spans {
		b.metrics.RecordStage(ctx, operation, s.Name, s.DurationMs)
	}
	b.metrics.RecordVectorOperations(ctx, "entity", "upsert", res.EntityVectorsIndexed)
	b.metrics.RecordVectorOperations(ctx, "entity", "delete", res.EntityVectorsDeleted)
	b.metrics.RecordVectorOperations(ctx, "report", "upsert", res.ReportVectorsIndexed)
	b.metrics.RecordVectorOperations(ctx, "report", "delete", res.ReportVectorsDeleted)

	if stats, serr := b.graph.Stats(ctx); serr == nil {
		b.metrics.SetStorageCount(ctx, "entities", stats.Entities)
		b.metrics.SetStorageCount(ctx, "relationships", stats.Relationships)
		b.metrics.SetStorageCount(ctx, "communities", stats.Communities)
		b.metrics.SetStorageCount(ctx, "reports", stats.Reports)
	}

	ids := map[string]interface{}{"scopeSize": res.ScopeSize}
	if len(res.Failures) > 0 {
		ids["memoriesFailed"] = res.MemoriesFailed
	}
	rec := res.traceRecord(started, err, ids)
	if xerr := b.exporter.Export(ctx, rec); xerr != nil {
		b.logger.Warn("failed to export build trace", "build_id", res.BuildID, "error", xerr)
	}
}

func scopeLabel(ids []string) string {
	if len(ids) == 0 {
		return "all"
	}
	return fmt.Sprintf("%d memories", len(ids))
}

func uniqueIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && out[n-1] == id {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
