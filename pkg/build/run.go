package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dan-solli/graphrag/pkg/community"
	"github.com/dan-solli/graphrag/pkg/diff"
	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/extraction"
	"github.com/dan-solli/graphrag/pkg/memory"
	"github.com/dan-solli/graphrag/pkg/report"
	"github.com/dan-solli/graphrag/pkg/resolver"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/vectorsync"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
)

// run is the state of one Build call.
type run struct {
	b        *Builder
	opts     Options
	memories memory.Store
	vectors  *vectorsync.Synchronizer

	result *Result
	trace  *OperationTrace

	// graphChanged is set when any node or edge was created, deleted or reweighted.
	graphChanged bool

	mu sync.Mutex // guards result.Quarantined during extraction
}

// extracted is the validated extraction output of one memory.
type extracted struct {
	item   diff.Item
	result extraction.Result
	err    error
}

func newRun(b *Builder, opts Options, memories memory.Store, embedder embeddings.Provider, vectors vectorstore.Store) *run {
	return &run{
		b:        b,
		opts:     opts,
		memories: memories,
		vectors:  vectorsync.New(embedder, vectors, b.logger),
		result:   &Result{BuildID: uuid.NewString()},
		trace:    newTrace(),
	}
}

func (r *run) execute(ctx context.Context) error {
	r.flushVectorDeletes(ctx)
	defer r.flushVectorDeletes(ctx)

	plan, retire, err := r.scope(ctx)
	if err != nil {
		return err
	}
	if err := r.repairEntityVectors(ctx); err != nil {
		return err
	}

	for _, id := range retire {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.retireMemory(ctx, id)
	}

	outputs, err := r.extract(ctx, plan.Process())
	if err != nil {
		return err
	}
	if err := r.apply(ctx, outputs); err != nil {
		return err
	}

	rebuilt, err := r.communities(ctx)
	if err != nil {
		return err
	}
	return r.reports(ctx, rebuilt)
}

// scope loads the in-scope memories, classifies them and lists the tracked
// memories that no longer exist.
func (r *run) scope(ctx context.Context) (*diff.Plan, []string, error) {
	span := startSpan(SpanScope, r.trace)

	var (
		live []*memory.Memory
		err  error
	)
	requested := uniqueIDs(r.opts.MemoryIDs)
	if len(requested) == 0 {
		live, err = r.memories.ListMemories(ctx)
	} else {
		live, err = r.memories.GetMemoriesByIDs(ctx, requested)
	}
	if err != nil {
		err = &ExternalError{Collaborator: CollaboratorMemoryStore, Err: err}
		span.finish(err, nil)
		return nil, nil, err
	}

	plan, err := diff.NewPlan(ctx, r.b.graph, live, r.b.extractionVersion, r.opts.ReindexAll)
	if err != nil {
		err = &StorageError{Op: "plan", Err: err}
		span.finish(err, nil)
		return nil, nil, err
	}

	tracked, err := r.b.graph.TrackedMemoryIDs(ctx)
	if err != nil {
		err = &StorageError{Op: "list tracked memories", Err: err}
		span.finish(err, nil)
		return nil, nil, err
	}
	if len(requested) > 0 {
		// A scoped build only retires what it was asked about.
		tracked = intersect(tracked, requested)
	}
	retire := diff.Stale(tracked, live)

	process, skipped := plan.Process(), plan.Skipped()
	r.result.ScopeSize = len(plan.Items)
	r.result.MemoriesSkipped = len(skipped)
	for _, it := range plan.Items {
		r.b.logger.Debug("memory classified",
			"build_id", r.result.BuildID,
			"memory_id", it.Memory.ID,
			"action", string(it.Action),
			"reason", it.Reason)
	}

	span.finish(nil, map[string]int64{
		"scopeSize": int64(len(plan.Items)),
		"toProcess": int64(len(process)),
		"skipped":   int64(len(skipped)),
		"retired":   int64(len(retire)),
	})
	return plan, retire, nil
}

// extract calls the extraction provider for every item with bounded concurrency.
// A failed call is kept on its item; only cancellation aborts the stage.
func (r *run) extract(ctx context.Context, items []diff.Item) ([]extracted, error) {
	span := startSpan(SpanExtract, r.trace)
	out := make([]extracted, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, it := range items {
		out[i].item = it
		g.Go(func() error {
			raw, err := r.b.extractor.Extract(gctx, it.Memory.Text())
			if err != nil {
				out[i].err = &ExternalError{MemoryID: it.Memory.ID, Collaborator: CollaboratorExtraction, Err: err}
				return nil
			}
			valid, quarantined := extraction.Validate(raw)
			for _, q := range quarantined {
				r.b.logger.Warn("quarantined extraction payload",
					"build_id", r.result.BuildID,
					"memory_id", it.Memory.ID,
					"kind", q.Kind,
					"index", q.Index,
					"reason", q.Reason)
			}
			out[i].result = valid
			r.addQuarantined(len(quarantined))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.finish(err, nil)
		return nil, err
	}

	var entities, rels, failed int64
	for _, o := range out {
		if o.err != nil {
			failed++
			continue
		}
		entities += int64(len(o.result.Entities))
		rels += int64(len(o.result.Relationships))
	}
	span.finish(nil, map[string]int64{
		"memories":      int64(len(items)),
		"entities":      entities,
		"relationships": rels,
		"failed":        failed,
	})
	return out, nil
}

// apply merges each extraction into the graph in memory id order, one transaction
// per memory, then syncs the vectors that changed.
func (r *run) apply(ctx context.Context, outputs []extracted) error {
	var resolveDur, orphanDur time.Duration
	var created, merged, deletedEntities, deletedRels int64

	for _, o := range outputs {
		if err := ctx.Err(); err != nil {
			r.trace.addSpan(Span{Name: SpanResolve, DurationMs: resolveDur.Milliseconds(), Error: err.Error()})
			return err
		}
		r.result.MemoriesProcessed++
		id := o.item.Memory.ID

		if o.err != nil {
			r.fail(ctx, id, o.err)
			continue
		}

		start := time.Now()
		res, gc, err := r.commitMemory(ctx, id, o.result)
		resolveDur += time.Since(start)
		if err != nil {
			r.fail(ctx, id, err)
			continue
		}
		r.result.EntitiesExtracted += len(o.result.Entities)
		r.result.RelationshipsExtracted += len(o.result.Relationships)
		created += int64(len(res.EntitiesCreated))
		merged += int64(len(res.EntitiesMerged))

		start = time.Now()
		deletedEntities += int64(len(gc.Entities))
		deletedRels += int64(len(gc.Relationships))
		r.collect(gc)
		orphanDur += time.Since(start)

		if err := r.index(ctx, id, res.Reembed); err != nil {
			r.fail(ctx, id, err)
			continue
		}
		if err := r.b.graph.MarkProcessed(ctx, store.ProcessedMemory{
			MemoryID:          id,
			Fingerprint:       o.item.Fingerprint,
			ExtractionVersion: r.b.extractionVersion,
		}); err != nil {
			r.fail(ctx, id, &StorageError{MemoryID: id, Op: "mark processed", Err: err})
			continue
		}
		r.b.logger.Debug("memory built",
			"build_id", r.result.BuildID,
			"memory_id", id,
			"reason", o.item.Reason,
			"entities", len(res.EntityIDs),
			"relationships", len(res.RelationshipIDs),
			"entities_created", len(res.EntitiesCreated),
			"orphans_deleted", len(gc.Entities))
	}

	r.trace.addSpan(Span{Name: SpanResolve, DurationMs: resolveDur.Milliseconds(), OK: true, Counters: map[string]int64{
		"processed":       int64(r.result.MemoriesProcessed),
		"failed":          int64(r.result.MemoriesFailed),
		"entitiesCreated": created,
		"entitiesMerged":  merged,
	}})
	r.trace.addSpan(Span{Name: SpanOrphans, DurationMs: orphanDur.Milliseconds(), OK: true, Counters: map[string]int64{
		"entitiesDeleted":      deletedEntities,
		"relationshipsDeleted": deletedRels,
		"retired":              int64(r.result.MemoriesRetired),
	}})
	return nil
}

// commitMemory resolves one memory's extraction, records its attribution and
// deletes the nodes it was the last memory to reference, all in one transaction.
func (r *run) commitMemory(ctx context.Context, memoryID string, result extraction.Result) (*resolver.Resolution, *store.GCResult, error) {
	var (
		res *resolver.Resolution
		gc  *store.GCResult
	)
	err := r.b.graph.WithTx(ctx, func(tx *store.Tx) error {
		prevEntities, err := tx.FindEntitiesByMemory(ctx, memoryID)
		if err != nil {
			return err
		}
		prevRels, err := tx.FindRelationshipsByMemory(ctx, memoryID)
		if err != nil {
			return err
		}

		res, err = r.b.resolver.Resolve(ctx, tx, memoryID, result)
		if err != nil {
			return fmt.Errorf("failed to resolve extraction: %w", err)
		}
		if err := tx.ReplaceAttribution(ctx, memoryID, res.EntityIDs, res.RelationshipIDs); err != nil {
			return err
		}

		gc, err = collectOrphans(ctx, tx, diff.Lost{
			EntityIDs:       diff.Diff(prevEntities, res.EntityIDs),
			RelationshipIDs: diff.Diff(prevRels, res.RelationshipIDs),
		})
		return err
	})
	if err != nil {
		return nil, nil, &StorageError{MemoryID: memoryID, Op: "resolve", Err: err}
	}
	if res.TopologyChanged || len(gc.Entities) > 0 || len(gc.Relationships) > 0 {
		r.graphChanged = true
	}
	return res, gc, nil
}

// retireMemory removes a deleted memory's attribution and garbage collects what
// only it referenced. Its vectors are queued node by node, never by memory id,
// since entities it created may now belong to live memories too.
func (r *run) retireMemory(ctx context.Context, memoryID string) {
	start := time.Now()
	var gc *store.GCResult
	err := r.b.graph.WithTx(ctx, func(tx *store.Tx) error {
		prevEntities, err := tx.FindEntitiesByMemory(ctx, memoryID)
		if err != nil {
			return err
		}
		prevRels, err := tx.FindRelationshipsByMemory(ctx, memoryID)
		if err != nil {
			return err
		}
		if err := tx.ReplaceAttribution(ctx, memoryID, nil, nil); err != nil {
			return err
		}
		gc, err = collectOrphans(ctx, tx, diff.Lost{EntityIDs: prevEntities, RelationshipIDs: prevRels})
		if err != nil {
			return err
		}
		return tx.ForgetMemory(ctx, memoryID)
	})
	if err != nil {
		err = &StorageError{MemoryID: memoryID, Op: "retire", Err: err}
		r.result.Failures = append(r.result.Failures, err)
		r.b.logger.Error("failed to retire memory",
			"build_id", r.result.BuildID,
			"memory_id", memoryID,
			"error_type", ClassifyError(err),
			"error", err)
		return
	}

	r.result.MemoriesRetired++
	if len(gc.Entities) > 0 || len(gc.Relationships) > 0 {
		r.graphChanged = true
	}
	r.collect(gc)
	r.b.logger.Info("memory retired",
		"build_id", r.result.BuildID,
		"memory_id", memoryID,
		"entities_deleted", len(gc.Entities),
		"relationships_deleted", len(gc.Relationships),
		"duration_ms", time.Since(start).Milliseconds())
}

func collectOrphans(ctx context.Context, tx *store.Tx, lost diff.Lost) (*store.GCResult, error) {
	if lost.Empty() {
		return &store.GCResult{}, nil
	}
	orphans, err := diff.Orphans(ctx, tx, lost)
	if err != nil {
		return nil, fmt.Errorf("failed to count references: %w", err)
	}
	return tx.GarbageCollectCandidates(ctx, orphans.EntityIDs, orphans.RelationshipIDs)
}

// collect counts a committed garbage collection. The vectors of the removed
// entities were queued by the same transaction and go with the next flush.
func (r *run) collect(gc *store.GCResult) {
	r.result.EntitiesDeleted += len(gc.Entities)
	r.result.RelationshipsDeleted += len(gc.Relationships)
}

// flushVectorDeletes removes the vectors of deleted nodes queued by this or any
// earlier build. Deletes the vector store rejects stay queued.
func (r *run) flushVectorDeletes(ctx context.Context) {
	pending, err := r.b.graph.PendingVectorDeletes(ctx)
	if err != nil {
		r.b.logger.Warn("failed to list pending vector deletes",
			"build_id", r.result.BuildID,
			"error", err)
		return
	}
	if len(pending) == 0 {
		r.result.VectorDeletesPending = 0
		return
	}
	done := r.vectors.DeletePending(ctx, pending)
	if err := r.b.graph.ClearVectorDeletes(context.WithoutCancel(ctx), done); err != nil {
		r.b.logger.Warn("failed to clear pending vector deletes",
			"build_id", r.result.BuildID,
			"error", err)
		r.result.VectorDeletesPending = len(pending)
		return
	}
	r.result.VectorDeletesPending = len(pending) - len(done)
	if r.result.VectorDeletesPending > 0 {
		r.b.logger.Warn("vector deletes left queued",
			"build_id", r.result.BuildID,
			"pending", r.result.VectorDeletesPending)
	}
}

// repairEntityVectors indexes live entities that have no vector: those whose
// indexing failed in an earlier build and those whose content changed since.
// Failures are logged and left for the next build.
func (r *run) repairEntityVectors(ctx context.Context) error {
	missing, err := r.b.graph.EntitiesMissingEmbedding(ctx)
	if err != nil {
		return &StorageError{Op: "list entities missing vectors", Err: err}
	}
	if len(missing) == 0 {
		return nil
	}
	ids, indexErr := r.vectors.IndexEntities(ctx, missing, "")
	for _, e := range missing {
		embeddingID, ok := ids[e.ID]
		if !ok {
			continue
		}
		if err := r.b.graph.SetEntityEmbeddingID(ctx, e.ID, &embeddingID); err != nil {
			return &StorageError{Op: "record embedding id", Err: err}
		}
	}
	if indexErr != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.b.logger.Warn("failed to repair entity vectors",
			"build_id", r.result.BuildID,
			"missing", len(missing),
			"repaired", len(ids),
			"error", indexErr)
		return nil
	}
	r.b.logger.Debug("entity vectors repaired",
		"build_id", r.result.BuildID,
		"repaired", len(ids))
	return nil
}

// index embeds the entities whose vector is missing or stale and records the
// returned embedding ids.
func (r *run) index(ctx context.Context, memoryID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	entities, err := r.b.graph.GetEntities(ctx, entityIDs)
	if err != nil {
		return &StorageError{MemoryID: memoryID, Op: "load entities", Err: err}
	}

	ids, indexErr := r.vectors.IndexEntities(ctx, entities, memoryID)
	for _, e := range entities {
		embeddingID, ok := ids[e.ID]
		if !ok {
			continue
		}
		if err := r.b.graph.SetEntityEmbeddingID(ctx, e.ID, &embeddingID); err != nil {
			return &StorageError{MemoryID: memoryID, Op: "record embedding id", Err: err}
		}
	}
	if indexErr != nil {
		return &ExternalError{MemoryID: memoryID, Collaborator: CollaboratorEmbedding, Err: indexErr}
	}
	return nil
}

// fail records a per-memory failure and drops the memory's fingerprint so the next
// build retries it.
func (r *run) fail(ctx context.Context, memoryID string, err error) {
	r.result.MemoriesFailed++
	r.result.Failures = append(r.result.Failures, err)
	r.b.logger.Error("memory build failed",
		"build_id", r.result.BuildID,
		"memory_id", memoryID,
		"error_type", ClassifyError(err),
		"error", err)
	if ferr := r.b.graph.ForgetMemory(context.WithoutCancel(ctx), memoryID); ferr != nil {
		r.b.logger.Warn("failed to reset memory fingerprint", "memory_id", memoryID, "error", ferr)
	}
}

// communities rebuilds the hierarchy when the graph changed, on reindex, or when
// the stored level count no longer matches the requested one.
func (r *run) communities(ctx context.Context) (bool, error) {
	span := startSpan(SpanCommunities, r.trace)

	stats, err := r.b.graph.Stats(ctx)
	if err != nil {
		err = &StorageError{Op: "read graph stats", Err: err}
		span.finish(err, nil)
		return false, err
	}
	want := r.opts.CommunityLevels
	if stats.Entities == 0 {
		want = 0
	}
	if !r.graphChanged && !r.opts.ReindexAll && stats.Levels == want {
		r.result.CommunityRebuildSkipped = true
		span.finish(nil, map[string]int64{"skipped": 1})
		return false, nil
	}

	swap, levels, err := community.Rebuild(ctx, r.b.graph, community.Options{
		Levels:     r.opts.CommunityLevels,
		Resolution: r.opts.Resolution,
	})
	if err != nil {
		err = &StorageError{Op: "rebuild communities", Err: err}
		span.finish(err, nil)
		return false, err
	}
	r.result.CommunitiesCreated = len(swap.Created)
	r.result.CommunitiesDeleted = len(swap.Deleted)
	r.flushVectorDeletes(ctx)

	for _, l := range levels {
		r.b.logger.Debug("community level detected",
			"build_id", r.result.BuildID,
			"level", l.Level,
			"communities", len(l.Clusters),
			"modularity", l.Modularity)
	}
	span.finish(nil, map[string]int64{
		"created":        int64(len(swap.Created)),
		"kept":           int64(len(swap.Kept)),
		"deleted":        int64(len(swap.Deleted)),
		"reportsDeleted": int64(len(swap.DeletedReports)),
	})
	return true, nil
}

// reports retries the vectors of reports whose indexing failed, then summarizes
// the communities without a report when asked to and when there is something to
// summarize.
func (r *run) reports(ctx context.Context, rebuilt bool) error {
	span := startSpan(SpanReports, r.trace)
	gen := &report.Generator{
		Summarizer:    r.b.summarizer,
		PromptVersion: r.b.promptVersion,
		Concurrency:   r.opts.Concurrency,
		Logger:        r.b.logger,
	}

	repaired, err := gen.IndexMissing(ctx, r.b.graph, r.vectors)
	if err != nil {
		if ctx.Err() == nil {
			err = &StorageError{Op: "index unindexed reports", Err: err}
		}
		span.finish(err, nil)
		return err
	}
	unindexed := repaired.VectorsIndexed + repaired.IndexFailed

	if !r.opts.GenerateReports {
		r.result.ReportGenerationSkipped = true
		span.finish(nil, map[string]int64{"skipped": 1, "reindexed": int64(repaired.VectorsIndexed)})
		return nil
	}

	missing, err := r.b.graph.CommunitiesMissingReports(ctx)
	if err != nil {
		err = &StorageError{Op: "list communities missing reports", Err: err}
		span.finish(err, nil)
		return err
	}
	if !rebuilt && len(missing) == 0 && unindexed == 0 {
		r.result.ReportGenerationSkipped = true
		span.finish(nil, map[string]int64{"skipped": 1})
		return nil
	}

	out, err := gen.Generate(ctx, r.b.graph, r.vectors)
	if err != nil {
		if ctx.Err() == nil {
			err = &StorageError{Op: "generate reports", Err: err}
		}
		span.finish(err, nil)
		return err
	}
	r.result.ReportsGenerated = len(out.Generated)
	r.result.ReportsFailed = out.Failed
	span.finish(nil, map[string]int64{
		"missing":     int64(len(missing)),
		"generated":   int64(len(out.Generated)),
		"failed":      int64(out.Failed),
		"reindexed":   int64(repaired.VectorsIndexed),
		"indexFailed": int64(out.IndexFailed + repaired.IndexFailed),
	})
	return nil
}

// finish copies the vector counters, derives NoOp and stamps the duration.
func (r *run) finish(d time.Duration) *Result {
	s := r.vectors.Stats()
	res := r.result
	res.EntityVectorsIndexed = s.EntityVectorsIndexed
	res.EntityVectorsDeleted = s.EntityVectorsDeleted
	res.ReportVectorsIndexed = s.ReportVectorsIndexed
	res.ReportVectorsDeleted = s.ReportVectorsDeleted
	res.VectorDeleteFailures = s.DeleteFailures
	res.NoOp = res.MemoriesProcessed == 0 && res.CommunityRebuildSkipped && res.ReportGenerationSkipped
	res.DurationMs = d.Milliseconds()
	res.Trace = r.trace
	return res
}

func (r *run) addQuarantined(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.result.Quarantined += n
	r.mu.Unlock()
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	var out []string
	for _, id := range a {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}
