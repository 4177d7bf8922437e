package graphrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dan-solli/graphrag/pkg/build"
	"github.com/dan-solli/graphrag/pkg/jobs"
	"github.com/dan-solli/graphrag/pkg/memory"
	"github.com/dan-solli/graphrag/pkg/metrics"
	"github.com/dan-solli/graphrag/pkg/retrieval"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/trace"
)

// WithLogger replaces the logger of the engine and its builder.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
	e.builder.WithLogger(logger)
	return e
}

// Memories returns the memory store the engine builds from.
func (e *Engine) Memories() *memory.SQLiteStore {
	return e.memories
}

// Reader returns the read-only retrieval view of the graph.
func (e *Engine) Reader() *retrieval.Reader {
	return e.reader
}

// Metrics returns the collector the builds report to.
func (e *Engine) Metrics() metrics.Collector {
	return e.metrics
}

// BuildOptions returns build options from the configured defaults, covering
// every memory.
func (e *Engine) BuildOptions() build.Options {
	bc := e.cfg.Build
	return build.Options{
		GenerateReports: e.reports,
		CommunityLevels: bc.CommunityLevels,
		Resolution:      bc.Resolution,
		Concurrency:     bc.Concurrency,
	}
}

// Build runs one build pass synchronously.
func (e *Engine) Build(ctx context.Context, opts build.Options) (*build.Result, error) {
	return e.builder.Build(ctx, opts, e.memories, e.embedder, e.vectors)
}

// Approve marks memories approved and queues a build scoped to them. It returns
// the job id; the outcome arrives on JobResults.
func (e *Engine) Approve(ctx context.Context, memoryIDs ...string) (string, error) {
	if len(memoryIDs) == 0 {
		return "", errors.New("approve requires at least one memory id")
	}
	approved := memory.StatusApproved
	for _, id := range memoryIDs {
		if err := e.memories.UpdateMemory(ctx, id, memory.Update{Status: &approved}); err != nil {
			return "", fmt.Errorf("failed to approve memory %s: %w", id, err)
		}
	}
	jobID, err := e.runner.Submit(memoryIDs)
	if err != nil {
		return "", fmt.Errorf("failed to queue build: %w", err)
	}
	e.logger.Info("memories approved", "job_id", jobID, "memory_count", len(memoryIDs))
	return jobID, nil
}

// JobResults delivers the outcome of every queued build. It is closed by Close.
func (e *Engine) JobResults() <-chan jobs.Result {
	return e.runner.Results()
}

func (e *Engine) runJob(ctx context.Context, job jobs.Job) error {
	opts := e.BuildOptions()
	opts.MemoryIDs = job.MemoryIDs
	res, err := e.Build(ctx, opts)
	if err != nil {
		return err
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d of %d memories failed: %w", res.MemoriesFailed, res.ScopeSize, errors.Join(res.Failures...))
	}
	return nil
}

// retryable keeps retrying lease conflicts and transient failures, but not bad
// options or cancellation.
func retryable(err error) bool {
	var ve *build.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// RecentBuilds returns up to limit of the latest build records from the trace
// journal, oldest first. It returns nothing when tracing is disabled.
func (e *Engine) RecentBuilds(limit int) ([]trace.TraceRecord, error) {
	if !e.cfg.Trace.Enabled {
		return nil, nil
	}
	return trace.ReadRecords(e.cfg.Trace.Path, limit)
}

// Stats returns the current graph size.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.graph.Stats(ctx)
}

// Close stops the job runner, waiting for queued builds up to the configured
// shutdown timeout, then releases every store.
func (e *Engine) Close() error {
	var errs []error
	if e.runner != nil {
		if err := e.runner.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
