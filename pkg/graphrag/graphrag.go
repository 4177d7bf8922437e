// Package graphrag wires configuration, storage and model clients into a
// ready-to-use knowledge graph engine.
package graphrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dan-solli/graphrag/pkg/build"
	"github.com/dan-solli/graphrag/pkg/chunker"
	"github.com/dan-solli/graphrag/pkg/config"
	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/extraction"
	"github.com/dan-solli/graphrag/pkg/jobs"
	"github.com/dan-solli/graphrag/pkg/llm"
	"github.com/dan-solli/graphrag/pkg/memory"
	"github.com/dan-solli/graphrag/pkg/metrics"
	"github.com/dan-solli/graphrag/pkg/report"
	"github.com/dan-solli/graphrag/pkg/retrieval"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/trace"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
)

// Clients are the model-facing collaborators of an Engine. New creates them from
// the configuration; NewWithClients accepts them ready-made.
type Clients struct {
	Extractor extraction.Provider
	// Summarizer writes community reports. Nil disables report generation.
	Summarizer report.Summarizer
	Embedder   embeddings.Provider
	// Vectors overrides cfg.VectorStore when set.
	Vectors vectorstore.Store
}

// Engine owns the graph store, the memory store, the vector store and the
// background build runner.
type Engine struct {
	cfg      *config.Config
	graph    *store.SQLiteGraphStore
	memories *memory.SQLiteStore
	vectors  vectorstore.Store
	embedder embeddings.Provider
	builder  *build.Builder
	reader   *retrieval.Reader
	runner   *jobs.Runner
	metrics  metrics.Collector
	exporter trace.Exporter
	logger   *slog.Logger

	reports bool
	closers []func() error
}

// New creates an Engine with OpenAI-compatible clients built from cfg.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clients, closers, err := newClients(cfg)
	if err != nil {
		return nil, err
	}
	e, err := NewWithClients(cfg, clients)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	e.closers = append(e.closers, closers...)
	return e, nil
}

// NewWithClients creates an Engine around caller-provided clients. The LLM and
// embeddings sections of cfg are ignored.
func NewWithClients(cfg *config.Config, clients Clients) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if clients.Extractor == nil || clients.Embedder == nil {
		return nil, errors.New("graphrag: extractor and embedder are required")
	}

	logger := cfg.Log.Logger(os.Stderr)

	graph, err := store.OpenSQLiteGraphStore(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		graph:    graph,
		embedder: clients.Embedder,
		logger:   logger,
		reports:  clients.Summarizer != nil && cfg.Build.GenerateReports,
	}
	// Closed in reverse order, so the graph database goes last.
	e.closers = append(e.closers, graph.Close)

	if e.memories, err = memory.NewSQLiteStore(graph.DB()); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	e.vectors = clients.Vectors
	if e.vectors == nil {
		if e.vectors, err = e.openVectors(); err != nil {
			e.Close()
			return nil, err
		}
	}

	e.metrics = metrics.NewNoopCollector()
	if cfg.Metrics.Enabled {
		e.metrics = metrics.NewCollector()
	}
	e.exporter = trace.NoopExporter{}
	if cfg.Trace.Enabled {
		exp, err := trace.NewFileExporter(cfg.Trace.Path,
			trace.WithMaxSize(cfg.Trace.MaxSizeBytes),
			trace.WithMaxRotatedFiles(cfg.Trace.MaxFiles))
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		e.exporter = exp
		e.closers = append(e.closers, exp.Close)
	}

	e.builder = build.New(graph, clients.Extractor).
		WithLogger(logger).
		WithExtractionVersion(cfg.Build.ExtractionVersion).
		WithMetrics(e.metrics).
		WithTraceExporter(e.exporter).
		WithLockTTL(cfg.Build.LockTTL.Duration)
	if clients.Summarizer != nil {
		e.builder.WithSummarizer(clients.Summarizer, cfg.LLM.PromptVersion)
	}

	e.reader = retrieval.NewReader(graph).WithVectors(clients.Embedder, e.vectors)

	e.runner = jobs.NewRunner(jobs.Config{
		Workers:         cfg.Jobs.Workers,
		QueueSize:       cfg.Jobs.QueueSize,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		Backoff:         cfg.Jobs.Backoff.Duration,
		ShutdownTimeout: cfg.Jobs.ShutdownTimeout.Duration,
		Retryable:       retryable,
	}, e.runJob, logger)
	e.runner.Start(context.Background())

	return e, nil
}

// openVectors opens the configured vector backend.
func (e *Engine) openVectors() (vectorstore.Store, error) {
	vc := e.cfg.VectorStore
	switch vc.Backend {
	case config.BackendMemory:
		return vectorstore.NewMemoryStore(), nil
	case config.BackendSQLite:
		s, err := vectorstore.NewSQLiteStore(e.graph.DB())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite vector store: %w", err)
		}
		return s, nil
	case config.BackendChromem:
		s, err := vectorstore.NewChromemStore(vc.Path, vc.Collection)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem vector store: %w", err)
		}
		return s, nil
	case config.BackendPGVector:
		s, err := vectorstore.OpenPGVectorStore(context.Background(), vc.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open pgvector store: %w", err)
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", vc.Backend)
	}
}

// newClients builds the OpenAI-compatible chat and embedding clients.
func newClients(cfg *config.Config) (Clients, []func() error, error) {
	lc, ec := cfg.LLM, cfg.Embeddings
	if lc.Provider == config.ProviderOpenAI && lc.APIKey == "" && lc.BaseURL == "" {
		return Clients{}, nil, errors.New("llm.api_key is required for provider openai")
	}
	if ec.Provider == config.ProviderOpenAI && ec.APIKey == "" && ec.BaseURL == "" {
		return Clients{}, nil, errors.New("embeddings.api_key is required for provider openai")
	}

	chat := llm.NewOpenAILLMWithConfig(llm.Config{
		APIKey:            lc.APIKey,
		Model:             lc.Model,
		BaseURL:           lc.BaseURL,
		MaxRetries:        lc.MaxRetries,
		RequestsPerSecond: lc.RequestsPerSecond,
		Burst:             lc.Burst,
		BreakerFailures:   lc.BreakerFailures,
		BreakerTimeout:    lc.BreakerTimeout.Duration,
		JSONMode:          lc.JSONMode,
	})
	chat.SetLogger(cfg.Log.Logger(os.Stderr))

	extractor := extraction.NewLLMExtractor(chat)
	extractor.Chunker = chunker.Chunker{
		MaxWords:     cfg.Build.ChunkMaxWords,
		OverlapWords: cfg.Build.ChunkOverlapWords,
	}

	var embedder embeddings.Provider = embeddings.NewOpenAIProviderWithConfig(embeddings.OpenAIConfig{
		APIKey:            ec.APIKey,
		Model:             ec.Model,
		BaseURL:           ec.BaseURL,
		Dimensions:        ec.Dimensions,
		RequestsPerSecond: ec.RequestsPerSecond,
	})
	var closers []func() error
	if ec.CacheSize > 0 {
		cached, err := embeddings.NewCachedProvider(embedder, ec.Model, ec.CacheSize)
		if err != nil {
			return Clients{}, nil, err
		}
		embedder = cached
		closers = append(closers, func() error { cached.Close(); return nil })
	}

	clients := Clients{Extractor: extractor, Embedder: embedder}
	if cfg.Build.GenerateReports {
		clients.Summarizer = report.NewLLMSummarizer(chat)
	}
	return clients, closers, nil
}
