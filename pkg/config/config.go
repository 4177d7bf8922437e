// Package config loads engine settings from YAML or TOML files and GRAPHRAG_*
// environment variables, with defaults for every option.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dan-solli/graphrag/pkg/retrieval"
)

// Providers and backends understood by the engine.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendChromem  = "chromem"
	BackendPGVector = "pgvector"

	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // mattn/go-sqlite3, cgo builds only
)

// DefaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama server.
const DefaultOllamaURL = "http://localhost:11434/v1"

// Duration is a time.Duration written as "90s" or "10m" in config files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every setting of the engine.
type Config struct {
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	LLM         LLMConfig         `yaml:"llm" toml:"llm"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" toml:"embeddings"`
	VectorStore VectorStoreConfig `yaml:"vector_store" toml:"vector_store"`
	Build       BuildConfig       `yaml:"build" toml:"build"`
	Jobs        JobsConfig        `yaml:"jobs" toml:"jobs"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" toml:"retrieval"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Trace       TraceConfig       `yaml:"trace" toml:"trace"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// DatabaseConfig locates the SQLite file holding the graph and the memories.
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`     // file path or ":memory:"
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "sqlite3"
}

// LLMConfig configures the chat model used for extraction and reports.
type LLMConfig struct {
	Provider          string   `yaml:"provider" toml:"provider"`
	APIKey            string   `yaml:"api_key" toml:"api_key"`
	Model             string   `yaml:"model" toml:"model"`
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	MaxRetries        int      `yaml:"max_retries" toml:"max_retries"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	BreakerFailures   uint32   `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout    Duration `yaml:"breaker_timeout" toml:"breaker_timeout"`
	JSONMode          bool     `yaml:"json_mode" toml:"json_mode"`
	PromptVersion     string   `yaml:"prompt_version" toml:"prompt_version"`
}

// EmbeddingsConfig configures the embedding model and its cache.
type EmbeddingsConfig struct {
	Provider          string  `yaml:"provider" toml:"provider"`
	APIKey            string  `yaml:"api_key" toml:"api_key"`
	Model             string  `yaml:"model" toml:"model"`
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	Dimensions        int     `yaml:"dimensions" toml:"dimensions"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	CacheSize         int64   `yaml:"cache_size" toml:"cache_size"` // 0 disables the cache
}

// VectorStoreConfig selects where entity and report vectors live.
type VectorStoreConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`
	Path       string `yaml:"path" toml:"path"` // chromem persistence dir; empty keeps it in memory
	Collection string `yaml:"collection" toml:"collection"`
	DSN        string `yaml:"dsn" toml:"dsn"` // pgvector only
}

// BuildConfig holds the defaults of a build pass.
type BuildConfig struct {
	CommunityLevels   int      `yaml:"community_levels" toml:"community_levels"`
	Resolution        float64  `yaml:"resolution" toml:"resolution"`
	Concurrency       int      `yaml:"concurrency" toml:"concurrency"`
	GenerateReports   bool     `yaml:"generate_reports" toml:"generate_reports"`
	ExtractionVersion string   `yaml:"extraction_version" toml:"extraction_version"`
	LockTTL           Duration `yaml:"lock_ttl" toml:"lock_ttl"`
	ChunkMaxWords     int      `yaml:"chunk_max_words" toml:"chunk_max_words"`
	ChunkOverlapWords int      `yaml:"chunk_overlap_words" toml:"chunk_overlap_words"`
}

// JobsConfig sizes the background build runner fed by approvals.
type JobsConfig struct {
	Workers         int      `yaml:"workers" toml:"workers"`
	QueueSize       int      `yaml:"queue_size" toml:"queue_size"`
	MaxAttempts     int      `yaml:"max_attempts" toml:"max_attempts"`
	Backoff         Duration `yaml:"backoff" toml:"backoff"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// RetrievalConfig groups the search strategy settings.
type RetrievalConfig struct {
	Local  retrieval.LocalConfig  `yaml:"local" toml:"local"`
	Global retrieval.GlobalConfig `yaml:"global" toml:"global"`
	Drift  retrieval.DriftConfig  `yaml:"drift" toml:"drift"`
}

// MetricsConfig toggles the Prometheus collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// TraceConfig controls the JSON Lines build trace.
type TraceConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Path         string `yaml:"path" toml:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes" toml:"max_size_bytes"`
	MaxFiles     int    `yaml:"max_files" toml:"max_files"`
}

// LogConfig controls the slog handler built by Logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "graphrag.db", Driver: DriverModernc},
		LLM: LLMConfig{
			Provider:        ProviderOpenAI,
			Model:           "gpt-4o-mini",
			MaxRetries:      3,
			Burst:           1,
			BreakerFailures: 5,
			BreakerTimeout:  Duration{30 * time.Second},
			JSONMode:        true,
			PromptVersion:   "v1",
		},
		Embeddings: EmbeddingsConfig{
			Provider:  ProviderOpenAI,
			Model:     "text-embedding-3-small",
			CacheSize: 10000,
		},
		VectorStore: VectorStoreConfig{Backend: BackendSQLite, Collection: "graphrag"},
		Build: BuildConfig{
			CommunityLevels:   2,
			Resolution:        1.0,
			Concurrency:       4,
			GenerateReports:   true,
			ExtractionVersion: "v1",
			LockTTL:           Duration{10 * time.Minute},
			ChunkMaxWords:     400,
			ChunkOverlapWords: 40,
		},
		Jobs: JobsConfig{
			Workers:         1,
			QueueSize:       64,
			MaxAttempts:     3,
			Backoff:         Duration{100 * time.Millisecond},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Retrieval: RetrievalConfig{
			Local:  retrieval.DefaultLocalConfig(),
			Global: retrieval.DefaultGlobalConfig(),
			Drift:  retrieval.DefaultDriftConfig(),
		},
		Trace: TraceConfig{
			Path:         "graphrag-trace.jsonl",
			MaxSizeBytes: 10 * 1024 * 1024,
			MaxFiles:     5,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyProviderDefaults points Ollama providers at the local server when no URL is set.
func (c *Config) applyProviderDefaults() {
	if c.LLM.Provider == ProviderOllama && c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultOllamaURL
	}
	if c.Embeddings.Provider == ProviderOllama && c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = DefaultOllamaURL
	}
}

// Validate reports every invalid setting at once. API keys are checked when the
// clients are created, since callers may supply their own.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Database.Path == "" {
		add("database.path is required")
	}
	switch c.Database.Driver {
	case DriverModernc, DriverMattn:
	default:
		add("database.driver must be %q or %q, got %q", DriverModernc, DriverMattn, c.Database.Driver)
	}

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		add("llm.provider must be %q or %q, got %q", ProviderOpenAI, ProviderOllama, c.LLM.Provider)
	}
	if c.LLM.RequestsPerSecond < 0 {
		add("llm.requests_per_second must not be negative")
	}

	switch c.Embeddings.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		add("embeddings.provider must be %q or %q, got %q", ProviderOpenAI, ProviderOllama, c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 {
		add("embeddings.dimensions must not be negative")
	}
	if c.Embeddings.CacheSize < 0 {
		add("embeddings.cache_size must not be negative")
	}

	switch c.VectorStore.Backend {
	case BackendMemory, BackendSQLite, BackendChromem:
	case BackendPGVector:
		if c.VectorStore.DSN == "" {
			add("vector_store.dsn is required for backend pgvector")
		}
	default:
		add("vector_store.backend must be one of memory, sqlite, chromem, pgvector, got %q", c.VectorStore.Backend)
	}

	if c.Build.CommunityLevels < 1 {
		add("build.community_levels must be at least 1")
	}
	if c.Build.Resolution <= 0 {
		add("build.resolution must be positive")
	}
	if c.Build.Concurrency < 1 {
		add("build.concurrency must be at least 1")
	}
	if c.Build.ExtractionVersion == "" {
		add("build.extraction_version is required")
	}
	if c.Build.LockTTL.Duration <= 0 {
		add("build.lock_ttl must be positive")
	}
	if c.Build.ChunkMaxWords < 1 || c.Build.ChunkOverlapWords < 0 || c.Build.ChunkOverlapWords >= c.Build.ChunkMaxWords {
		add("build.chunk_overlap_words must be in [0, chunk_max_words)")
	}

	if c.Jobs.Workers < 1 || c.Jobs.QueueSize < 1 || c.Jobs.MaxAttempts < 1 {
		add("jobs.workers, jobs.queue_size and jobs.max_attempts must be at least 1")
	}

	for _, err := range []error{c.Retrieval.Local.Validate(), c.Retrieval.Global.Validate(), c.Retrieval.Drift.Validate()} {
		if err != nil {
			errs = append(errs, fmt.Errorf("retrieval.%w", err))
		}
	}

	if c.Trace.Enabled && c.Trace.Path == "" {
		add("trace.path is required when tracing is enabled")
	}

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// Logger builds a slog logger writing to w. An invalid level falls back to info.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
