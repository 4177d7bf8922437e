package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix starts every environment variable read by FromEnv.
const EnvPrefix = "GRAPHRAG_"

// FromEnv overlays GRAPHRAG_* environment variables on cfg. The given .env files
// are loaded first when they exist; variables already set in the process win
// over their contents. OPENAI_API_KEY is used for both providers when their
// own key is unset. The result is not validated.
func FromEnv(cfg *Config, envFiles ...string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file '%s': %w", f, err)
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			dst.Duration = d
		}
	}

	str("DB_PATH", &cfg.Database.Path)
	str("DB_DRIVER", &cfg.Database.Driver)

	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("LLM_API_KEY", &cfg.LLM.APIKey)
	str("LLM_MODEL", &cfg.LLM.Model)
	str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	float("LLM_REQUESTS_PER_SECOND", &cfg.LLM.RequestsPerSecond)
	str("PROMPT_VERSION", &cfg.LLM.PromptVersion)

	str("EMBEDDING_PROVIDER", &cfg.Embeddings.Provider)
	str("EMBEDDING_API_KEY", &cfg.Embeddings.APIKey)
	str("EMBEDDING_MODEL", &cfg.Embeddings.Model)
	str("EMBEDDING_BASE_URL", &cfg.Embeddings.BaseURL)
	num("EMBEDDING_DIMENSIONS", &cfg.Embeddings.Dimensions)

	str("VECTOR_BACKEND", &cfg.VectorStore.Backend)
	str("VECTOR_PATH", &cfg.VectorStore.Path)
	str("VECTOR_COLLECTION", &cfg.VectorStore.Collection)
	str("VECTOR_DSN", &cfg.VectorStore.DSN)

	num("COMMUNITY_LEVELS", &cfg.Build.CommunityLevels)
	float("RESOLUTION", &cfg.Build.Resolution)
	num("CONCURRENCY", &cfg.Build.Concurrency)
	flag("GENERATE_REPORTS", &cfg.Build.GenerateReports)
	str("EXTRACTION_VERSION", &cfg.Build.ExtractionVersion)
	duration("LOCK_TTL", &cfg.Build.LockTTL)

	num("JOB_WORKERS", &cfg.Jobs.Workers)
	num("JOB_QUEUE_SIZE", &cfg.Jobs.QueueSize)
	num("JOB_MAX_ATTEMPTS", &cfg.Jobs.MaxAttempts)

	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	flag("TRACE_ENABLED", &cfg.Trace.Enabled)
	str("TRACE_PATH", &cfg.Trace.Path)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = key
		}
		if cfg.Embeddings.APIKey == "" {
			cfg.Embeddings.APIKey = key
		}
	}
	cfg.applyProviderDefaults()

	return errors.Join(errs...)
}
