package retrieval

import (
	"fmt"

	"github.com/dan-solli/graphrag/pkg/store"
)

// Report selection strategies for global search.
const (
	StrategyEmbedding = "embedding"
	StrategyRating    = "rating"
)

// MaxExpansionDepth bounds LocalConfig.MaxDepth.
const MaxExpansionDepth = 5

// LocalConfig configures entity-centred search: seeds plus their neighborhood.
type LocalConfig struct {
	MaxDepth              int     `yaml:"max_depth" toml:"max_depth" json:"maxDepth"`
	MinEdgeWeight         float64 `yaml:"min_edge_weight" toml:"min_edge_weight" json:"minEdgeWeight"`
	EntitySimilarityBoost bool    `yaml:"entity_similarity_boost" toml:"entity_similarity_boost" json:"entitySimilarityBoost"`
}

// GlobalConfig configures report-level search over one community level.
type GlobalConfig struct {
	CommunityLevel          int    `yaml:"community_level" toml:"community_level" json:"communityLevel"`
	MaxReports              int    `yaml:"max_reports" toml:"max_reports" json:"maxReports"`
	ReportSelectionStrategy string `yaml:"report_selection_strategy" toml:"report_selection_strategy" json:"reportSelectionStrategy"`
}

// DriftConfig configures iterative search that refines its query from results.
type DriftConfig struct {
	MaxIterations        int     `yaml:"max_iterations" toml:"max_iterations" json:"maxIterations"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold" toml:"convergence_threshold" json:"convergenceThreshold"`
	MemoryWindow         int     `yaml:"memory_window" toml:"memory_window" json:"memoryWindow"`
}

// DefaultLocalConfig returns the local search defaults.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{MaxDepth: 2, MinEdgeWeight: 3, EntitySimilarityBoost: true}
}

// DefaultGlobalConfig returns the global search defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{CommunityLevel: 1, MaxReports: 5, ReportSelectionStrategy: StrategyEmbedding}
}

// DefaultDriftConfig returns the drift search defaults.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{MaxIterations: 3, ConvergenceThreshold: 0.9, MemoryWindow: 5}
}

// Validate checks the local search bounds.
func (c LocalConfig) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > MaxExpansionDepth {
		return fmt.Errorf("local.max_depth must be between 1 and %d, got %d", MaxExpansionDepth, c.MaxDepth)
	}
	if c.MinEdgeWeight < store.MinStrength || c.MinEdgeWeight > store.MaxStrength {
		return fmt.Errorf("local.min_edge_weight must be between %.0f and %.0f, got %g",
			store.MinStrength, store.MaxStrength, c.MinEdgeWeight)
	}
	return nil
}

// Validate checks the global search bounds.
func (c GlobalConfig) Validate() error {
	if c.CommunityLevel < 0 {
		return fmt.Errorf("global.community_level must not be negative, got %d", c.CommunityLevel)
	}
	if c.MaxReports < 1 {
		return fmt.Errorf("global.max_reports must be at least 1, got %d", c.MaxReports)
	}
	switch c.ReportSelectionStrategy {
	case StrategyEmbedding, StrategyRating:
	default:
		return fmt.Errorf("global.report_selection_strategy must be %q or %q, got %q",
			StrategyEmbedding, StrategyRating, c.ReportSelectionStrategy)
	}
	return nil
}

// Validate checks the drift search bounds.
func (c DriftConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("drift.max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.ConvergenceThreshold <= 0 || c.ConvergenceThreshold > 1 {
		return fmt.Errorf("drift.convergence_threshold must be in (0, 1], got %g", c.ConvergenceThreshold)
	}
	if c.MemoryWindow < 1 {
		return fmt.Errorf("drift.memory_window must be at least 1, got %d", c.MemoryWindow)
	}
	return nil
}
