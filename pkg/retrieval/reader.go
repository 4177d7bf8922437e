// Package retrieval is the read-only view of the knowledge graph used by search
// strategies: entity lookup, communities and their reports by level, weighted
// neighborhood expansion and vector-backed seed selection.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
	"github.com/dan-solli/graphrag/pkg/vectorsync"
)

// ErrNoSeeds is returned when expansion is attempted without seed entities.
var ErrNoSeeds = errors.New("neighborhood expansion requires at least one seed entity")

// ErrNoVectors is returned by vector-backed reads on a Reader without an embedder.
var ErrNoVectors = errors.New("retrieval reader has no embedder or vector store")

// GraphReader is the read side of the graph store.
type GraphReader interface {
	GetEntity(ctx context.Context, id string) (*store.Entity, error)
	GetEntityByName(ctx context.Context, canonicalName string) (*store.Entity, error)
	GetEntities(ctx context.Context, ids []string) ([]*store.Entity, error)
	GetEdges(ctx context.Context, entityID string) ([]*store.Relationship, error)
	ListCommunities(ctx context.Context, level int) ([]*store.Community, error)
	GetCommunity(ctx context.Context, id string) (*store.Community, error)
	ListReports(ctx context.Context, level int) ([]*store.CommunityReport, error)
	GetReportByCommunity(ctx context.Context, communityID string) (*store.CommunityReport, error)
}

// Reader answers retrieval queries. It never writes.
type Reader struct {
	graph    GraphReader
	embedder embeddings.Provider
	vectors  vectorstore.Store
}

// NewReader creates a Reader over graph.
func NewReader(graph GraphReader) *Reader {
	return &Reader{graph: graph}
}

// WithVectors enables the vector-backed reads.
func (r *Reader) WithVectors(embedder embeddings.Provider, vectors vectorstore.Store) *Reader {
	r.embedder = embedder
	r.vectors = vectors
	return r
}

// GetEntityByName looks an entity up by canonical name, ignoring case.
// It returns (nil, nil) when there is none.
func (r *Reader) GetEntityByName(ctx context.Context, name string) (*store.Entity, error) {
	return r.graph.GetEntityByName(ctx, name)
}

// Communities returns the communities of one level with their members.
func (r *Reader) Communities(ctx context.Context, level int) ([]*store.Community, error) {
	return r.graph.ListCommunities(ctx, level)
}

// Community returns one community, or (nil, nil).
func (r *Reader) Community(ctx context.Context, id string) (*store.Community, error) {
	return r.graph.GetCommunity(ctx, id)
}

// Reports returns the reports of the communities on one level.
func (r *Reader) Reports(ctx context.Context, level int) ([]*store.CommunityReport, error) {
	return r.graph.ListReports(ctx, level)
}

// Report returns the report of one community, or (nil, nil).
func (r *Reader) Report(ctx context.Context, communityID string) (*store.CommunityReport, error) {
	return r.graph.GetReportByCommunity(ctx, communityID)
}

// EntityHit is an entity found by vector similarity.
type EntityHit struct {
	Entity *store.Entity
	Score  float64
}

// SearchEntities embeds query and returns up to topK entities by similarity.
// Vectors whose entity no longer exists are skipped.
func (r *Reader) SearchEntities(ctx context.Context, query string, topK int) ([]EntityHit, error) {
	hits, err := r.search(ctx, query, topK, vectorsync.KindEntity)
	if err != nil {
		return nil, err
	}
	out := make([]EntityHit, 0, len(hits))
	for _, h := range hits {
		e, err := r.graph.GetEntity(ctx, h.Payload[vectorstore.PayloadNodeID])
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		out = append(out, EntityHit{Entity: e, Score: h.Score})
	}
	return out, nil
}

// ReportHit is a report chosen for global search.
type ReportHit struct {
	Report *store.CommunityReport
	Score  float64
}

// SelectReports picks up to cfg.MaxReports reports from cfg.CommunityLevel, by
// similarity to query or by rating.
func (r *Reader) SelectReports(ctx context.Context, query string, cfg GlobalConfig) ([]ReportHit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reports, err := r.graph.ListReports(ctx, cfg.CommunityLevel)
	if err != nil {
		return nil, err
	}

	var out []ReportHit
	switch cfg.ReportSelectionStrategy {
	case StrategyRating:
		for _, rep := range reports {
			out = append(out, ReportHit{Report: rep, Score: rep.Rating})
		}
	case StrategyEmbedding:
		byID := make(map[string]*store.CommunityReport, len(reports))
		for _, rep := range reports {
			byID[rep.ID] = rep
		}
		// Entity vectors share the index, so ask for enough to fill the level.
		hits, err := r.search(ctx, query, len(reports)*4+cfg.MaxReports, vectorsync.KindReport)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if rep, ok := byID[h.Payload[vectorstore.PayloadNodeID]]; ok {
				out = append(out, ReportHit{Report: rep, Score: h.Score})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > cfg.MaxReports {
		out = out[:cfg.MaxReports]
	}
	return out, nil
}

// search returns the vector hits of one kind.
func (r *Reader) search(ctx context.Context, query string, topK int, kind string) ([]vectorstore.SearchResult, error) {
	if r.embedder == nil || r.vectors == nil {
		return nil, ErrNoVectors
	}
	if topK <= 0 {
		topK = 10
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := r.vectors.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Payload[vectorstore.PayloadKind] == kind {
			out = append(out, h)
		}
	}
	return out, nil
}
