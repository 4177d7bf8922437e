// Package vectorsync keeps the vector index a one-to-one mirror of the live
// entities and community reports in the graph.
package vectorsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dan-solli/graphrag/pkg/embeddings"
	"github.com/dan-solli/graphrag/pkg/store"
	"github.com/dan-solli/graphrag/pkg/vectorstore"
)

// Kinds of node mirrored into the vector store.
const (
	KindEntity = store.NodeKindEntity
	KindReport = store.NodeKindReport
)

// EntityVectorID is the vector id used for an entity.
func EntityVectorID(entityID string) string { return VectorID(KindEntity, entityID) }

// ReportVectorID is the vector id used for a community report.
func ReportVectorID(reportID string) string { return VectorID(KindReport, reportID) }

// VectorID is the vector id of a node of the given kind.
func VectorID(kind, nodeID string) string { return kind + ":" + nodeID }

// Stats counts the vector operations performed by a Synchronizer.
type Stats struct {
	EntityVectorsIndexed int
	ReportVectorsIndexed int
	EntityVectorsDeleted int
	ReportVectorsDeleted int
	DeleteFailures       int
}

// Synchronizer embeds graph nodes and upserts or deletes their vectors.
// It never writes graph state; callers record the returned ids as embedding ids.
type Synchronizer struct {
	embedder embeddings.Provider
	vectors  vectorstore.Store
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Synchronizer. A nil logger falls back to slog.Default().
func New(embedder embeddings.Provider, vectors vectorstore.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{embedder: embedder, vectors: vectors, logger: logger}
}

// EntityText is the text embedded for an entity.
func EntityText(e *store.Entity) string {
	var b strings.Builder
	b.WriteString(e.CanonicalName)
	if e.EntityType != "" {
		fmt.Fprintf(&b, " (%s)", e.EntityType)
	}
	if d := strings.TrimSpace(e.Description); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	return b.String()
}

// ReportText is the text embedded for a community report.
func ReportText(r *store.CommunityReport) string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(r.Title); t != "" {
		parts = append(parts, t)
	}
	if s := strings.TrimSpace(r.Summary); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

// IndexEntity embeds the entity and upserts its vector. memoryID names the memory
// whose build triggered the indexing and may be empty.
func (s *Synchronizer) IndexEntity(ctx context.Context, e *store.Entity, memoryID string) (string, error) {
	text := EntityText(e)
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("failed to embed entity %s: %w", e.ID, err)
	}
	id, err := s.vectors.Upsert(ctx, EntityVectorID(e.ID), vec, payload(KindEntity, e.ID, memoryID, text))
	if err != nil {
		return "", fmt.Errorf("failed to upsert entity vector %s: %w", e.ID, err)
	}
	s.mu.Lock()
	s.stats.EntityVectorsIndexed++
	s.mu.Unlock()
	return id, nil
}

// IndexEntities indexes a batch of entities, using one embedding request when the
// provider supports batching. The returned map holds entity id to vector id for
// every entity indexed before the first failure.
func (s *Synchronizer) IndexEntities(ctx context.Context, entities []*store.Entity, memoryID string) (map[string]string, error) {
	out := make(map[string]string, len(entities))
	if len(entities) == 0 {
		return out, nil
	}

	batcher, ok := s.embedder.(embeddings.BatchProvider)
	if !ok {
		for _, e := range entities {
			id, err := s.IndexEntity(ctx, e, memoryID)
			if err != nil {
				return out, err
			}
			out[e.ID] = id
		}
		return out, nil
	}

	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = EntityText(e)
	}
	vecs, err := batcher.EmbedBatch(ctx, texts)
	if err != nil {
		return out, fmt.Errorf("failed to embed %d entities: %w", len(entities), err)
	}
	for i, e := range entities {
		id, err := s.vectors.Upsert(ctx, EntityVectorID(e.ID), vecs[i], payload(KindEntity, e.ID, memoryID, texts[i]))
		if err != nil {
			return out, fmt.Errorf("failed to upsert entity vector %s: %w", e.ID, err)
		}
		out[e.ID] = id
		s.mu.Lock()
		s.stats.EntityVectorsIndexed++
		s.mu.Unlock()
	}
	return out, nil
}

// IndexReport embeds the report and upserts its vector.
func (s *Synchronizer) IndexReport(ctx context.Context, r *store.CommunityReport) (string, error) {
	text := ReportText(r)
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("failed to embed report %s: %w", r.ID, err)
	}
	id, err := s.vectors.Upsert(ctx, ReportVectorID(r.ID), vec, payload(KindReport, r.ID, "", text))
	if err != nil {
		return "", fmt.Errorf("failed to upsert report vector %s: %w", r.ID, err)
	}
	s.mu.Lock()
	s.stats.ReportVectorsIndexed++
	s.mu.Unlock()
	return id, nil
}

// deleteOne deletes one vector and reports whether it is gone from the store.
func (s *Synchronizer) deleteOne(ctx context.Context, kind, id string) bool {
	ok, err := s.vectors.Delete(ctx, id)
	if err != nil {
		s.logger.Warn("failed to delete vector",
			"kind", kind,
			"embedding_id", id,
			"error", err)
		s.mu.Lock()
		s.stats.DeleteFailures++
		s.mu.Unlock()
		return false
	}
	if !ok {
		s.logger.Debug("vector already absent", "kind", kind, "embedding_id", id)
		return true
	}
	s.mu.Lock()
	switch kind {
	case KindEntity:
		s.stats.EntityVectorsDeleted++
	case KindReport:
		s.stats.ReportVectorsDeleted++
	}
	s.mu.Unlock()
	return true
}

// DeletePending removes the vectors of queued deletes and returns the entries the
// vector store confirmed, including vectors that were already absent. Entries
// that failed stay out of the result so the caller keeps them queued.
func (s *Synchronizer) DeletePending(ctx context.Context, pending []store.PendingVectorDelete) []store.PendingVectorDelete {
	done := make([]store.PendingVectorDelete, 0, len(pending))
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			break
		}
		if s.deleteOne(ctx, p.Kind, VectorID(p.Kind, p.NodeID)) {
			done = append(done, p)
		}
	}
	return done
}

// Stats returns a snapshot of the counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func payload(kind, nodeID, memoryID, text string) map[string]string {
	p := map[string]string{
		vectorstore.PayloadKind:   kind,
		vectorstore.PayloadNodeID: nodeID,
		vectorstore.PayloadText:   text,
	}
	if memoryID != "" {
		p[vectorstore.PayloadMemoryID] = memoryID
	}
	return p
}
