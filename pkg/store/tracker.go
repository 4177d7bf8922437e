package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GCResult lists what GarbageCollectCandidates removed.
type GCResult struct {
	Entities      []*Entity // deleted entities, with their last known EmbeddingID
	Relationships []string  // deleted relationship ids (including cascaded ones)
}

// FindEntitiesByMemory returns the ids of entities attributed to a memory.
func (g *graph) FindEntitiesByMemory(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := g.q.QueryContext(ctx,
		"SELECT entity_id FROM memory_entities WHERE memory_id = ? ORDER BY entity_id", memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity attribution: %w", err)
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("error iterating entity attribution: %w", err)
	}
	return ids, nil
}

// FindRelationshipsByMemory returns the ids of relationships attributed to a memory.
func (g *graph) FindRelationshipsByMemory(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := g.q.QueryContext(ctx,
		"SELECT relationship_id FROM memory_relationships WHERE memory_id = ? ORDER BY relationship_id", memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship attribution: %w", err)
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("error iterating relationship attribution: %w", err)
	}
	return ids, nil
}

// ReplaceAttribution swaps the memory's attribution sets for the given ones.
// Run it inside WithTx so the swap is atomic with the merge that produced it.
func (g *graph) ReplaceAttribution(ctx context.Context, memoryID string, entityIDs, relationshipIDs []string) error {
	if _, err := g.q.ExecContext(ctx, "DELETE FROM memory_entities WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("failed to unlink entity attribution: %w", err)
	}
	if _, err := g.q.ExecContext(ctx, "DELETE FROM memory_relationships WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("failed to unlink relationship attribution: %w", err)
	}

	for _, id := range entityIDs {
		if _, err := g.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO memory_entities (memory_id, entity_id) VALUES (?, ?)", memoryID, id); err != nil {
			return fmt.Errorf("failed to link entity attribution: %w", err)
		}
	}
	for _, id := range relationshipIDs {
		if _, err := g.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO memory_relationships (memory_id, relationship_id) VALUES (?, ?)", memoryID, id); err != nil {
			return fmt.Errorf("failed to link relationship attribution: %w", err)
		}
	}
	return nil
}

// CountEntityReferences returns the number of memories attributing an entity.
func (g *graph) CountEntityReferences(ctx context.Context, entityID string) (int, error) {
	var count int
	err := g.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_entities WHERE entity_id = ?", entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entity references: %w", err)
	}
	return count, nil
}

// CountRelationshipReferences returns the number of memories attributing a relationship.
func (g *graph) CountRelationshipReferences(ctx context.Context, relationshipID string) (int, error) {
	var count int
	err := g.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_relationships WHERE relationship_id = ?", relationshipID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count relationship references: %w", err)
	}
	return count, nil
}

// GarbageCollectCandidates deletes the candidate relationships and entities that no
// memory references any more. Candidates that are still referenced are left alone.
// Relationships go first so that cascades from entity deletion are reported once.
func (g *graph) GarbageCollectCandidates(ctx context.Context, entityIDs, relationshipIDs []string) (*GCResult, error) {
	result := &GCResult{}
	deletedRel := make(map[string]bool)

	for _, id := range relationshipIDs {
		count, err := g.CountRelationshipReferences(ctx, id)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		if err := g.DeleteRelationship(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to delete orphaned relationship: %w", err)
		}
		deletedRel[id] = true
		result.Relationships = append(result.Relationships, id)
	}

	for _, id := range entityIDs {
		count, err := g.CountEntityReferences(ctx, id)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		e, err := g.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		edges, err := g.GetEdges(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := g.DeleteEntity(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to delete orphaned entity: %w", err)
		}
		for _, edge := range edges {
			if !deletedRel[edge.ID] {
				deletedRel[edge.ID] = true
				result.Relationships = append(result.Relationships, edge.ID)
			}
		}
		result.Entities = append(result.Entities, e)
	}

	return result, nil
}

// GetFingerprint returns the recorded fingerprint of a memory, or (nil, nil) when the
// memory has never been processed.
func (g *graph) GetFingerprint(ctx context.Context, memoryID string) (*ProcessedMemory, error) {
	var (
		pm      ProcessedMemory
		version sql.NullString
	)
	err := g.q.QueryRowContext(ctx,
		"SELECT memory_id, fingerprint, extraction_version, processed_at FROM processed_memories WHERE memory_id = ?",
		memoryID).Scan(&pm.MemoryID, &pm.Fingerprint, &version, &pm.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory fingerprint: %w", err)
	}
	pm.ExtractionVersion = version.String
	return &pm, nil
}

// MarkProcessed records that a memory was built with the given fingerprint.
func (g *graph) MarkProcessed(ctx context.Context, pm ProcessedMemory) error {
	if pm.ProcessedAt.IsZero() {
		pm.ProcessedAt = time.Now().UTC()
	}
	_, err := g.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO processed_memories (memory_id, fingerprint, extraction_version, processed_at)
		VALUES (?, ?, ?, ?)`,
		pm.MemoryID, pm.Fingerprint, pm.ExtractionVersion, pm.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to mark memory as processed: %w", err)
	}
	return nil
}

// ForgetMemory drops the fingerprint of a memory so the next build reprocesses it.
// Attribution rows are not touched.
func (g *graph) ForgetMemory(ctx context.Context, memoryID string) error {
	if _, err := g.q.ExecContext(ctx, "DELETE FROM processed_memories WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("failed to forget memory: %w", err)
	}
	return nil
}

// TrackedMemoryIDs returns every memory id that has a fingerprint or attribution rows.
func (g *graph) TrackedMemoryIDs(ctx context.Context) ([]string, error) {
	rows, err := g.q.QueryContext(ctx, `
		SELECT memory_id FROM processed_memories
		UNION SELECT memory_id FROM memory_entities
		UNION SELECT memory_id FROM memory_relationships
		ORDER BY memory_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked memories: %w", err)
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, fmt.Errorf("error iterating tracked memories: %w", err)
	}
	return ids, nil
}
