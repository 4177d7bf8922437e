// Package resolver merges validated extraction output for one memory into the graph,
// deduplicating entities by canonical name and relationships by (source, target, type).
package resolver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dan-solli/graphrag/pkg/extraction"
	"github.com/dan-solli/graphrag/pkg/store"
)

// nudgeRate is how far an existing strength moves toward new evidence.
const nudgeRate = 0.5

// strengthEpsilon is the smallest strength change treated as a topology change.
const strengthEpsilon = 1e-9

// Resolution is what resolving one memory did to the graph.
type Resolution struct {
	// EntityIDs and RelationshipIDs are every node this memory now references, sorted.
	EntityIDs       []string
	RelationshipIDs []string

	EntitiesCreated      []string
	EntitiesMerged       []string
	RelationshipsCreated []string
	RelationshipsUpdated []string

	// Reembed lists entities whose vector is missing or stale. Their embedding id
	// is cleared in the same transaction.
	Reembed []string

	// TopologyChanged reports a new node, a new edge or a changed edge weight.
	TopologyChanged bool
}

// Resolver merges extraction results into a graph.
type Resolver struct {
	ExtractionVersion string
	now               func() time.Time
}

// New creates a resolver stamping entities with extractionVersion.
func New(extractionVersion string) *Resolver {
	return &Resolver{
		ExtractionVersion: extractionVersion,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Resolve applies result for memoryID against g, which is normally a transaction.
// The result must already have passed extraction.Validate.
//
// mentionCount grows only when memoryID did not reference the entity before, so
// rebuilding a memory does not inflate counts.
func (r *Resolver) Resolve(ctx context.Context, g store.Graph, memoryID string, result extraction.Result) (*Resolution, error) {
	previous, err := g.FindEntitiesByMemory(ctx, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous attribution: %w", err)
	}
	referenced := make(map[string]bool, len(previous))
	for _, id := range previous {
		referenced[id] = true
	}

	res := &Resolution{}
	now := r.now()
	idsByName := make(map[string]string, len(result.Entities))

	for _, mention := range result.Entities {
		id, err := r.resolveEntity(ctx, g, mention, referenced, now, res)
		if err != nil {
			return nil, err
		}
		idsByName[store.NameKey(mention.CanonicalName)] = id
	}

	for _, mention := range result.Relationships {
		src, okSrc := idsByName[store.NameKey(mention.SourceEntity)]
		dst, okDst := idsByName[store.NameKey(mention.TargetEntity)]
		if !okSrc || !okDst {
			return nil, fmt.Errorf("relationship %s -> %s: %w", mention.SourceEntity, mention.TargetEntity, store.ErrDanglingReference)
		}
		if err := r.resolveRelationship(ctx, g, src, dst, mention, now, res); err != nil {
			return nil, err
		}
	}

	res.EntityIDs = uniqueSorted(res.EntityIDs)
	res.RelationshipIDs = uniqueSorted(res.RelationshipIDs)
	res.Reembed = uniqueSorted(res.Reembed)
	return res, nil
}

func (r *Resolver) resolveEntity(ctx context.Context, g store.Graph, m extraction.ExtractedEntity,
	referenced map[string]bool, now time.Time, res *Resolution) (string, error) {

	existing, err := g.GetEntityByName(ctx, m.CanonicalName)
	if err != nil {
		return "", fmt.Errorf("failed to look up entity %q: %w", m.CanonicalName, err)
	}

	if existing == nil {
		e := &store.Entity{
			CanonicalName:        m.CanonicalName,
			EntityType:           m.EntityType,
			Description:          m.Description,
			MentionCount:         1,
			ExtractionConfidence: m.Confidence,
			ExtractionVersion:    r.ExtractionVersion,
			FirstSeenAt:          now,
			LastSeenAt:           now,
			Metadata:             map[string]interface{}{},
		}
		if m.MentionText != "" {
			e.Metadata["mention_text"] = m.MentionText
		}
		if err := g.CreateEntity(ctx, e); err != nil {
			return "", fmt.Errorf("failed to create entity %q: %w", m.CanonicalName, err)
		}
		res.EntityIDs = append(res.EntityIDs, e.ID)
		res.EntitiesCreated = append(res.EntitiesCreated, e.ID)
		res.Reembed = append(res.Reembed, e.ID)
		res.TopologyChanged = true
		return e.ID, nil
	}

	if !referenced[existing.ID] {
		existing.MentionCount++
	}
	if now.After(existing.LastSeenAt) {
		existing.LastSeenAt = now
	}
	changed := false
	if m.Confidence > existing.ExtractionConfidence {
		if m.Description != "" && m.Description != existing.Description {
			existing.Description = m.Description
		}
		existing.ExtractionConfidence = m.Confidence
		existing.ExtractionVersion = r.ExtractionVersion
		changed = true
	}
	if existing.EntityType == store.EntityTypeOther && m.EntityType != store.EntityTypeOther {
		existing.EntityType = m.EntityType
		changed = true
	}
	// The stored vector no longer matches; the entity counts as unindexed until
	// the new one is recorded.
	if changed {
		existing.EmbeddingID = nil
	}

	if err := g.UpdateEntity(ctx, existing); err != nil {
		return "", fmt.Errorf("failed to merge entity %q: %w", m.CanonicalName, err)
	}
	res.EntityIDs = append(res.EntityIDs, existing.ID)
	res.EntitiesMerged = append(res.EntitiesMerged, existing.ID)
	if existing.EmbeddingID == nil {
		res.Reembed = append(res.Reembed, existing.ID)
	}
	return existing.ID, nil
}

func (r *Resolver) resolveRelationship(ctx context.Context, g store.Graph, src, dst string,
	m extraction.ExtractedRelationship, now time.Time, res *Resolution) error {

	existing, err := g.FindRelationship(ctx, src, dst, m.RelationshipType)
	if err != nil {
		return fmt.Errorf("failed to look up relationship: %w", err)
	}

	if existing == nil {
		rel := &store.Relationship{
			SourceEntityID:   src,
			TargetEntityID:   dst,
			RelationshipType: m.RelationshipType,
			Description:      m.Description,
			Strength:         m.Strength,
			CreatedAt:        now,
		}
		if err := g.CreateRelationship(ctx, rel); err != nil {
			return fmt.Errorf("failed to create relationship: %w", err)
		}
		res.RelationshipIDs = append(res.RelationshipIDs, rel.ID)
		res.RelationshipsCreated = append(res.RelationshipsCreated, rel.ID)
		res.TopologyChanged = true
		return nil
	}

	res.RelationshipIDs = append(res.RelationshipIDs, existing.ID)

	next := Nudge(existing.Strength, m.Strength)
	changed := math.Abs(next-existing.Strength) > strengthEpsilon
	if existing.Description == "" && m.Description != "" {
		existing.Description = m.Description
		changed = true
	}
	if !changed {
		return nil
	}
	if math.Abs(next-existing.Strength) > strengthEpsilon {
		res.TopologyChanged = true
	}
	existing.Strength = next
	if err := g.UpdateRelationship(ctx, existing); err != nil {
		return fmt.Errorf("failed to update relationship: %w", err)
	}
	res.RelationshipsUpdated = append(res.RelationshipsUpdated, existing.ID)
	return nil
}

// Nudge moves strength current halfway toward evidence, clamped to [1,10].
func Nudge(current, evidence float64) float64 {
	return store.ClampStrength(current + nudgeRate*(evidence-current))
}

func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
