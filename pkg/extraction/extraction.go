// Package extraction turns memory text into validated entity and relationship mentions.
package extraction

import "context"

// ExtractedEntity is one entity mention found in a memory.
type ExtractedEntity struct {
	CanonicalName string  `json:"canonical_name"`
	EntityType    string  `json:"entity_type"`
	Description   string  `json:"description"`
	Confidence    float64 `json:"confidence"`
	MentionText   string  `json:"mention_text"`
}

// ExtractedRelationship is one directed relationship mention between two entities,
// referenced by canonical name.
type ExtractedRelationship struct {
	SourceEntity     string  `json:"source_entity"`
	TargetEntity     string  `json:"target_entity"`
	RelationshipType string  `json:"relationship_type"`
	Description      string  `json:"description"`
	Strength         float64 `json:"strength"`
	Confidence       float64 `json:"confidence"`
}

// Result is the extraction output for one piece of text.
type Result struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Provider extracts entities and relationships from text.
type Provider interface {
	Extract(ctx context.Context, text string) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, text string) (Result, error)

// Extract calls f.
func (f ProviderFunc) Extract(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}
