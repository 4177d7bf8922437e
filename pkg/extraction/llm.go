package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/dan-solli/graphrag/pkg/chunker"
	"github.com/dan-solli/graphrag/pkg/llm"
)

// PromptVersion identifies extractionPrompt. Changing the prompt must change the
// version so fingerprints force re-extraction.
const PromptVersion = "extract-v1"

const extractionPrompt = `You are a knowledge graph construction assistant for a software project.

Extract the entities and relationships mentioned in the text below.

For each entity provide:
- canonical_name: the most common full name ("PostgreSQL", not "postgres db")
- entity_type: one of [person, organization, technology, concept, location, event, product, other]
- description: one sentence describing the entity as used in this text
- confidence: 0.0 to 1.0
- mention_text: the exact words used in the text

For each relationship provide:
- source_entity and target_entity: canonical names from your entity list
- relationship_type: a short verb phrase in snake_case (uses, depends_on, integrates_with, replaces)
- description: one sentence
- strength: 1 (weak, incidental) to 10 (central, explicit)
- confidence: 0.0 to 1.0

Text:
---
%s
---

Return ONLY a JSON object:
{"entities": [...], "relationships": [...]}`

// LLMExtractor implements Provider with a chat model. Long texts are split with
// the chunker and every chunk is extracted separately; the chunk results are
// concatenated without validation.
type LLMExtractor struct {
	LLM     llm.LLMClient
	Chunker chunker.Chunker
}

var _ Provider = (*LLMExtractor)(nil)

// NewLLMExtractor creates an extractor with default chunking.
func NewLLMExtractor(client llm.LLMClient) *LLMExtractor {
	return &LLMExtractor{LLM: client}
}

// Extract runs the extraction prompt over every chunk of text.
func (x *LLMExtractor) Extract(ctx context.Context, text string) (Result, error) {
	result := Result{Entities: []ExtractedEntity{}, Relationships: []ExtractedRelationship{}}
	if strings.TrimSpace(text) == "" {
		return result, nil
	}

	for _, ch := range x.Chunker.Chunk(text) {
		var part llmResult
		if err := x.LLM.CompleteWithSchema(ctx, fmt.Sprintf(extractionPrompt, ch.Text), &part); err != nil {
			return Result{}, fmt.Errorf("failed to extract chunk %d: %w", ch.Index, err)
		}
		for _, e := range part.Entities {
			result.Entities = append(result.Entities, ExtractedEntity{
				CanonicalName: e.CanonicalName,
				EntityType:    e.EntityType,
				Description:   e.Description,
				Confidence:    confidenceOrDefault(e.Confidence),
				MentionText:   e.MentionText,
			})
		}
		for _, r := range part.Relationships {
			result.Relationships = append(result.Relationships, ExtractedRelationship{
				SourceEntity:     r.SourceEntity,
				TargetEntity:     r.TargetEntity,
				RelationshipType: r.RelationshipType,
				Description:      r.Description,
				Strength:         r.Strength,
				Confidence:       confidenceOrDefault(r.Confidence),
			})
		}
	}
	return result, nil
}

// llmResult is the model's JSON answer. Confidence is a pointer so that an
// omitted value can be told apart from an explicit 0.
type llmResult struct {
	Entities []struct {
		CanonicalName string   `json:"canonical_name"`
		EntityType    string   `json:"entity_type"`
		Description   string   `json:"description"`
		Confidence    *float64 `json:"confidence"`
		MentionText   string   `json:"mention_text"`
	} `json:"entities"`
	Relationships []struct {
		SourceEntity     string   `json:"source_entity"`
		TargetEntity     string   `json:"target_entity"`
		RelationshipType string   `json:"relationship_type"`
		Description      string   `json:"description"`
		Strength         float64  `json:"strength"`
		Confidence       *float64 `json:"confidence"`
	} `json:"relationships"`
}

func confidenceOrDefault(c *float64) float64 {
	if c == nil {
		return DefaultConfidence
	}
	return *c
}
