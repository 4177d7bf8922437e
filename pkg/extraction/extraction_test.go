package extraction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/graphrag/pkg/chunker"
	"github.com/dan-solli/graphrag/pkg/llm"
)

// fakeLLMClient answers every prompt with response and records the prompts.
type fakeLLMClient struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeLLMClient) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	resp, err := f.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	return llm.DecodeJSON(resp, schema, nil)
}

func TestValidate_NormalizesAndDedupes(t *testing.T) {
	raw := Result{
		Entities: []ExtractedEntity{
			{CanonicalName: "  React ", EntityType: "Framework", Description: "UI library", Confidence: 0.6},
			{CanonicalName: "react", EntityType: "technology", Description: "Component framework", Confidence: 0.9},
			{CanonicalName: "Redis", EntityType: "database", Confidence: 1.7},
		},
		Relationships: []ExtractedRelationship{
			{SourceEntity: "REACT", TargetEntity: "redis", RelationshipType: "Integrates With", Strength: 4},
			{SourceEntity: "React", TargetEntity: "Redis", RelationshipType: "integrates_with", Strength: 12},
		},
	}

	got, quarantined := Validate(raw)
	assert.Empty(t, quarantined)
	require.Len(t, got.Entities, 2)

	react := got.Entities[0]
	assert.Equal(t, "React", react.CanonicalName, "first spelling wins")
	assert.Equal(t, "technology", react.EntityType)
	assert.Equal(t, "Component framework", react.Description, "higher confidence description wins")
	assert.Equal(t, 0.9, react.Confidence)

	redis := got.Entities[1]
	assert.Equal(t, 1.0, redis.Confidence)
	assert.Equal(t, "Redis", redis.MentionText)

	require.Len(t, got.Relationships, 1)
	rel := got.Relationships[0]
	assert.Equal(t, "React", rel.SourceEntity)
	assert.Equal(t, "Redis", rel.TargetEntity)
	assert.Equal(t, "integrates_with", rel.RelationshipType)
	assert.Equal(t, 10.0, rel.Strength)
	assert.Equal(t, 0.0, rel.Confidence, "an explicit zero confidence is kept")
}

func TestValidate_ClampsConfidence(t *testing.T) {
	got, quarantined := Validate(Result{Entities: []ExtractedEntity{
		{CanonicalName: "A", Confidence: -0.3},
		{CanonicalName: "B", Confidence: 0},
		{CanonicalName: "C", Confidence: 0.42},
		{CanonicalName: "D", Confidence: 3},
	}})
	assert.Empty(t, quarantined)
	require.Len(t, got.Entities, 4)
	assert.Equal(t, 0.0, got.Entities[0].Confidence)
	assert.Equal(t, 0.0, got.Entities[1].Confidence)
	assert.Equal(t, 0.42, got.Entities[2].Confidence)
	assert.Equal(t, 1.0, got.Entities[3].Confidence)
}

func TestValidate_UnicodeNames(t *testing.T) {
	raw := Result{
		Entities: []ExtractedEntity{
			{CanonicalName: "Ürün", Confidence: 0.4},
			{CanonicalName: "ÜRÜN", Description: "catalog item", Confidence: 0.7},
			{CanonicalName: strings.Repeat("ü", 250)},
		},
	}
	got, quarantined := Validate(raw)
	require.Len(t, got.Entities, 1)
	assert.Equal(t, "Ürün", got.Entities[0].CanonicalName)
	assert.Equal(t, "catalog item", got.Entities[0].Description)

	require.Len(t, quarantined, 1)
	assert.Equal(t, strings.Repeat("ü", 40), quarantined[0].Name)
	assert.True(t, utf8.ValidString(quarantined[0].Name))
}

func TestValidate_Quarantine(t *testing.T) {
	raw := Result{
		Entities: []ExtractedEntity{
			{CanonicalName: "", EntityType: "concept"},
			{CanonicalName: "Go", EntityType: "language"},
			{CanonicalName: strings.Repeat("x", 300)},
		},
		Relationships: []ExtractedRelationship{
			{SourceEntity: "Go", TargetEntity: "Rust", RelationshipType: "competes_with"},
			{SourceEntity: "Go", TargetEntity: "go", RelationshipType: "is"},
			{SourceEntity: "Go", TargetEntity: "", RelationshipType: "uses"},
		},
	}

	got, quarantined := Validate(raw)
	require.Len(t, got.Entities, 1)
	assert.Empty(t, got.Relationships)
	require.Len(t, quarantined, 5)

	reasons := make([]string, len(quarantined))
	for i, q := range quarantined {
		reasons[i] = q.Reason
	}
	assert.Contains(t, reasons, "empty canonical name")
	assert.Contains(t, reasons, "canonical name too long")
	assert.Contains(t, reasons, `unknown target entity "Rust"`)
	assert.Contains(t, reasons, "self-referential relationship")
	assert.Contains(t, reasons, "missing endpoint")
}

func TestValidate_DefaultsStrength(t *testing.T) {
	raw := Result{
		Entities: []ExtractedEntity{{CanonicalName: "A"}, {CanonicalName: "B"}},
		Relationships: []ExtractedRelationship{
			{SourceEntity: "A", TargetEntity: "B", RelationshipType: "uses"},
			{SourceEntity: "B", TargetEntity: "A", RelationshipType: "uses", Strength: -3},
		},
	}
	got, _ := Validate(raw)
	require.Len(t, got.Relationships, 2)
	assert.Equal(t, DefaultStrength, got.Relationships[0].Strength)
	assert.Equal(t, 1.0, got.Relationships[1].Strength)
	assert.Equal(t, "other", got.Entities[0].EntityType)
}

func TestValidate_EmptyInput(t *testing.T) {
	got, quarantined := Validate(Result{})
	assert.NotNil(t, got.Entities)
	assert.NotNil(t, got.Relationships)
	assert.Empty(t, quarantined)
}

func TestNormalizeRelationshipType(t *testing.T) {
	assert.Equal(t, "integrates_with", NormalizeRelationshipType("Integrates With"))
	assert.Equal(t, "depends_on", NormalizeRelationshipType("DEPENDS-ON"))
	assert.Equal(t, "uses", NormalizeRelationshipType("  uses "))
	assert.Equal(t, "", NormalizeRelationshipType("   "))
}

func TestMerge(t *testing.T) {
	a := Result{Entities: []ExtractedEntity{{CanonicalName: "Kafka", Confidence: 0.4}}}
	b := Result{
		Entities:      []ExtractedEntity{{CanonicalName: "kafka", Confidence: 0.8, Description: "broker"}, {CanonicalName: "Billing"}},
		Relationships: []ExtractedRelationship{{SourceEntity: "Billing", TargetEntity: "Kafka", RelationshipType: "publishes_to", Strength: 7}},
	}
	got, quarantined := Merge(a, b)
	assert.Empty(t, quarantined)
	assert.Equal(t, []string{"Billing", "Kafka"}, SortedNames(got))
	require.Len(t, got.Relationships, 1)
}

func TestLLMExtractor_Extract(t *testing.T) {
	fake := &fakeLLMClient{response: "```json\n" + `{
		"entities": [
			{"canonical_name": "React", "entity_type": "technology", "description": "UI library", "confidence": 0.9, "mention_text": "React"},
			{"canonical_name": "Redis", "entity_type": "technology", "description": ["cache", "store"], "confidence": 0.8}
		],
		"relationships": [
			{"source_entity": "React", "target_entity": "Redis", "relationship_type": "integrates_with", "strength": 6, "confidence": 0.7}
		]
	}` + "\n```"}

	x := NewLLMExtractor(fake)
	res, err := x.Extract(context.Background(), "React integrates with Redis.")
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	assert.Equal(t, "cache, store", res.Entities[1].Description)
	assert.Equal(t, 0.9, res.Entities[0].Confidence)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, 6.0, res.Relationships[0].Strength)
	assert.Equal(t, 0.7, res.Relationships[0].Confidence)

	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "React integrates with Redis.")
}

func TestLLMExtractor_ChunksLongText(t *testing.T) {
	fake := &fakeLLMClient{response: `{"entities": [{"canonical_name": "Go"}], "relationships": []}`}
	x := &LLMExtractor{LLM: fake, Chunker: chunker.Chunker{MaxWords: 4, OverlapWords: -1}}

	res, err := x.Extract(context.Background(), "One two three. Four five six. Seven eight nine.")
	require.NoError(t, err)
	assert.Len(t, fake.prompts, 3)
	assert.Len(t, res.Entities, 3, "chunk results are concatenated, not deduplicated")

	validated, _ := Validate(res)
	assert.Len(t, validated.Entities, 1)
	assert.Equal(t, DefaultConfidence, validated.Entities[0].Confidence, "an omitted confidence gets the default")
}

func TestLLMExtractor_ExplicitZeroConfidence(t *testing.T) {
	fake := &fakeLLMClient{response: `{"entities": [{"canonical_name": "Go", "confidence": 0}], "relationships": []}`}
	res, err := NewLLMExtractor(fake).Extract(context.Background(), "Go")
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 0.0, res.Entities[0].Confidence)
}

func TestLLMExtractor_EmptyText(t *testing.T) {
	fake := &fakeLLMClient{}
	res, err := NewLLMExtractor(fake).Extract(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.Empty(t, fake.prompts)
}

func TestLLMExtractor_Error(t *testing.T) {
	fake := &fakeLLMClient{err: errors.New("llm down")}
	_, err := NewLLMExtractor(fake).Extract(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm down")
}
