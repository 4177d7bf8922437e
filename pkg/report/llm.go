package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/dan-solli/graphrag/pkg/llm"
)

// PromptVersion identifies summaryPrompt and is stored on every report it produces.
const PromptVersion = "report-v1"

// defaultMaxEntities caps how many members are listed in one prompt.
const defaultMaxEntities = 40

const summaryPrompt = `You are writing a report about one community of a software project's knowledge graph.
The community groups entities that are closely related to each other.

Entities:
%s
Relationships:
%s
Write a report with:
- title: a short name for what ties these entities together
- summary: two or three sentences
- key_findings: up to five short statements, most important first
- rating: 0 to 10, how important this community is for understanding the project
- rating_explanation: one sentence justifying the rating

Return ONLY a JSON object:
{"title": "...", "summary": "...", "key_findings": ["..."], "rating": 0, "rating_explanation": "..."}`

// LLMSummarizer implements Summarizer with a chat model.
type LLMSummarizer struct {
	LLM         llm.LLMClient
	MaxEntities int
}

var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates a summarizer that lists at most defaultMaxEntities members.
func NewLLMSummarizer(client llm.LLMClient) *LLMSummarizer {
	return &LLMSummarizer{LLM: client, MaxEntities: defaultMaxEntities}
}

// Summarize prompts the model with the community's members and internal edges.
func (s *LLMSummarizer) Summarize(ctx context.Context, in Input) (*Summary, error) {
	if len(in.Entities) == 0 {
		return nil, fmt.Errorf("community %s has no entities", in.Community.ID)
	}

	var out Summary
	if err := s.LLM.CompleteWithSchema(ctx, s.prompt(in), &out); err != nil {
		return nil, fmt.Errorf("failed to summarize community %s: %w", in.Community.ID, err)
	}
	if strings.TrimSpace(out.Title) == "" && strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("empty summary for community %s", in.Community.ID)
	}
	return &out, nil
}

func (s *LLMSummarizer) prompt(in Input) string {
	limit := s.MaxEntities
	if limit <= 0 || limit > len(in.Entities) {
		limit = len(in.Entities)
	}

	names := make(map[string]string, len(in.Entities))
	var entities strings.Builder
	for i, e := range in.Entities {
		names[e.ID] = e.CanonicalName
		if i >= limit {
			continue
		}
		fmt.Fprintf(&entities, "- %s (%s)", e.CanonicalName, e.EntityType)
		if e.Description != "" {
			fmt.Fprintf(&entities, ": %s", e.Description)
		}
		entities.WriteString("\n")
	}
	if limit < len(in.Entities) {
		fmt.Fprintf(&entities, "- ... and %d more\n", len(in.Entities)-limit)
	}

	var rels strings.Builder
	for _, r := range in.Relationships {
		fmt.Fprintf(&rels, "- %s %s %s (strength %.0f)\n",
			names[r.SourceEntityID], r.RelationshipType, names[r.TargetEntityID], r.Strength)
	}
	if rels.Len() == 0 {
		rels.WriteString("- none\n")
	}
	return fmt.Sprintf(summaryPrompt, entities.String(), rels.String())
}
