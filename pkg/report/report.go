// Package report generates narrative summaries for communities that lack one and
// persists them with their vectors.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dan-solli/graphrag/pkg/store"
)

const defaultConcurrency = 4

// Input is what a Summarizer sees of one community.
type Input struct {
	Community     *store.Community
	Entities      []*store.Entity       // sorted by canonical name
	Relationships []*store.Relationship // edges with both endpoints inside the community
}

// Summary is the text produced for one community.
type Summary struct {
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	FullContent       string   `json:"full_content"`
	KeyFindings       []string `json:"key_findings"`
	Rating            float64  `json:"rating"`
	RatingExplanation string   `json:"rating_explanation"`
}

// Summarizer writes a summary for one community.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (*Summary, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, in Input) (*Summary, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, in Input) (*Summary, error) {
	return f(ctx, in)
}

// Indexer upserts the vector of a persisted report and returns its id.
type Indexer interface {
	IndexReport(ctx context.Context, r *store.CommunityReport) (string, error)
}

// Store is the part of the graph store that report generation touches.
type Store interface {
	CommunitiesMissingReports(ctx context.Context) ([]*store.Community, error)
	GetEntities(ctx context.Context, ids []string) ([]*store.Entity, error)
	ListRelationships(ctx context.Context) ([]*store.Relationship, error)
	SaveReport(ctx context.Context, r *store.CommunityReport) error
	SetReportEmbeddingID(ctx context.Context, reportID string, embeddingID *string) error
	ReportsMissingEmbedding(ctx context.Context) ([]*store.CommunityReport, error)
}

// Generator fills in reports for communities that have none.
type Generator struct {
	Summarizer    Summarizer
	PromptVersion string
	Concurrency   int
	Logger        *slog.Logger
}

// Outcome counts what Generate did.
type Outcome struct {
	Generated      []*store.CommunityReport
	Failed         int
	VectorsIndexed int
	IndexFailed    int
}

// Generate summarizes every community that lacks a report. Summaries are produced
// concurrently and saved sequentially. A failing community is logged and counted;
// only context cancellation or a failure to read the graph aborts the pass.
// idx may be nil, in which case reports are saved without vectors.
func (g *Generator) Generate(ctx context.Context, st Store, idx Indexer) (*Outcome, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := &Outcome{Generated: []*store.CommunityReport{}}

	missing, err := st.CommunitiesMissingReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities without reports: %w", err)
	}
	if len(missing) == 0 {
		return out, nil
	}

	inputs, err := loadInputs(ctx, st, missing)
	if err != nil {
		return nil, err
	}

	summaries := make([]*Summary, len(inputs))
	failures := make([]error, len(inputs))
	limit := g.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i := range inputs {
		eg.Go(func() error {
			s, err := g.Summarizer.Summarize(egCtx, inputs[i])
			if err == nil && s == nil {
				err = fmt.Errorf("summarizer returned no summary")
			}
			summaries[i], failures[i] = s, err
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, in := range inputs {
		c := in.Community
		if failures[i] != nil {
			logger.Warn("community summary failed",
				"community_id", c.ID,
				"level", c.Level,
				"error", failures[i])
			out.Failed++
			continue
		}

		r := g.toReport(c.ID, summaries[i])
		if err := st.SaveReport(ctx, r); err != nil {
			logger.Warn("failed to save community report",
				"community_id", c.ID,
				"error", err)
			out.Failed++
			continue
		}
		out.Generated = append(out.Generated, r)

		if idx != nil {
			index(ctx, st, idx, r, out, logger)
		}
	}

	logger.Debug("community reports generated",
		"generated", len(out.Generated),
		"failed", out.Failed)
	return out, nil
}

// IndexMissing upserts vectors for saved reports whose earlier indexing failed.
// Failures are counted in IndexFailed and the reports stay unindexed.
func (g *Generator) IndexMissing(ctx context.Context, st Store, idx Indexer) (*Outcome, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := &Outcome{Generated: []*store.CommunityReport{}}
	if idx == nil {
		return out, nil
	}
	reports, err := st.ReportsMissingEmbedding(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unindexed reports: %w", err)
	}
	for _, r := range reports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		index(ctx, st, idx, r, out, logger)
	}
	if len(reports) > 0 {
		logger.Debug("unindexed community reports retried",
			"indexed", out.VectorsIndexed,
			"failed", out.IndexFailed)
	}
	return out, nil
}

func index(ctx context.Context, st Store, idx Indexer, r *store.CommunityReport, out *Outcome, logger *slog.Logger) {
	vecID, err := idx.IndexReport(ctx, r)
	if err == nil {
		err = st.SetReportEmbeddingID(ctx, r.ID, &vecID)
	}
	if err != nil {
		logger.Warn("failed to index community report",
			"community_id", r.CommunityID,
			"report_id", r.ID,
			"error", err)
		out.IndexFailed++
		return
	}
	r.EmbeddingID = &vecID
	out.VectorsIndexed++
}

func (g *Generator) toReport(communityID string, s *Summary) *store.CommunityReport {
	findings := make([]string, 0, len(s.KeyFindings))
	for _, f := range s.KeyFindings {
		if f = strings.TrimSpace(f); f != "" {
			findings = append(findings, f)
		}
	}
	r := &store.CommunityReport{
		CommunityID:       communityID,
		Title:             strings.TrimSpace(s.Title),
		Summary:           strings.TrimSpace(s.Summary),
		FullContent:       strings.TrimSpace(s.FullContent),
		KeyFindings:       findings,
		Rating:            clampRating(s.Rating),
		RatingExplanation: strings.TrimSpace(s.RatingExplanation),
		PromptVersion:     g.PromptVersion,
	}
	if r.FullContent == "" {
		r.FullContent = FullContent(r.Title, r.Summary, findings)
	}
	return r
}

// FullContent renders a markdown document from the report parts.
func FullContent(title, summary string, findings []string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n")
	}
	if len(findings) > 0 {
		b.WriteString("\n## Key findings\n\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return strings.TrimSpace(b.String())
}

func clampRating(r float64) float64 {
	switch {
	case math.IsNaN(r), r < 0:
		return 0
	case r > 10:
		return 10
	}
	return r
}

func loadInputs(ctx context.Context, st Store, communities []*store.Community) ([]Input, error) {
	rels, err := st.ListRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}

	inputs := make([]Input, 0, len(communities))
	for _, c := range communities {
		entities, err := st.GetEntities(ctx, c.EntityIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load members of community %s: %w", c.ID, err)
		}
		sort.Slice(entities, func(i, j int) bool {
			return strings.ToLower(entities[i].CanonicalName) < strings.ToLower(entities[j].CanonicalName)
		})

		members := make(map[string]bool, len(c.EntityIDs))
		for _, id := range c.EntityIDs {
			members[id] = true
		}
		internal := make([]*store.Relationship, 0)
		for _, r := range rels {
			if members[r.SourceEntityID] && members[r.TargetEntityID] {
				internal = append(internal, r)
			}
		}
		inputs = append(inputs, Input{Community: c, Entities: entities, Relationships: internal})
	}
	return inputs, nil
}
