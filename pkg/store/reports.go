package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const reportColumns = `id, community_id, title, summary, full_content, key_findings, rating,
	rating_explanation, prompt_version, embedding_id, created_at`

// SaveReport stores the report for a community, replacing any previous one while
// keeping its id.
func (g *graph) SaveReport(ctx context.Context, r *CommunityReport) error {
	if r.CommunityID == "" {
		return fmt.Errorf("report community id cannot be empty")
	}
	var exists int
	err := g.q.QueryRowContext(ctx, `SELECT 1 FROM communities WHERE id = ?`, r.CommunityID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("report community %s: %w", r.CommunityID, ErrDanglingReference)
	}
	if err != nil {
		return fmt.Errorf("failed to check report community: %w", err)
	}

	prev, err := g.GetReportByCommunity(ctx, r.CommunityID)
	if err != nil {
		return err
	}
	if prev != nil {
		r.ID = prev.ID
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.KeyFindings == nil {
		r.KeyFindings = []string{}
	}
	findings, err := json.Marshal(r.KeyFindings)
	if err != nil {
		return fmt.Errorf("failed to marshal key findings: %w", err)
	}

	_, err = g.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO community_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CommunityID, r.Title, r.Summary, r.FullContent, string(findings), r.Rating,
		r.RatingExplanation, r.PromptVersion, nullString(r.EmbeddingID), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReportByCommunity returns the report of a community, or (nil, nil) when it has none.
func (g *graph) GetReportByCommunity(ctx context.Context, communityID string) (*CommunityReport, error) {
	row := g.q.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM community_reports WHERE community_id = ?`, communityID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListReports returns the reports of every community at level, ordered by community id.
func (g *graph) ListReports(ctx context.Context, level int) ([]*CommunityReport, error) {
	rows, err := g.q.QueryContext(ctx, `
		SELECT r.id, r.community_id, r.title, r.summary, r.full_content, r.key_findings, r.rating,
		       r.rating_explanation, r.prompt_version, r.embedding_id, r.created_at
		FROM community_reports r
		JOIN communities c ON c.id = r.community_id
		WHERE c.level = ?
		ORDER BY r.community_id`, level)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*CommunityReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

// SetReportEmbeddingID records (or clears, with nil) the vector id of a report.
func (g *graph) SetReportEmbeddingID(ctx context.Context, reportID string, embeddingID *string) error {
	res, err := g.q.ExecContext(ctx,
		`UPDATE community_reports SET embedding_id = ? WHERE id = ?`, nullString(embeddingID), reportID)
	if err != nil {
		return fmt.Errorf("failed to set report embedding id: %w", err)
	}
	return expectOneRow(res, "report", reportID)
}

// ReportsMissingEmbedding returns the reports that were saved without a vector,
// ordered by community id.
func (g *graph) ReportsMissingEmbedding(ctx context.Context) ([]*CommunityReport, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM community_reports WHERE embedding_id IS NULL ORDER BY community_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports without vectors: %w", err)
	}
	defer rows.Close()

	var reports []*CommunityReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func scanReport(row rowScanner) (*CommunityReport, error) {
	var (
		r           CommunityReport
		summary     sql.NullString
		content     sql.NullString
		findings    sql.NullString
		explanation sql.NullString
		version     sql.NullString
		embeddingID sql.NullString
	)
	err := row.Scan(&r.ID, &r.CommunityID, &r.Title, &summary, &content, &findings, &r.Rating,
		&explanation, &version, &embeddingID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Summary = summary.String
	r.FullContent = content.String
	r.RatingExplanation = explanation.String
	r.PromptVersion = version.String
	if embeddingID.Valid {
		id := embeddingID.String
		r.EmbeddingID = &id
	}
	r.KeyFindings = []string{}
	if findings.Valid && findings.String != "" {
		if err := json.Unmarshal([]byte(findings.String), &r.KeyFindings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key findings: %w", err)
		}
	}
	return &r, nil
}
