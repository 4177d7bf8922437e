package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const relationshipColumns = `id, source_entity_id, target_entity_id, relationship_type, description, strength, created_at`

// CreateRelationship inserts a new edge. Both endpoints must exist.
func (g *graph) CreateRelationship(ctx context.Context, r *Relationship) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Strength = ClampStrength(r.Strength)

	for _, endpoint := range []string{r.SourceEntityID, r.TargetEntityID} {
		var exists int
		err := g.q.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, endpoint).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("relationship endpoint %s: %w", endpoint, ErrDanglingReference)
		}
		if err != nil {
			return fmt.Errorf("failed to check relationship endpoint: %w", err)
		}
	}

	_, err := g.q.ExecContext(ctx, `
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceEntityID, r.TargetEntityID, r.RelationshipType, r.Description, r.Strength, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create relationship: %w", err)
	}
	return nil
}

// GetRelationship retrieves an edge by id. Returns (nil, nil) when not found.
func (g *graph) GetRelationship(ctx context.Context, id string) (*Relationship, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return r, nil
}

// FindRelationship looks up the edge for a (source, target, type) triple.
// Returns (nil, nil) when the triple is not in the graph.
func (g *graph) FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error) {
	row := g.q.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE source_entity_id = ? AND target_entity_id = ? AND relationship_type = ?`,
		sourceID, targetID, relType)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find relationship: %w", err)
	}
	return r, nil
}

// UpdateRelationship overwrites description and strength of an existing edge.
func (g *graph) UpdateRelationship(ctx context.Context, r *Relationship) error {
	r.Strength = ClampStrength(r.Strength)
	res, err := g.q.ExecContext(ctx,
		`UPDATE relationships SET description = ?, strength = ? WHERE id = ?`,
		r.Description, r.Strength, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update relationship: %w", err)
	}
	return expectOneRow(res, "relationship", r.ID)
}

// DeleteRelationship removes an edge and its attribution rows.
func (g *graph) DeleteRelationship(ctx context.Context, id string) error {
	if _, err := g.q.ExecContext(ctx, `DELETE FROM memory_relationships WHERE relationship_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete relationship attribution: %w", err)
	}
	if _, err := g.q.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	return nil
}

// ListRelationships returns every edge ordered by id.
func (g *graph) ListRelationships(ctx context.Context) ([]*Relationship, error) {
	rows, err := g.q.QueryContext(ctx, `SELECT `+relationshipColumns+` FROM relationships ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	return collectRelationships(rows)
}

// GetEdges returns all edges incident to an entity, in either direction.
func (g *graph) GetEdges(ctx context.Context, entityID string) ([]*Relationship, error) {
	rows, err := g.q.QueryContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE source_entity_id = ? OR target_entity_id = ?
		ORDER BY id`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	return collectRelationships(rows)
}

// RelationshipCount returns the total number of edges in the graph.
func (g *graph) RelationshipCount(ctx context.Context) (int64, error) {
	var count int64
	if err := g.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM relationships").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count relationships: %w", err)
	}
	return count, nil
}

func collectRelationships(rows *sql.Rows) ([]*Relationship, error) {
	defer rows.Close()
	var out []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}
	return out, nil
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var (
		r           Relationship
		description sql.NullString
	)
	err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationshipType,
		&description, &r.Strength, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	return &r, nil
}
