package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const entityColumns = `id, canonical_name, entity_type, description, mention_count,
	extraction_confidence, extraction_version, first_seen_at, last_seen_at, embedding_id, metadata`

// CreateEntity inserts a new entity. It fails with ErrDuplicateEntity when the
// canonical name is already taken under NameKey.
func (g *graph) CreateEntity(ctx context.Context, e *Entity) error {
	e.CanonicalName = strings.TrimSpace(e.CanonicalName)
	if e.CanonicalName == "" {
		return fmt.Errorf("entity canonical name cannot be empty")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.FirstSeenAt.IsZero() {
		e.FirstSeenAt = now
	}
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = e.FirstSeenAt
	}
	if e.MentionCount < 1 {
		e.MentionCount = 1
	}
	e.EntityType = NormalizeEntityType(e.EntityType)

	metadataJSON, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = g.q.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`, name_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CanonicalName, e.EntityType, e.Description, e.MentionCount,
		e.ExtractionConfidence, e.ExtractionVersion, e.FirstSeenAt, e.LastSeenAt,
		nullString(e.EmbeddingID), metadataJSON, NameKey(e.CanonicalName),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create entity %q: %w", e.CanonicalName, ErrDuplicateEntity)
	}
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by id. Returns (nil, nil) when it does not exist.
func (g *graph) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// GetEntityByName looks an entity up by canonical name, compared by NameKey.
// Returns (nil, nil) when no entity has that name.
func (g *graph) GetEntityByName(ctx context.Context, canonicalName string) (*Entity, error) {
	row := g.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE name_key = ?`, NameKey(canonicalName))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity by name: %w", err)
	}
	return e, nil
}

// UpdateEntity overwrites the mutable fields of an existing entity.
func (g *graph) UpdateEntity(ctx context.Context, e *Entity) error {
	metadataJSON, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	res, err := g.q.ExecContext(ctx, `
		UPDATE entities
		SET entity_type = ?, description = ?, mention_count = ?, extraction_confidence = ?,
		    extraction_version = ?, last_seen_at = ?, embedding_id = ?, metadata = ?
		WHERE id = ?`,
		NormalizeEntityType(e.EntityType), e.Description, e.MentionCount, e.ExtractionConfidence,
		e.ExtractionVersion, e.LastSeenAt, nullString(e.EmbeddingID), metadataJSON, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return expectOneRow(res, "entity", e.ID)
}

// SetEntityEmbeddingID records (or clears, with nil) the vector id of an entity.
func (g *graph) SetEntityEmbeddingID(ctx context.Context, entityID string, embeddingID *string) error {
	res, err := g.q.ExecContext(ctx,
		`UPDATE entities SET embedding_id = ? WHERE id = ?`, nullString(embeddingID), entityID)
	if err != nil {
		return fmt.Errorf("failed to set entity embedding id: %w", err)
	}
	return expectOneRow(res, "entity", entityID)
}

// DeleteEntity removes an entity together with its incident relationships,
// attribution rows and community memberships, and queues its vector for deletion.
func (g *graph) DeleteEntity(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM memory_relationships WHERE relationship_id IN
			(SELECT id FROM relationships WHERE source_entity_id = ? OR target_entity_id = ?)`,
		`DELETE FROM relationships WHERE source_entity_id = ? OR target_entity_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := g.q.ExecContext(ctx, stmt, id, id); err != nil {
			return fmt.Errorf("failed to cascade entity delete: %w", err)
		}
	}
	for _, stmt := range []string{
		`DELETE FROM memory_entities WHERE entity_id = ?`,
		`DELETE FROM community_members WHERE entity_id = ?`,
		`DELETE FROM entities WHERE id = ?`,
	} {
		if _, err := g.q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete entity: %w", err)
		}
	}
	return g.QueueVectorDelete(ctx, NodeKindEntity, id)
}

// EntitiesMissingEmbedding returns the entities that have no recorded vector,
// ordered by id.
func (g *graph) EntitiesMissingEmbedding(ctx context.Context) ([]*Entity, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE embedding_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities without vectors: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListEntities returns all entities ordered by id.
func (g *graph) ListEntities(ctx context.Context) ([]*Entity, error) {
	rows, err := g.q.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// GetEntities returns the entities with the given ids, ordered by id. Unknown ids are skipped.
func (g *graph) GetEntities(ctx context.Context, ids []string) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := g.q.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// EntityCount returns the total number of entities in the graph.
func (g *graph) EntityCount(ctx context.Context) (int64, error) {
	var count int64
	if err := g.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e            Entity
		description  sql.NullString
		version      sql.NullString
		embeddingID  sql.NullString
		metadataJSON sql.NullString
	)
	err := row.Scan(&e.ID, &e.CanonicalName, &e.EntityType, &description, &e.MentionCount,
		&e.ExtractionConfidence, &version, &e.FirstSeenAt, &e.LastSeenAt, &embeddingID, &metadataJSON)
	if err != nil {
		return nil, err
	}
	e.Description = description.String
	e.ExtractionVersion = version.String
	if embeddingID.Valid {
		id := embeddingID.String
		e.EmbeddingID = &id
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

func marshalMetadata(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
