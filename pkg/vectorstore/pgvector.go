package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"
)

// PGVectorStore is a Store on PostgreSQL with the pgvector extension.
// Similarity uses the cosine distance operator (<=>).
type PGVectorStore struct {
	db    *sql.DB
	owned bool
}

var _ Store = (*PGVectorStore)(nil)

// OpenPGVectorStore connects to dsn and prepares the schema.
func OpenPGVectorStore(ctx context.Context, dsn string) (*PGVectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s, err := NewPGVectorStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPGVectorStore prepares the schema on an existing connection, which stays
// owned by the caller.
func NewPGVectorStore(ctx context.Context, db *sql.DB) (*PGVectorStore, error) {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS graph_vectors (
			id TEXT PRIMARY KEY,
			embedding vector NOT NULL,
			memory_id TEXT,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_vectors_memory ON graph_vectors(memory_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare pgvector schema: %w", err)
		}
	}
	return &PGVectorStore{db: db}, nil
}

// Upsert adds or replaces the vector for id.
func (s *PGVectorStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) (string, error) {
	if len(vector) == 0 {
		return "", ErrEmptyVector
	}
	payloadJSON, err := json.Marshal(copyPayload(payload))
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_vectors (id, embedding, memory_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = excluded.embedding,
			memory_id = excluded.memory_id,
			payload = excluded.payload,
			updated_at = now()`,
		id, pgvector.NewVector(vector), payload[PayloadMemoryID], string(payloadJSON))
	if err != nil {
		return "", fmt.Errorf("failed to upsert vector: %w", err)
	}
	return id, nil
}

// Delete removes the vector for id.
func (s *PGVectorStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_vectors WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete vector: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByMemoryID removes every vector indexed for memoryID.
func (s *PGVectorStore) DeleteByMemoryID(ctx context.Context, memoryID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_vectors WHERE memory_id = $1`, memoryID)
	if err != nil {
		return false, fmt.Errorf("failed to delete vectors by memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Search orders by cosine distance and reports 1 - distance as the score.
func (s *PGVectorStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	if len(query) == 0 || topK <= 0 {
		return []SearchResult{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, embedding <=> $1 AS distance
		FROM graph_vectors
		ORDER BY distance, id
		LIMIT $2`, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			id          string
			payloadJSON []byte
			distance    float64
		)
		if err := rows.Scan(&id, &payloadJSON, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		payload := map[string]string{}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		results = append(results, SearchResult{ID: id, Score: 1 - distance, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}
	return results, nil
}

// Close closes the connection if this store opened it.
func (s *PGVectorStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
