package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// SQLiteStore persists vectors in a graph_vectors table on a shared connection.
// Search is an exact scan with cosine similarity.
//
// The database connection is shared with the graph store and must not be closed here.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the graph_vectors table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS graph_vectors (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			memory_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_graph_vectors_memory ON graph_vectors(memory_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph_vectors table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Upsert adds or replaces the vector for id.
func (s *SQLiteStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) (string, error) {
	if len(vector) == 0 {
		return "", ErrEmptyVector
	}
	payloadJSON, err := json.Marshal(copyPayload(payload))
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_vectors (id, embedding, memory_id, payload, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			memory_id = excluded.memory_id,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`,
		id, serializeEmbedding(vector), payload[PayloadMemoryID], string(payloadJSON))
	if err != nil {
		return "", fmt.Errorf("failed to upsert vector: %w", err)
	}
	return id, nil
}

// Delete removes the vector for id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_vectors WHERE id = ?`, id)
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
func (s *SQLiteStore) DeleteByMemoryID(ctx context.Context, memoryID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_vectors WHERE memory_id = ?`, memoryID)
	if err != nil {
		return false, fmt.Errorf("failed to delete vectors by memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Search scans every stored vector. Rows with malformed embeddings are skipped.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	if len(query) == 0 {
		return []SearchResult{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, payload FROM graph_vectors`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			id          string
			blob        []byte
			payloadJSON string
		)
		if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		vec := deserializeEmbedding(blob)
		if vec == nil {
			continue
		}
		payload := map[string]string{}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
				continue
			}
		}
		results = append(results, SearchResult{ID: id, Score: CosineSimilarity(query, vec), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vectors: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if topK >= 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

// Close is a no-op; the connection belongs to the graph store.
func (s *SQLiteStore) Close() error {
	return nil
}

// serializeEmbedding converts a float32 slice to a little-endian BLOB.
func serializeEmbedding(embedding []float32) []byte {
	blob := make([]byte, len(embedding)*4)
	for i, val := range embedding {
		binary.LittleEndian.PutUint32(blob[i*4:(i+1)*4], math.Float32bits(val))
	}
	return blob
}

// deserializeEmbedding converts a BLOB back to a float32 slice.
// Returns nil if the data is empty or not a multiple of 4 bytes.
func deserializeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : (i+1)*4]))
	}
	return embedding
}
