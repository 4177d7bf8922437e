// Package vectorstore mirrors graph nodes into a semantic vector index.
package vectorstore

import (
	"context"
	"errors"
	"math"
)

// Payload keys written alongside every vector.
const (
	PayloadKind     = "kind"      // "entity" or "report"
	PayloadNodeID   = "node_id"   // graph id of the entity or report
	PayloadMemoryID = "memory_id" // memory whose build indexed the vector
	PayloadText     = "text"      // the text that was embedded
)

// ErrEmptyVector is returned when upserting a zero-length vector.
var ErrEmptyVector = errors.New("vector cannot be empty")

// SearchResult represents a vector search result with similarity score.
type SearchResult struct {
	ID      string
	Score   float64 // cosine similarity, higher is more similar
	Payload map[string]string
}

// Store is the vector index contract.
type Store interface {
	// Upsert adds or replaces the vector under id and returns the id it is stored under.
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) (string, error)

	// Delete removes the vector under id. It reports whether a vector was removed;
	// deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteByMemoryID removes every vector whose payload names memoryID.
	DeleteByMemoryID(ctx context.Context, memoryID string) (bool, error)

	// Search returns up to topK vectors most similar to query, best first.
	Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched lengths, empty vectors or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func copyPayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
