package vectorstore

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// DefaultChromemCollection is the collection used when none is configured.
const DefaultChromemCollection = "graphrag"

// ChromemStore is a Store backed by chromem-go, an embedded pure-Go vector database.
// Vectors are normalized on insert, so scores are cosine similarities.
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens a chromem collection. An empty path keeps everything in
// memory; otherwise documents are persisted under path.
func NewChromemStore(path, collection string) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	if collection == "" {
		collection = DefaultChromemCollection
	}

	// No embedding func: callers always supply vectors.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemStore{db: db, col: col}, nil
}

// Upsert adds or replaces the document for id.
func (s *ChromemStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) (string, error) {
	if len(vector) == 0 {
		return "", ErrEmptyVector
	}
	doc := chromem.Document{
		ID:        id,
		Embedding: append([]float32(nil), vector...),
		Metadata:  copyPayload(payload),
		Content:   payload[PayloadText],
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	return id, nil
}

// Delete removes the document for id.
func (s *ChromemStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.col.GetByID(ctx, id); err != nil {
		// chromem reports a missing id as an error; that is not a failure here.
		return false, nil
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	return true, nil
}

// DeleteByMemoryID removes every document whose metadata names memoryID.
func (s *ChromemStore) DeleteByMemoryID(ctx context.Context, memoryID string) (bool, error) {
	before := s.col.Count()
	if before == 0 {
		return false, nil
	}
	if err := s.col.Delete(ctx, map[string]string{PayloadMemoryID: memoryID}, nil); err != nil {
		return false, fmt.Errorf("delete documents: %w", err)
	}
	return s.col.Count() < before, nil
}

// Search queries the collection. topK is capped at the collection size because
// chromem rejects larger requests.
func (s *ChromemStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	n := s.col.Count()
	if topK > n {
		topK = n
	}
	if topK <= 0 || len(query) == 0 {
		return []SearchResult{}, nil
	}

	results, err := s.col.QueryEmbedding(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{ID: r.ID, Score: float64(r.Similarity), Payload: r.Metadata})
	}
	return out, nil
}

// Count returns the number of stored documents.
func (s *ChromemStore) Count() int {
	return s.col.Count()
}
