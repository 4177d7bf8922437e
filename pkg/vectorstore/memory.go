package vectorstore

import (
	"context"
	"sort"
	"sync"
)

type memoryEntry struct {
	vector  []float32
	payload map[string]string
}

// MemoryStore is an in-memory Store guarded by an RWMutex.
// Vectors do not survive restarts.
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Upsert adds or replaces the vector for id.
func (m *MemoryStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) (string, error) {
	if len(vector) == 0 {
		return "", ErrEmptyVector
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to avoid external mutations
	vec := make([]float32, len(vector))
	copy(vec, vector)
	m.entries[id] = memoryEntry{vector: vec, payload: copyPayload(payload)}
	return id, nil
}

// Delete removes the vector for id.
func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[id]
	delete(m.entries, id)
	return ok, nil
}

// DeleteByMemoryID removes every vector indexed for memoryID.
func (m *MemoryStore) DeleteByMemoryID(ctx context.Context, memoryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	for id, e := range m.entries {
		if e.payload[PayloadMemoryID] == memoryID {
			delete(m.entries, id)
			removed = true
		}
	}
	return removed, nil
}

// Search scores every stored vector against query.
func (m *MemoryStore) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]SearchResult, 0, len(m.entries))
	for id, e := range m.entries {
		results = append(results, SearchResult{
			ID:      id,
			Score:   CosineSimilarity(query, e.vector),
			Payload: copyPayload(e.payload),
		})
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

// Get returns the stored vector for id, or nil when absent.
func (m *MemoryStore) Get(id string) []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	out := make([]float32, len(e.vector))
	copy(out, e.vector)
	return out
}

// IDs returns every stored vector id, sorted.
func (m *MemoryStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored vectors.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
