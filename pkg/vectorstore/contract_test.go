package vectorstore

import (
	"context"
	"math"
	"testing"
)

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	vectors := map[string][]float32{
		"entity:a": {1.0, 0.0, 0.0},
		"entity:b": {0.7, 0.7, 0.0},
		"entity:c": {0.0, 0.0, 1.0},
	}
	memories := map[string]string{"entity:a": "m1", "entity:b": "m1", "entity:c": "m2"}
	for id, vec := range vectors {
		got, err := s.Upsert(ctx, id, vec, map[string]string{
			PayloadKind: "entity", PayloadNodeID: id[len("entity:"):], PayloadMemoryID: memories[id],
		})
		if err != nil {
			t.Fatalf("Upsert(%s) failed: %v", id, err)
		}
		if got != id {
			t.Errorf("Upsert returned id %q, want %q", got, id)
		}
	}

	if _, err := s.Upsert(ctx, "entity:empty", nil, nil); err == nil {
		t.Error("expected error for empty vector")
	}

	results, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].ID != "entity:a" || math.Abs(results[0].Score-1.0) > 0.001 {
		t.Errorf("Expected entity:a with score 1.0 first, got %s (%f)", results[0].ID, results[0].Score)
	}
	if results[1].ID != "entity:b" {
		t.Errorf("Expected entity:b second, got %s", results[1].ID)
	}
	if results[0].Payload[PayloadNodeID] != "a" {
		t.Errorf("Payload not returned: %v", results[0].Payload)
	}

	// Upsert replaces in place.
	if _, err := s.Upsert(ctx, "entity:c", []float32{1, 0, 0.01}, map[string]string{PayloadMemoryID: "m2"}); err != nil {
		t.Fatalf("Upsert replace failed: %v", err)
	}
	results, err = s.Search(ctx, []float32{0, 0, 1}, 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("replace must not add a vector, got %d results", len(results))
	}

	removed, err := s.Delete(ctx, "entity:a")
	if err != nil || !removed {
		t.Fatalf("Delete(entity:a) = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.Delete(ctx, "entity:a")
	if err != nil {
		t.Fatalf("Delete of missing id must not error: %v", err)
	}
	if removed {
		t.Error("Delete of missing id reported removal")
	}

	removed, err = s.DeleteByMemoryID(ctx, "m1")
	if err != nil || !removed {
		t.Fatalf("DeleteByMemoryID(m1) = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.DeleteByMemoryID(ctx, "m1")
	if err != nil || removed {
		t.Fatalf("second DeleteByMemoryID(m1) = %v, %v; want false, nil", removed, err)
	}

	results, err = s.Search(ctx, []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "entity:c" {
		t.Fatalf("expected only entity:c to remain, got %+v", results)
	}
}
