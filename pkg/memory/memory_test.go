package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/dan-solli/graphrag/pkg/store"
)

func setupMemoryStore(t *testing.T) *SQLiteStore {
	t.Helper()
	graphStore, err := store.NewSQLiteGraphStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create graph store: %v", err)
	}
	t.Cleanup(func() { graphStore.Close() })

	memStore, err := NewSQLiteStore(graphStore.DB())
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return memStore
}

func TestSQLiteStore_CRUD(t *testing.T) {
	ctx := context.Background()
	memStore := setupMemoryStore(t)

	m := &Memory{
		Topic:     "Caching",
		Context:   "We cache sessions in Redis.",
		Decisions: []string{"Use Redis"},
		Metadata:  map[string]interface{}{"key": "value"},
	}
	if err := memStore.AddMemory(ctx, m); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	if m.ID == "" {
		t.Error("Memory ID not generated")
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %q, want %q", m.Status, StatusPending)
	}

	got, err := memStore.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Context != m.Context {
		t.Errorf("Context mismatch: got %s, want %s", got.Context, m.Context)
	}
	if len(got.Decisions) != 1 || got.Decisions[0] != "Use Redis" {
		t.Errorf("Decisions mismatch: %v", got.Decisions)
	}

	newContext := "We cache sessions in Memcached."
	if err := memStore.UpdateMemory(ctx, m.ID, Update{Context: &newContext}); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	got, err = memStore.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory after update failed: %v", err)
	}
	if got.Context != newContext {
		t.Errorf("Context not updated: got %s", got.Context)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	if err := memStore.DeleteMemory(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := memStore.GetMemory(ctx, m.ID); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("expected ErrMemoryNotFound, got %v", err)
	}
	if err := memStore.DeleteMemory(ctx, m.ID); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("expected ErrMemoryNotFound on second delete, got %v", err)
	}
}

func TestSQLiteStore_ListAndGetByIDs(t *testing.T) {
	ctx := context.Background()
	memStore := setupMemoryStore(t)

	for _, id := range []string{"m3", "m1", "m2"} {
		if err := memStore.AddMemory(ctx, &Memory{ID: id, Topic: id, Context: "ctx " + id}); err != nil {
			t.Fatalf("AddMemory(%s) failed: %v", id, err)
		}
	}

	all, err := memStore.ListMemories(ctx)
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "m1" || all[2].ID != "m3" {
		t.Fatalf("unexpected listing: %+v", all)
	}

	some, err := memStore.GetMemoriesByIDs(ctx, []string{"m3", "missing", "m1"})
	if err != nil {
		t.Fatalf("GetMemoriesByIDs failed: %v", err)
	}
	if len(some) != 2 || some[0].ID != "m1" || some[1].ID != "m3" {
		t.Fatalf("unexpected subset: %+v", some)
	}

	count, err := memStore.CountMemories(ctx)
	if err != nil {
		t.Fatalf("CountMemories failed: %v", err)
	}
	if count != 3 {
		t.Errorf("CountMemories = %d, want 3", count)
	}
}

func TestFingerprint(t *testing.T) {
	base := &Memory{Topic: "T", Context: "React integrates with Redis.", Decisions: []string{"a"}}

	same := &Memory{Topic: " T ", Context: "React integrates with Redis.  ", Decisions: []string{"a", "  "},
		Metadata: map[string]interface{}{"ignored": true}, Status: StatusApproved}
	if Fingerprint(base, "v1") != Fingerprint(same, "v1") {
		t.Error("whitespace, metadata and status must not change the fingerprint")
	}

	changed := &Memory{Topic: "T", Context: "React integrates with Zustand.", Decisions: []string{"a"}}
	if Fingerprint(base, "v1") == Fingerprint(changed, "v1") {
		t.Error("content change must change the fingerprint")
	}
	if Fingerprint(base, "v1") == Fingerprint(base, "v2") {
		t.Error("extraction version must change the fingerprint")
	}
	if len(Fingerprint(base, "v1")) != 64 {
		t.Error("expected hex SHA-256")
	}
}

func TestMemoryText(t *testing.T) {
	m := &Memory{Topic: "State", Context: "React integrates with Redis.", Decisions: []string{"Keep Redis"}}
	want := "State\n\nReact integrates with Redis.\n\nDecisions:\n- Keep Redis"
	if got := m.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}
