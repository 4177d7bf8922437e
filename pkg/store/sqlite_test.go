package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteGraphStore {
	t.Helper()
	s, err := NewSQLiteGraphStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEntity(t *testing.T, g Graph, name string) *Entity {
	t.Helper()
	e := &Entity{CanonicalName: name, EntityType: "technology", Description: name + " desc", ExtractionConfidence: 0.8}
	if err := g.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity(%s) failed: %v", name, err)
	}
	return e
}

func mustRelationship(t *testing.T, g Graph, src, dst *Entity, relType string, strength float64) *Relationship {
	t.Helper()
	r := &Relationship{SourceEntityID: src.ID, TargetEntityID: dst.ID, RelationshipType: relType, Strength: strength}
	if err := g.CreateRelationship(context.Background(), r); err != nil {
		t.Fatalf("CreateRelationship failed: %v", err)
	}
	return r
}

func TestCreateAndGetEntity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := &Entity{
		CanonicalName:        "  React  ",
		EntityType:           "framework",
		Description:          "UI library",
		ExtractionConfidence: 0.9,
		ExtractionVersion:    "v1",
		Metadata:             map[string]interface{}{"source": "test"},
	}
	if err := s.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entity, got nil")
	}
	if got.CanonicalName != "React" {
		t.Errorf("CanonicalName = %q, want %q", got.CanonicalName, "React")
	}
	if got.EntityType != EntityTypeTechnology {
		t.Errorf("EntityType = %q, want %q", got.EntityType, EntityTypeTechnology)
	}
	if got.MentionCount != 1 {
		t.Errorf("MentionCount = %d, want 1", got.MentionCount)
	}
	if got.EmbeddingID != nil {
		t.Errorf("EmbeddingID = %v, want nil", *got.EmbeddingID)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("Metadata mismatch: %v", got.Metadata)
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	s := setupTestStore(t)
	got, err := s.GetEntity(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestGetEntityByName_CaseInsensitive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := mustEntity(t, s, "PostgreSQL")

	for _, name := range []string{"PostgreSQL", "postgresql", "POSTGRESQL", " postgresql "} {
		got, err := s.GetEntityByName(ctx, name)
		if err != nil {
			t.Fatalf("GetEntityByName(%q) failed: %v", name, err)
		}
		if got == nil || got.ID != e.ID {
			t.Errorf("GetEntityByName(%q) = %v, want %s", name, got, e.ID)
		}
	}

	got, err := s.GetEntityByName(ctx, "Postgres")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateEntity_DuplicateName(t *testing.T) {
	s := setupTestStore(t)
	mustEntity(t, s, "Redis")

	err := s.CreateEntity(context.Background(), &Entity{CanonicalName: "redis", EntityType: "technology"})
	if !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("expected ErrDuplicateEntity, got %v", err)
	}
}

func TestEntityNames_FoldBeyondASCII(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	urun := mustEntity(t, s, "Ürün")
	strasse := mustEntity(t, s, "Straße")

	for name, want := range map[string]string{
		"ürün":     urun.ID,
		"ÜRÜN":     urun.ID,
		"STRASSE":  strasse.ID,
		"strasse":  strasse.ID,
		" Straße ": strasse.ID,
	} {
		got, err := s.GetEntityByName(ctx, name)
		require.NoError(t, err, name)
		require.NotNil(t, got, name)
		assert.Equal(t, want, got.ID, name)
	}

	err := s.CreateEntity(ctx, &Entity{CanonicalName: "ÜRÜN", EntityType: "product"})
	assert.ErrorIs(t, err, ErrDuplicateEntity)
	err = s.CreateEntity(ctx, &Entity{CanonicalName: "STRASSE", EntityType: "location"})
	assert.ErrorIs(t, err, ErrDuplicateEntity)

	got, err := s.GetEntity(ctx, urun.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ürün", got.CanonicalName, "the first spelling is kept")
}

func TestNameKey(t *testing.T) {
	assert.Equal(t, NameKey("Ürün"), NameKey("  ÜRÜN "))
	assert.Equal(t, NameKey("Straße"), NameKey("STRASSE"))
	assert.Equal(t, NameKey("Σίσυφος"), NameKey("ΣΊΣΥΦΟΣ"))
	assert.NotEqual(t, NameKey("Redis"), NameKey("Redux"))
}

func TestCreateEntity_EmptyName(t *testing.T) {
	s := setupTestStore(t)
	err := s.CreateEntity(context.Background(), &Entity{CanonicalName: "   "})
	assert.Error(t, err)
}

func TestUpdateEntityAndEmbeddingID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	e := mustEntity(t, s, "Go")

	e.MentionCount = 3
	e.Description = "A language"
	e.LastSeenAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.UpdateEntity(ctx, e))

	vid := "entity:" + e.ID
	require.NoError(t, s.SetEntityEmbeddingID(ctx, e.ID, &vid))

	got, err := s.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MentionCount)
	assert.Equal(t, "A language", got.Description)
	require.NotNil(t, got.EmbeddingID)
	assert.Equal(t, vid, *got.EmbeddingID)

	err = s.SetEntityEmbeddingID(ctx, "missing", &vid)
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestCreateRelationship_DanglingEndpoint(t *testing.T) {
	s := setupTestStore(t)
	a := mustEntity(t, s, "A")

	err := s.CreateRelationship(context.Background(), &Relationship{
		SourceEntityID: a.ID, TargetEntityID: "nope", RelationshipType: "USES", Strength: 5,
	})
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}
}

func TestRelationshipCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := mustEntity(t, s, "React")
	b := mustEntity(t, s, "Redis")

	r := mustRelationship(t, s, a, b, "INTEGRATES_WITH", 42)
	if r.Strength != MaxStrength {
		t.Errorf("Strength = %v, want clamped %v", r.Strength, MaxStrength)
	}

	found, err := s.FindRelationship(ctx, a.ID, b.ID, "INTEGRATES_WITH")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, r.ID, found.ID)

	reverse, err := s.FindRelationship(ctx, b.ID, a.ID, "INTEGRATES_WITH")
	require.NoError(t, err)
	assert.Nil(t, reverse, "edges are directed")

	found.Strength = 0
	found.Description = "updated"
	require.NoError(t, s.UpdateRelationship(ctx, found))
	got, err := s.GetRelationship(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, MinStrength, got.Strength)
	assert.Equal(t, "updated", got.Description)

	edges, err := s.GetEdges(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	require.NoError(t, s.DeleteRelationship(ctx, r.ID))
	count, err := s.RelationshipCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeleteEntity_CascadesRelationships(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")
	c := mustEntity(t, s, "C")
	mustRelationship(t, s, a, b, "RELATES_TO", 5)
	keep := mustRelationship(t, s, b, c, "RELATES_TO", 5)

	require.NoError(t, s.DeleteEntity(ctx, a.ID))

	rels, err := s.ListRelationships(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, keep.ID, rels[0].ID)

	n, err := s.EntityCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		mustEntity(t, tx, "Ephemeral")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.GetEntityByName(ctx, "Ephemeral")
	require.NoError(t, err)
	assert.Nil(t, got, "rolled back entity must not be visible")
}

func TestWithTx_Commit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var id string
	err := s.WithTx(ctx, func(tx *Tx) error {
		e := mustEntity(t, tx, "Durable")
		id = e.ID
		return tx.ReplaceAttribution(ctx, "m1", []string{e.ID}, nil)
	})
	require.NoError(t, err)

	ids, err := s.FindEntitiesByMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	ctx := context.Background()

	s1, err := NewSQLiteGraphStore(dbPath)
	require.NoError(t, err)
	e := mustEntity(t, s1, "Persistent")
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteGraphStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Persistent", got.CanonicalName)
}

func TestNormalizeEntityType(t *testing.T) {
	tests := map[string]string{
		"Person":    EntityTypePerson,
		"company":   EntityTypeOrganization,
		"Framework": EntityTypeTechnology,
		"decision":  EntityTypeConcept,
		"place":     EntityTypeLocation,
		"event":     EntityTypeEvent,
		"service":   EntityTypeProduct,
		"spaceship": EntityTypeOther,
		"":          EntityTypeOther,
	}
	for in, want := range tests {
		if got := NormalizeEntityType(in); got != want {
			t.Errorf("NormalizeEntityType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)

	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")
	mustRelationship(t, s, a, b, "uses", 5)
	_, err = s.ReplaceCommunityLevels(ctx, []CommunityLevel{{Level: 0, Communities: []*Community{
		{ID: "c-ab", EntityIDs: []string{a.ID, b.ID}, Resolution: 1},
	}}})
	require.NoError(t, err)
	require.NoError(t, s.SaveReport(ctx, &CommunityReport{CommunityID: "c-ab", Title: "AB"}))

	got, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entities: 2, Relationships: 1, Communities: 1, Reports: 1, Levels: 1}, got)
}
