// Package store provides the persistent knowledge graph: entities, relationships,
// communities and community reports, plus the per-memory attribution and
// fingerprint bookkeeping that incremental builds rely on.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Entity types accepted by the graph. Anything else is stored as EntityTypeOther.
const (
	EntityTypePerson       = "person"
	EntityTypeOrganization = "organization"
	EntityTypeTechnology   = "technology"
	EntityTypeConcept      = "concept"
	EntityTypeLocation     = "location"
	EntityTypeEvent        = "event"
	EntityTypeProduct      = "product"
	EntityTypeOther        = "other"
)

// Strength bounds for relationships. Strength doubles as the clustering edge weight.
const (
	MinStrength = 1.0
	MaxStrength = 10.0
)

// Entity is the canonical node for a concept referenced across memories.
type Entity struct {
	ID                   string
	CanonicalName        string // unique under NameKey
	EntityType           string
	Description          string
	MentionCount         int
	ExtractionConfidence float64
	ExtractionVersion    string
	FirstSeenAt          time.Time
	LastSeenAt           time.Time
	EmbeddingID          *string // nil until a vector has been indexed
	Metadata             map[string]interface{}
}

// Relationship is a directed, typed, weighted edge between two entities.
type Relationship struct {
	ID               string
	SourceEntityID   string
	TargetEntityID   string
	RelationshipType string
	Description      string
	Strength         float64 // 1..10
	CreatedAt        time.Time
}

// Community is a cluster of entities at one hierarchy level.
// ParentID points at the community one level up that contains this one.
type Community struct {
	ID          string
	Level       int
	ParentID    *string
	EntityCount int
	Resolution  float64
	Modularity  float64
	EntityIDs   []string // sorted member entity ids
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommunityReport is the generated narrative summary of one community.
type CommunityReport struct {
	ID                string
	CommunityID       string
	Title             string
	Summary           string
	FullContent       string
	KeyFindings       []string
	Rating            float64
	RatingExplanation string
	PromptVersion     string
	EmbeddingID       *string
	CreatedAt         time.Time
}

// CommunityLevel is a complete partition for one level, used for atomic replacement.
type CommunityLevel struct {
	Level       int
	Communities []*Community
}

// SwapResult describes what ReplaceCommunityLevels changed.
type SwapResult struct {
	Created []*Community
	Kept    []*Community
	Deleted []*Community
	// DeletedReports holds the reports removed together with defunct communities.
	// Their vector deletes are queued in the same transaction.
	DeletedReports []*CommunityReport
}

// ProcessedMemory records the fingerprint a memory had when it was last built.
type ProcessedMemory struct {
	MemoryID          string
	Fingerprint       string
	ExtractionVersion string
	ProcessedAt       time.Time
}

// Graph is the read/write contract shared by the store and its transactions.
// Every mutation made through a Tx is committed or discarded together.
type Graph interface {
	CreateEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, id string) (*Entity, error)
	GetEntityByName(ctx context.Context, canonicalName string) (*Entity, error)
	UpdateEntity(ctx context.Context, e *Entity) error
	SetEntityEmbeddingID(ctx context.Context, entityID string, embeddingID *string) error
	DeleteEntity(ctx context.Context, id string) error
	ListEntities(ctx context.Context) ([]*Entity, error)
	GetEntities(ctx context.Context, ids []string) ([]*Entity, error)
	EntityCount(ctx context.Context) (int64, error)
	EntitiesMissingEmbedding(ctx context.Context) ([]*Entity, error)

	CreateRelationship(ctx context.Context, r *Relationship) error
	GetRelationship(ctx context.Context, id string) (*Relationship, error)
	FindRelationship(ctx context.Context, sourceID, targetID, relType string) (*Relationship, error)
	UpdateRelationship(ctx context.Context, r *Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
	ListRelationships(ctx context.Context) ([]*Relationship, error)
	GetEdges(ctx context.Context, entityID string) ([]*Relationship, error)
	RelationshipCount(ctx context.Context) (int64, error)

	FindEntitiesByMemory(ctx context.Context, memoryID string) ([]string, error)
	FindRelationshipsByMemory(ctx context.Context, memoryID string) ([]string, error)
	ReplaceAttribution(ctx context.Context, memoryID string, entityIDs, relationshipIDs []string) error
	CountEntityReferences(ctx context.Context, entityID string) (int, error)
	CountRelationshipReferences(ctx context.Context, relationshipID string) (int, error)
	GarbageCollectCandidates(ctx context.Context, entityIDs, relationshipIDs []string) (*GCResult, error)

	ListCommunities(ctx context.Context, level int) ([]*Community, error)
	GetCommunity(ctx context.Context, id string) (*Community, error)
	CommunityMembers(ctx context.Context, communityID string) ([]string, error)
	CommunityLevelCount(ctx context.Context) (int, error)
	ReplaceCommunityLevels(ctx context.Context, levels []CommunityLevel) (*SwapResult, error)

	SaveReport(ctx context.Context, r *CommunityReport) error
	GetReportByCommunity(ctx context.Context, communityID string) (*CommunityReport, error)
	ListReports(ctx context.Context, level int) ([]*CommunityReport, error)
	SetReportEmbeddingID(ctx context.Context, reportID string, embeddingID *string) error
	CommunitiesMissingReports(ctx context.Context) ([]*Community, error)
	ReportsMissingEmbedding(ctx context.Context) ([]*CommunityReport, error)

	QueueVectorDelete(ctx context.Context, kind, nodeID string) error
	PendingVectorDeletes(ctx context.Context) ([]PendingVectorDelete, error)
	ClearVectorDeletes(ctx context.Context, done []PendingVectorDelete) error

	GetFingerprint(ctx context.Context, memoryID string) (*ProcessedMemory, error)
	MarkProcessed(ctx context.Context, pm ProcessedMemory) error
	ForgetMemory(ctx context.Context, memoryID string) error
	TrackedMemoryIDs(ctx context.Context) ([]string, error)
}

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEntity is returned when inserting an entity whose canonical name already
// exists. Callers must merge through the resolver instead of inserting directly.
var ErrDuplicateEntity = errors.New("entity with this canonical name already exists")

// ErrDanglingReference is returned when a relationship or attribution points at a
// node that does not exist.
var ErrDanglingReference = errors.New("reference to missing entity")

// ErrBuildLocked is returned when another holder owns an unexpired build lease.
var ErrBuildLocked = errors.New("build lock held by another holder")

// NormalizeEntityType folds a free-form type label onto the closed set of entity types.
func NormalizeEntityType(t string) string {
	switch lower(t) {
	case EntityTypePerson, "people", "user", "developer":
		return EntityTypePerson
	case EntityTypeOrganization, "org", "company", "team":
		return EntityTypeOrganization
	case EntityTypeTechnology, "tech", "system", "library", "framework", "tool", "language", "database":
		return EntityTypeTechnology
	case EntityTypeConcept, "pattern", "decision", "idea":
		return EntityTypeConcept
	case EntityTypeLocation, "place":
		return EntityTypeLocation
	case EntityTypeEvent:
		return EntityTypeEvent
	case EntityTypeProduct, "service", "feature":
		return EntityTypeProduct
	default:
		return EntityTypeOther
	}
}

// NameKey is the Unicode case-folded form of a canonical name. Two names with the
// same key are the same entity.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// ClampStrength bounds a relationship strength to [MinStrength, MaxStrength].
func ClampStrength(s float64) float64 {
	if s < MinStrength {
		return MinStrength
	}
	if s > MaxStrength {
		return MaxStrength
	}
	return s
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
