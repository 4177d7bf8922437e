// Package diff decides which memories a build must process and which graph nodes
// lost their last reference.
package diff

import (
	"context"
	"fmt"
	"sort"

	"github.com/dan-solli/graphrag/pkg/memory"
	"github.com/dan-solli/graphrag/pkg/store"
)

// Action is the decision for one memory.
type Action string

const (
	ActionProcess Action = "process"
	ActionSkip    Action = "skip"
)

// Reason explains why a memory is processed.
const (
	ReasonNew       = "new"
	ReasonChanged   = "changed"
	ReasonVersion   = "extraction_version"
	ReasonReindex   = "reindex_all"
	ReasonUnchanged = "unchanged"
)

// Item is the plan entry for one memory.
type Item struct {
	Memory      *memory.Memory
	Fingerprint string
	Action      Action
	Reason      string
}

// Plan is the ordered classification of an in-scope memory set.
type Plan struct {
	Items []Item
}

// Process returns the items to process, in memory id order.
func (p *Plan) Process() []Item {
	return p.filter(ActionProcess)
}

// Skipped returns the items that are up to date.
func (p *Plan) Skipped() []Item {
	return p.filter(ActionSkip)
}

func (p *Plan) filter(a Action) []Item {
	var out []Item
	for _, it := range p.Items {
		if it.Action == a {
			out = append(out, it)
		}
	}
	return out
}

// FingerprintReader returns recorded fingerprints; store.Graph satisfies it.
type FingerprintReader interface {
	GetFingerprint(ctx context.Context, memoryID string) (*store.ProcessedMemory, error)
}

// NewPlan classifies memories. A memory is processed when it was never built, its
// content fingerprint differs from the recorded one, or reindexAll is set.
// Memories are ordered by id so builds are reproducible.
func NewPlan(ctx context.Context, fr FingerprintReader, memories []*memory.Memory, extractionVersion string, reindexAll bool) (*Plan, error) {
	sorted := append([]*memory.Memory(nil), memories...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	plan := &Plan{Items: make([]Item, 0, len(sorted))}
	for i, m := range sorted {
		if i > 0 && sorted[i-1].ID == m.ID {
			continue
		}
		fp := memory.Fingerprint(m, extractionVersion)
		item := Item{Memory: m, Fingerprint: fp, Action: ActionProcess}

		recorded, err := fr.GetFingerprint(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read fingerprint for memory %s: %w", m.ID, err)
		}
		switch {
		case reindexAll:
			item.Reason = ReasonReindex
		case recorded == nil:
			item.Reason = ReasonNew
		case recorded.ExtractionVersion != extractionVersion:
			item.Reason = ReasonVersion
		case recorded.Fingerprint != fp:
			item.Reason = ReasonChanged
		default:
			item.Action = ActionSkip
			item.Reason = ReasonUnchanged
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, nil
}

// Diff returns the ids in previous that are absent from current, sorted.
func Diff(previous, current []string) []string {
	keep := make(map[string]bool, len(current))
	for _, id := range current {
		keep[id] = true
	}
	lost := []string{}
	seen := make(map[string]bool, len(previous))
	for _, id := range previous {
		if !keep[id] && !seen[id] {
			seen[id] = true
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	return lost
}

// ReferenceCounter reports how many memories reference a node; store.Graph satisfies it.
type ReferenceCounter interface {
	CountEntityReferences(ctx context.Context, entityID string) (int, error)
	CountRelationshipReferences(ctx context.Context, relationshipID string) (int, error)
}

// Lost is the set of nodes a memory stopped referencing.
type Lost struct {
	EntityIDs       []string
	RelationshipIDs []string
}

// Empty reports whether nothing was lost.
func (l Lost) Empty() bool {
	return len(l.EntityIDs) == 0 && len(l.RelationshipIDs) == 0
}

// Orphans narrows lost to the nodes no memory references any more.
func Orphans(ctx context.Context, rc ReferenceCounter, lost Lost) (Lost, error) {
	out := Lost{EntityIDs: []string{}, RelationshipIDs: []string{}}
	for _, id := range lost.EntityIDs {
		n, err := rc.CountEntityReferences(ctx, id)
		if err != nil {
			return Lost{}, err
		}
		if n == 0 {
			out.EntityIDs = append(out.EntityIDs, id)
		}
	}
	for _, id := range lost.RelationshipIDs {
		n, err := rc.CountRelationshipReferences(ctx, id)
		if err != nil {
			return Lost{}, err
		}
		if n == 0 {
			out.RelationshipIDs = append(out.RelationshipIDs, id)
		}
	}
	return out, nil
}

// Stale returns the tracked memory ids that no longer exist in live, sorted.
// Only meaningful for a full-scope build, where live is the whole memory store.
func Stale(tracked []string, live []*memory.Memory) []string {
	ids := make([]string, len(live))
	for i, m := range live {
		ids[i] = m.ID
	}
	return Diff(tracked, ids)
}
