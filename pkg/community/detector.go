// Package community partitions the entity graph into hierarchical communities with
// Louvain modularity clustering. The partition is a pure function of topology:
// identical graphs produce identical communities, down to their ids.
package community

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dan-solli/graphrag/pkg/store"
)

const (
	DefaultResolution = 1.0
	defaultMaxSweeps  = 100
)

// namespace seeds community ids.
var namespace = uuid.MustParse("6f1c1d4e-8c1b-4e53-9d43-2b7f0c9a5e10")

// Edge is an undirected weighted connection between two entity ids.
type Edge struct {
	Source string
	Target string
	Weight float64
}

// Graph is the clustering input.
type Graph struct {
	Nodes []string
	Edges []Edge
}

// Options configures detection.
type Options struct {
	// Levels is the number of hierarchy levels to produce (at least 1).
	Levels int
	// Resolution is the modularity resolution parameter gamma. Higher values give
	// smaller communities. Zero means DefaultResolution.
	Resolution float64
	// MaxSweeps bounds local-moving sweeps per level. Zero means 100.
	MaxSweeps int
}

// Cluster is one community in the detected hierarchy.
type Cluster struct {
	ID       string
	Level    int
	Members  []string // sorted entity ids
	ParentID string   // empty at the top level
	Children []string // ids of the clusters one level down
}

// Level is one complete partition of the entities.
type Level struct {
	Level      int
	Modularity float64
	Clusters   []*Cluster
}

// Detect clusters g into opts.Levels levels. Level 0 groups entities; level L
// groups the clusters of level L-1. When a pass finds nothing left to merge, higher
// levels repeat the partition under their own ids.
func Detect(g Graph, opts Options) ([]Level, error) {
	if opts.Levels < 1 {
		return nil, fmt.Errorf("community levels must be at least 1, got %d", opts.Levels)
	}
	gamma := opts.Resolution
	if gamma <= 0 {
		gamma = DefaultResolution
	}
	sweeps := opts.MaxSweeps
	if sweeps <= 0 {
		sweeps = defaultMaxSweeps
	}

	ids := uniqueSorted(g.Nodes, g.Edges)
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	self := make([]float64, len(ids))
	pairs := make(map[[2]int]float64)
	for _, e := range g.Edges {
		if e.Weight <= 0 || e.Source == "" || e.Target == "" {
			continue
		}
		i, j := index[e.Source], index[e.Target]
		switch {
		case i == j:
			self[i] += 2 * e.Weight
		case i < j:
			pairs[[2]int{i, j}] += e.Weight
		default:
			pairs[[2]int{j, i}] += e.Weight
		}
	}
	current := newWeightedGraph(len(ids), pairs, self)

	// members[i] holds the entity ids behind node i of current.
	members := make([][]string, len(ids))
	for i, id := range ids {
		members[i] = []string{id}
	}

	levels := make([]Level, 0, opts.Levels)
	for lvl := 0; lvl < opts.Levels; lvl++ {
		comm := localMove(current, gamma, sweeps)
		n := count(comm)

		grouped := make([][]string, n)
		for i, c := range comm {
			grouped[c] = append(grouped[c], members[i]...)
		}
		level := Level{Level: lvl, Modularity: modularity(current, comm, gamma), Clusters: make([]*Cluster, n)}
		for c := range grouped {
			sort.Strings(grouped[c])
			level.Clusters[c] = &Cluster{ID: ID(lvl, grouped[c]), Level: lvl, Members: grouped[c]}
		}
		if lvl > 0 {
			below := levels[lvl-1].Clusters
			for i, c := range comm {
				parent := level.Clusters[c]
				below[i].ParentID = parent.ID
				parent.Children = append(parent.Children, below[i].ID)
			}
		}
		levels = append(levels, level)

		current = aggregate(current, comm)
		members = grouped
	}
	return levels, nil
}

// ID derives a community id from its level and sorted member ids.
func ID(level int, sortedMembers []string) string {
	name := strconv.Itoa(level) + "|" + strings.Join(sortedMembers, ",")
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// ToStore converts detected levels into the store's replacement format.
func ToStore(levels []Level, resolution float64) []store.CommunityLevel {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	out := make([]store.CommunityLevel, 0, len(levels))
	for _, l := range levels {
		sl := store.CommunityLevel{Level: l.Level, Communities: make([]*store.Community, 0, len(l.Clusters))}
		for _, c := range l.Clusters {
			sc := &store.Community{
				ID:          c.ID,
				Level:       c.Level,
				EntityCount: len(c.Members),
				Resolution:  resolution,
				Modularity:  l.Modularity,
				EntityIDs:   append([]string(nil), c.Members...),
			}
			if c.ParentID != "" {
				parent := c.ParentID
				sc.ParentID = &parent
			}
			sl.Communities = append(sl.Communities, sc)
		}
		out = append(out, sl)
	}
	return out
}

// TopologyReader lists the graph's nodes and edges.
type TopologyReader interface {
	ListEntities(ctx context.Context) ([]*store.Entity, error)
	ListRelationships(ctx context.Context) ([]*store.Relationship, error)
}

// LoadGraph reads the current topology. Relationship strength is the edge weight;
// direction is ignored and parallel edges are summed during detection.
func LoadGraph(ctx context.Context, r TopologyReader) (Graph, error) {
	entities, err := r.ListEntities(ctx)
	if err != nil {
		return Graph{}, fmt.Errorf("failed to list entities: %w", err)
	}
	rels, err := r.ListRelationships(ctx)
	if err != nil {
		return Graph{}, fmt.Errorf("failed to list relationships: %w", err)
	}

	g := Graph{Nodes: make([]string, len(entities)), Edges: make([]Edge, len(rels))}
	for i, e := range entities {
		g.Nodes[i] = e.ID
	}
	for i, r := range rels {
		g.Edges[i] = Edge{Source: r.SourceEntityID, Target: r.TargetEntityID, Weight: r.Strength}
	}
	return g, nil
}

// Replacer is the store surface a rebuild needs.
type Replacer interface {
	TopologyReader
	ReplaceCommunityLevels(ctx context.Context, levels []store.CommunityLevel) (*store.SwapResult, error)
}

// Rebuild recomputes the hierarchy from the stored topology and swaps it in.
func Rebuild(ctx context.Context, r Replacer, opts Options) (*store.SwapResult, []Level, error) {
	g, err := LoadGraph(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	levels, err := Detect(g, opts)
	if err != nil {
		return nil, nil, err
	}
	swap, err := r.ReplaceCommunityLevels(ctx, ToStore(levels, opts.Resolution))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to replace community levels: %w", err)
	}
	return swap, levels, nil
}

func uniqueSorted(nodes []string, edges []Edge) []string {
	set := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		set[n] = true
	}
	for _, e := range edges {
		set[e.Source] = true
		set[e.Target] = true
	}
	out := make([]string, 0, len(set))
	for n := range set {
		if n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
