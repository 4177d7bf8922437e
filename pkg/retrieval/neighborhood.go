package retrieval

import (
	"context"
	"sort"

	"github.com/dan-solli/graphrag/pkg/store"
)

// Seed is a starting entity for expansion with its relevance in [0,1].
type Seed struct {
	EntityID string
	Score    float64
}

// Neighbor is an entity reached by expansion.
type Neighbor struct {
	Entity *store.Entity
	Depth  int // 0 for seeds
	// PathStrength is the weakest edge strength on the best path; MaxStrength for seeds.
	PathStrength float64
	Score        float64
	// Via is the edge the entity was reached through; nil for seeds.
	Via *store.Relationship
}

type visit struct {
	id       string
	depth    int
	strength float64
	boost    float64
}

// Expand walks outward from seeds over edges of at least cfg.MinEdgeWeight, up to
// cfg.MaxDepth hops, ignoring direction. A neighbor scores
// boost * 1/(1+depth) * pathStrength/MaxStrength, where boost is the seed's score
// when cfg.EntitySimilarityBoost is set and 1 otherwise. Each entity keeps its best
// score. Results are ordered by score, then name.
func (r *Reader) Expand(ctx context.Context, seeds []Seed, cfg LocalConfig) ([]Neighbor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, ErrNoSeeds
	}

	best := make(map[string]*Neighbor)
	expanded := make(map[string]visit)
	var queue []visit

	for _, s := range seeds {
		e, err := r.graph.GetEntity(ctx, s.EntityID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		boost := 1.0
		if cfg.EntitySimilarityBoost && s.Score > 0 {
			boost = s.Score
		}
		offer(best, &Neighbor{Entity: e, PathStrength: store.MaxStrength, Score: boost})
		queue = append(queue, visit{id: e.ID, strength: store.MaxStrength, boost: boost})
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= cfg.MaxDepth {
			continue
		}
		// A previous expansion from the same entity dominates this one.
		if prev, ok := expanded[current.id]; ok && prev.depth <= current.depth &&
			prev.strength*prev.boost >= current.strength*current.boost {
			continue
		}
		expanded[current.id] = current

		edges, err := r.graph.GetEdges(ctx, current.id)
		if err != nil {
			return nil, err
		}
		next := current.depth + 1
		for _, edge := range edges {
			if edge.Strength < cfg.MinEdgeWeight {
				continue
			}
			other := edge.TargetEntityID
			if other == current.id {
				other = edge.SourceEntityID
			}
			strength := min(current.strength, edge.Strength)
			score := current.boost / float64(1+next) * strength / store.MaxStrength

			if n, ok := best[other]; ok && n.Score >= score {
				continue
			}
			e, err := r.graph.GetEntity(ctx, other)
			if err != nil {
				return nil, err
			}
			if e == nil {
				continue
			}
			offer(best, &Neighbor{Entity: e, Depth: next, PathStrength: strength, Score: score, Via: edge})
			queue = append(queue, visit{id: other, depth: next, strength: strength, boost: current.boost})
		}
	}

	out := make([]Neighbor, 0, len(best))
	for _, n := range best {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.CanonicalName < out[j].Entity.CanonicalName
	})
	return out, nil
}

// Local finds seed entities for query by similarity and expands around them.
func (r *Reader) Local(ctx context.Context, query string, topK int, cfg LocalConfig) ([]Neighbor, error) {
	hits, err := r.SearchEntities(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	seeds := make([]Seed, len(hits))
	for i, h := range hits {
		seeds[i] = Seed{EntityID: h.Entity.ID, Score: h.Score}
	}
	return r.Expand(ctx, seeds, cfg)
}

func offer(best map[string]*Neighbor, n *Neighbor) {
	if cur, ok := best[n.Entity.ID]; ok && cur.Score >= n.Score {
		return
	}
	best[n.Entity.ID] = n
}
