package store

import (
	"context"
	"fmt"
)

// Stats is a point-in-time size of the graph.
type Stats struct {
	Entities      int64
	Relationships int64
	Communities   int64
	Reports       int64
	Levels        int
}

// Stats counts every kind of stored node in one query.
func (g *graph) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := g.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM relationships),
			(SELECT COUNT(*) FROM communities),
			(SELECT COUNT(*) FROM community_reports),
			(SELECT COUNT(DISTINCT level) FROM communities)`).
		Scan(&s.Entities, &s.Relationships, &s.Communities, &s.Reports, &s.Levels)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read graph stats: %w", err)
	}
	return s, nil
}
