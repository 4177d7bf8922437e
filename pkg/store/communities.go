package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

const communityColumns = `id, level, parent_id, entity_count, resolution, modularity, created_at, updated_at`

// ListCommunities returns the communities of one level with their members, ordered by id.
func (g *graph) ListCommunities(ctx context.Context, level int) ([]*Community, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT `+communityColumns+` FROM communities WHERE level = ? ORDER BY id`, level)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	communities, err := collectCommunities(rows)
	if err != nil {
		return nil, err
	}
	if err := g.attachMembers(ctx, communities, "WHERE level = ?", level); err != nil {
		return nil, err
	}
	return communities, nil
}

// GetCommunity retrieves a community and its members. Returns (nil, nil) when not found.
func (g *graph) GetCommunity(ctx context.Context, id string) (*Community, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+communityColumns+` FROM communities WHERE id = ?`, id)
	c, err := scanCommunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	if err := g.attachMembers(ctx, []*Community{c}, "WHERE community_id = ?", id); err != nil {
		return nil, err
	}
	return c, nil
}

// CommunityMembers returns the sorted entity ids of a community.
func (g *graph) CommunityMembers(ctx context.Context, communityID string) ([]string, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT entity_id FROM community_members WHERE community_id = ? ORDER BY entity_id`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query community members: %w", err)
	}
	return scanStrings(rows)
}

// CommunityLevelCount returns how many distinct levels are currently stored.
func (g *graph) CommunityLevelCount(ctx context.Context) (int, error) {
	var n int
	if err := g.q.QueryRowContext(ctx, "SELECT COUNT(DISTINCT level) FROM communities").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count community levels: %w", err)
	}
	return n, nil
}

// ReplaceCommunityLevels swaps the stored hierarchy for levels. Communities whose id
// appears on both sides are kept along with their reports; the rest are deleted or
// created. Levels stored but absent from the input are dropped entirely.
//
// On a Tx the swap is part of the surrounding transaction. SQLiteGraphStore wraps it
// in its own transaction.
func (g *graph) ReplaceCommunityLevels(ctx context.Context, levels []CommunityLevel) (*SwapResult, error) {
	rows, err := g.q.QueryContext(ctx, `SELECT `+communityColumns+` FROM communities ORDER BY level, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load communities: %w", err)
	}
	existing, err := collectCommunities(rows)
	if err != nil {
		return nil, err
	}
	old := make(map[string]*Community, len(existing))
	for _, c := range existing {
		old[c.ID] = c
	}

	incoming := make(map[string]*Community)
	var ordered []*Community
	for _, lvl := range levels {
		for _, c := range lvl.Communities {
			c.Level = lvl.Level
			incoming[c.ID] = c
			ordered = append(ordered, c)
		}
	}

	result := &SwapResult{}
	for _, c := range existing {
		if _, ok := incoming[c.ID]; !ok {
			result.Deleted = append(result.Deleted, c)
		}
	}

	// Defunct communities go first so their member slots are free for the new ones.
	for _, c := range result.Deleted {
		report, err := g.GetReportByCommunity(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if report != nil {
			result.DeletedReports = append(result.DeletedReports, report)
			if err := g.QueueVectorDelete(ctx, NodeKindReport, report.ID); err != nil {
				return nil, err
			}
		}
		for _, stmt := range []string{
			`DELETE FROM community_reports WHERE community_id = ?`,
			`DELETE FROM community_members WHERE community_id = ?`,
			`DELETE FROM communities WHERE id = ?`,
		} {
			if _, err := g.q.ExecContext(ctx, stmt, c.ID); err != nil {
				return nil, fmt.Errorf("failed to delete community %s: %w", c.ID, err)
			}
		}
	}

	now := time.Now().UTC()
	for _, c := range ordered {
		c.EntityCount = len(c.EntityIDs)
		if prev, ok := old[c.ID]; ok {
			c.CreatedAt = prev.CreatedAt
			c.UpdatedAt = now
			if _, err := g.q.ExecContext(ctx,
				`UPDATE communities SET parent_id = NULL, resolution = ?, modularity = ?, updated_at = ? WHERE id = ?`,
				c.Resolution, c.Modularity, c.UpdatedAt, c.ID); err != nil {
				return nil, fmt.Errorf("failed to update community: %w", err)
			}
			result.Kept = append(result.Kept, c)
			continue
		}

		c.CreatedAt, c.UpdatedAt = now, now
		if _, err := g.q.ExecContext(ctx, `
			INSERT INTO communities (`+communityColumns+`)
			VALUES (?, ?, NULL, ?, ?, ?, ?, ?)`,
			c.ID, c.Level, c.EntityCount, c.Resolution, c.Modularity, c.CreatedAt, c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to insert community: %w", err)
		}
		for _, entityID := range c.EntityIDs {
			if _, err := g.q.ExecContext(ctx,
				`INSERT INTO community_members (community_id, entity_id, level) VALUES (?, ?, ?)`,
				c.ID, entityID, c.Level); err != nil {
				return nil, fmt.Errorf("failed to insert community member: %w", err)
			}
		}
		result.Created = append(result.Created, c)
	}

	// Parents are linked once every community of every level exists.
	for _, c := range ordered {
		if c.ParentID == nil {
			continue
		}
		if _, err := g.q.ExecContext(ctx,
			`UPDATE communities SET parent_id = ? WHERE id = ?`, *c.ParentID, c.ID); err != nil {
			return nil, fmt.Errorf("failed to link community parent: %w", err)
		}
	}

	return result, nil
}

// ReplaceCommunityLevels swaps the whole hierarchy in a single transaction.
func (s *SQLiteGraphStore) ReplaceCommunityLevels(ctx context.Context, levels []CommunityLevel) (*SwapResult, error) {
	var result *SwapResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.graph.ReplaceCommunityLevels(ctx, levels)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CommunitiesMissingReports returns communities that have no report yet, ordered by
// level then id.
func (g *graph) CommunitiesMissingReports(ctx context.Context) ([]*Community, error) {
	rows, err := g.q.QueryContext(ctx, `
		SELECT c.id, c.level, c.parent_id, c.entity_count, c.resolution, c.modularity, c.created_at, c.updated_at
		FROM communities c
		LEFT JOIN community_reports r ON r.community_id = c.id
		WHERE r.id IS NULL
		ORDER BY c.level, c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query communities without reports: %w", err)
	}
	communities, err := collectCommunities(rows)
	if err != nil {
		return nil, err
	}
	if err := g.attachMembers(ctx, communities, ""); err != nil {
		return nil, err
	}
	return communities, nil
}

// attachMembers fills EntityIDs for communities from community_members rows matching filter.
func (g *graph) attachMembers(ctx context.Context, communities []*Community, filter string, args ...interface{}) error {
	if len(communities) == 0 {
		return nil
	}
	byID := make(map[string]*Community, len(communities))
	for _, c := range communities {
		c.EntityIDs = nil
		byID[c.ID] = c
	}

	rows, err := g.q.QueryContext(ctx,
		`SELECT community_id, entity_id FROM community_members `+filter+` ORDER BY entity_id`, args...)
	if err != nil {
		return fmt.Errorf("failed to query community members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var communityID, entityID string
		if err := rows.Scan(&communityID, &entityID); err != nil {
			return fmt.Errorf("failed to scan community member: %w", err)
		}
		if c, ok := byID[communityID]; ok {
			c.EntityIDs = append(c.EntityIDs, entityID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating community members: %w", err)
	}
	for _, c := range communities {
		sort.Strings(c.EntityIDs)
	}
	return nil
}

func collectCommunities(rows *sql.Rows) ([]*Community, error) {
	defer rows.Close()
	var out []*Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating communities: %w", err)
	}
	return out, nil
}

func scanCommunity(row rowScanner) (*Community, error) {
	var (
		c        Community
		parentID sql.NullString
	)
	err := row.Scan(&c.ID, &c.Level, &parentID, &c.EntityCount, &c.Resolution, &c.Modularity,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		c.ParentID = &p
	}
	return &c, nil
}
