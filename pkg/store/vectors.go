package store

import (
	"context"
	"fmt"
	"time"
)

// Kinds of graph node that own a vector.
const (
	NodeKindEntity = "entity"
	NodeKindReport = "report"
)

// PendingVectorDelete is a vector whose node is gone but whose removal from the
// vector store has not been confirmed yet.
type PendingVectorDelete struct {
	Kind     string
	NodeID   string
	QueuedAt time.Time
}

// QueueVectorDelete records that the vector of a deleted node must be removed. On
// a Tx the row commits together with the node deletion.
func (g *graph) QueueVectorDelete(ctx context.Context, kind, nodeID string) error {
	_, err := g.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_vector_deletes (kind, node_id, queued_at)
		VALUES (?, ?, ?)`, kind, nodeID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to queue vector delete: %w", err)
	}
	return nil
}

// PendingVectorDeletes returns every queued vector delete, oldest first.
func (g *graph) PendingVectorDeletes(ctx context.Context) ([]PendingVectorDelete, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT kind, node_id, queued_at FROM pending_vector_deletes ORDER BY queued_at, kind, node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending vector deletes: %w", err)
	}
	defer rows.Close()

	var out []PendingVectorDelete
	for rows.Next() {
		var p PendingVectorDelete
		if err := rows.Scan(&p.Kind, &p.NodeID, &p.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending vector delete: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearVectorDeletes drops queued deletes once the vector store confirmed them.
func (g *graph) ClearVectorDeletes(ctx context.Context, done []PendingVectorDelete) error {
	for _, p := range done {
		if _, err := g.q.ExecContext(ctx,
			`DELETE FROM pending_vector_deletes WHERE kind = ? AND node_id = ?`, p.Kind, p.NodeID); err != nil {
			return fmt.Errorf("failed to clear vector delete: %w", err)
		}
	}
	return nil
}
