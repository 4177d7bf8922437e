package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorDeleteQueue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueueVectorDelete(ctx, NodeKindEntity, "e1"))
	require.NoError(t, s.QueueVectorDelete(ctx, NodeKindReport, "r1"))
	require.NoError(t, s.QueueVectorDelete(ctx, NodeKindEntity, "e1"), "queueing twice is harmless")

	pending, err := s.PendingVectorDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.ClearVectorDeletes(ctx, []PendingVectorDelete{{Kind: NodeKindEntity, NodeID: "e1"}}))
	pending, err = s.PendingVectorDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, NodeKindReport, pending[0].Kind)
	assert.Equal(t, "r1", pending[0].NodeID)

	require.NoError(t, s.ClearVectorDeletes(ctx, nil))
}

func TestDeleteEntity_QueuesVectorDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	kept := mustEntity(t, s, "Kept")
	rolled := mustEntity(t, s, "RolledBack")
	gone := mustEntity(t, s, "Gone")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.DeleteEntity(ctx, rolled.ID))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteEntity(ctx, gone.ID)
	}))

	pending, err := s.PendingVectorDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the queue commits and rolls back with the deletion")
	assert.Equal(t, PendingVectorDelete{Kind: NodeKindEntity, NodeID: gone.ID, QueuedAt: pending[0].QueuedAt}, pending[0])

	still, err := s.GetEntity(ctx, kept.ID)
	require.NoError(t, err)
	assert.NotNil(t, still)
}

func TestReplaceCommunityLevels_QueuesReportVectorDeletes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := mustEntity(t, s, "A")

	_, err := s.ReplaceCommunityLevels(ctx, []CommunityLevel{{Level: 0, Communities: []*Community{
		{ID: "c-a", EntityIDs: []string{a.ID}, Resolution: 1},
	}}})
	require.NoError(t, err)
	r := &CommunityReport{CommunityID: "c-a", Title: "A"}
	require.NoError(t, s.SaveReport(ctx, r))

	_, err = s.ReplaceCommunityLevels(ctx, []CommunityLevel{{Level: 0, Communities: []*Community{
		{ID: "c-a2", EntityIDs: []string{a.ID}, Resolution: 1},
	}}})
	require.NoError(t, err)

	pending, err := s.PendingVectorDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, NodeKindReport, pending[0].Kind)
	assert.Equal(t, r.ID, pending[0].NodeID)
}

func TestMissingEmbeddings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")
	vid := "entity:" + a.ID
	require.NoError(t, s.SetEntityEmbeddingID(ctx, a.ID, &vid))

	entities, err := s.EntitiesMissingEmbedding(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, b.ID, entities[0].ID)

	_, err = s.ReplaceCommunityLevels(ctx, []CommunityLevel{{Level: 0, Communities: []*Community{
		{ID: "c-a", EntityIDs: []string{a.ID}, Resolution: 1},
		{ID: "c-b", EntityIDs: []string{b.ID}, Resolution: 1},
	}}})
	require.NoError(t, err)
	indexed := &CommunityReport{CommunityID: "c-a", Title: "A"}
	require.NoError(t, s.SaveReport(ctx, indexed))
	require.NoError(t, s.SaveReport(ctx, &CommunityReport{CommunityID: "c-b", Title: "B"}))
	rid := "report:" + indexed.ID
	require.NoError(t, s.SetReportEmbeddingID(ctx, indexed.ID, &rid))

	reports, err := s.ReportsMissingEmbedding(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "c-b", reports[0].CommunityID)
}
