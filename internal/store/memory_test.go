package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
)

func TestMemorySaveAndGet(t *testing.T) {
	s := NewMemory(zap.NewNop())
	ctx := context.Background()
	conv := sampleConversation()

	require.NoError(t, s.Save(ctx, conv))

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, conv.State, got.State)

	// Mutating the returned copy must not touch the stored record.
	got.Messages = append(got.Messages, schemas.Message{Role: schemas.RoleUser, Content: "extra"})
	again, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, again.Messages, 1)
}

func TestMemoryGet_NotFound(t *testing.T) {
	s := NewMemory(zap.NewNop())
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySave_VersionConflict(t *testing.T) {
	s := NewMemory(zap.NewNop())
	ctx := context.Background()

	conv := sampleConversation()
	require.NoError(t, s.Save(ctx, conv))

	// Skipping a version means someone else wrote in between.
	stale := sampleConversation()
	stale.Version = 3
	assert.ErrorIs(t, s.Save(ctx, stale), ErrVersionConflict)

	next := sampleConversation()
	next.Version = 2
	assert.NoError(t, s.Save(ctx, next))
}

func TestMemoryListByUser_SortedByActivity(t *testing.T) {
	s := NewMemory(zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	older := sampleConversation()
	older.ID = "conv-old"
	older.Metadata.LastUpdateTime = now.Add(-time.Hour)
	require.NoError(t, s.Save(ctx, older))

	newer := sampleConversation()
	newer.ID = "conv-new"
	newer.Metadata.LastUpdateTime = now
	require.NoError(t, s.Save(ctx, newer))

	other := sampleConversation()
	other.ID = "conv-other"
	other.UserID = "someone-else"
	require.NoError(t, s.Save(ctx, other))

	summaries, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "conv-new", summaries[0].ID)
	assert.Equal(t, "conv-old", summaries[1].ID)
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemory(zap.NewNop())
	ctx := context.Background()

	conv := sampleConversation()
	require.NoError(t, s.Save(ctx, conv))
	require.NoError(t, s.Delete(ctx, conv.ID))
	assert.ErrorIs(t, s.Delete(ctx, conv.ID), ErrNotFound)
	assert.Equal(t, 0, s.Len())
}
