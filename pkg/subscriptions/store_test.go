package subscriptions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "subscriptions.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestAddAndListActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id1, err := store.Add(ctx, KindFile, "memory/goals.md", 0, 0)
	require.NoError(t, err)
	id2, err := store.Add(ctx, KindLines, "skills/deploy.md", 3, 12)
	require.NoError(t, err)
	id3, err := store.Add(ctx, KindKnowledge, "^deploy", 0, 0)
	require.NoError(t, err)

	subs, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, []string{id1, id2, id3}, []string{subs[0].ID, subs[1].ID, subs[2].ID})
	assert.Equal(t, KindFile, subs[0].Kind)
	assert.Equal(t, KindLines, subs[1].Kind)
	assert.Equal(t, 3, subs[1].StartLine)
	assert.Equal(t, 12, subs[1].EndLine)
	assert.Equal(t, KindKnowledge, subs[2].Kind)
	assert.True(t, subs[0].Active)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Add(ctx, Kind("watch"), "x", 0, 0)
	assert.ErrorContains(t, err, "unknown subscription kind")

	_, err = store.Add(ctx, KindFile, "   ", 0, 0)
	assert.ErrorContains(t, err, "must not be empty")

	_, err = store.Add(ctx, KindLines, "notes.md", 0, 5)
	assert.ErrorContains(t, err, "1 <= start <= end")

	_, err = store.Add(ctx, KindLines, "notes.md", 10, 5)
	assert.ErrorContains(t, err, "1 <= start <= end")
}

func TestDeactivateExcludesFromList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Add(ctx, KindFile, "memory/goals.md", 0, 0)
	require.NoError(t, err)
	require.NoError(t, store.Deactivate(ctx, id))

	subs, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Add(ctx, KindFile, "memory/goals.md", 0, 0)
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, id))

	subs, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Removing an unknown id is a no-op.
	require.NoError(t, store.Remove(ctx, "missing"))
}
