package knowledge

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
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "knowledge.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Put(ctx, "deploy-steps", "1. build 2. push")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, err := store.Get(ctx, "deploy-steps")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, "1. build 2. push", e.Content)
}

func TestPutUpsertsByTopic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id1, err := store.Put(ctx, "deploy-steps", "old")
	require.NoError(t, err)
	id2, err := store.Put(ctx, "deploy-steps", "new")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	e, err := store.Get(ctx, "deploy-steps")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "new", e.Content)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPutRejectsEmptyTopic(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put(context.Background(), "  ", "content")
	assert.ErrorContains(t, err, "must not be empty")
}

func TestGetAbsent(t *testing.T) {
	store := newTestStore(t)

	e, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, "deploy-web", "web steps")
	require.NoError(t, err)
	_, err = store.Put(ctx, "deploy-db", "db steps")
	require.NoError(t, err)
	_, err = store.Put(ctx, "oncall", "rotation")
	require.NoError(t, err)

	entries, err := store.Match(ctx, "^deploy-")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deploy-db", entries[0].Topic)
	assert.Equal(t, "deploy-web", entries[1].Topic)
}

func TestMatchInvalidPattern(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Match(context.Background(), "[unterminated")
	assert.ErrorContains(t, err, "invalid pattern")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, "deploy-steps", "x")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "deploy-steps"))

	e, err := store.Get(ctx, "deploy-steps")
	require.NoError(t, err)
	assert.Nil(t, e)
}
