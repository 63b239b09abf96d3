package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCursor_LoadsPersistedValue(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.SetLastUSN(context.Background(), 42))

	c, err := NewCursor(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.Get())
}

func TestCursor_AdvanceIsMonotonic(t *testing.T) {
	c, err := NewCursor(context.Background(), newFakeStore(), zap.NewNop())
	require.NoError(t, err)

	c.Advance(10)
	c.Advance(5)
	assert.Equal(t, uint64(10), c.Get())

	c.Advance(11)
	assert.Equal(t, uint64(11), c.Get())
}

func TestCursor_CommitPersists(t *testing.T) {
	store := newFakeStore()
	c, err := NewCursor(context.Background(), store, zap.NewNop())
	require.NoError(t, err)

	c.Advance(99)
	require.NoError(t, c.Commit(context.Background()))

	persisted, err := store.LastUSN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), persisted)
}

func TestCursor_CommitNeverRewinds(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.SetLastUSN(context.Background(), 100))

	c, err := NewCursor(context.Background(), store, zap.NewNop())
	require.NoError(t, err)

	// Another writer moved the persisted value past ours.
	require.NoError(t, store.SetLastUSN(context.Background(), 200))
	c.Advance(150)
	require.NoError(t, c.Commit(context.Background()))

	persisted, err := store.LastUSN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200), persisted)
}
