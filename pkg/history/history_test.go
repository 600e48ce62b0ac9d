package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append("alice", "first", 1000.5))
	require.NoError(t, store.Append("bob", "second", 1001.5))
	require.NoError(t, store.Append("alice", "third", 1002.5))

	entries, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// oldest first
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "third", entries[2].Message)
	assert.Equal(t, "bob", entries[1].Sender)
	assert.Equal(t, 1001.5, entries[1].Timestamp)
}

func TestRecentLimit(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append("alice", string(rune('a'+i)), float64(i)))
	}

	entries, err := store.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// the two newest, still oldest-first
	assert.Equal(t, "d", entries[0].Message)
	assert.Equal(t, "e", entries[1].Message)
}

func TestRecentEmpty(t *testing.T) {
	store := openTestStore(t)

	entries, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCount(t *testing.T) {
	store := openTestStore(t)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, store.Append("alice", "hi", 1))
	count, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Append("alice", "survives restart", 42))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "survives restart", entries[0].Message)
}
