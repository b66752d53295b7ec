package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadCert(t *testing.T) {
	store := openTestStore(t)

	_, _, _, err := store.LoadCert()
	assert.Error(t, err, "LoadCert should fail before anything is saved")

	require.NoError(t, store.SaveCert([]byte("leaf"), []byte("key"), []byte("ca")))

	leaf, key, ca, err := store.LoadCert()
	require.NoError(t, err)
	assert.Equal(t, []byte("leaf"), leaf)
	assert.Equal(t, []byte("key"), key)
	assert.Equal(t, []byte("ca"), ca)
}

func TestSuppressionLifecycle(t *testing.T) {
	store := openTestStore(t)

	suppressed, err := store.IsSuppressed("worker-1")
	require.NoError(t, err)
	assert.False(t, suppressed)

	require.NoError(t, store.SuppressMember("worker-1"))
	suppressed, err = store.IsSuppressed("worker-1")
	require.NoError(t, err)
	assert.True(t, suppressed)

	list, err := store.ListSuppressed()
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, list)

	require.NoError(t, store.Unsuppress("worker-1"))
	suppressed, err = store.IsSuppressed("worker-1")
	require.NoError(t, err)
	assert.False(t, suppressed)
}
