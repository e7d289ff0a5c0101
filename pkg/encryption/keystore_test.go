package encryption

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileKeyStore(dir, testLogger())
	require.NoError(t, err)

	older := fixedSecret("older", 1, time.Hour)
	newer := fixedSecret("newer", 2, 0)
	require.NoError(t, store.StoreSecret(older))
	require.NoError(t, store.StoreSecret(newer))

	loaded, err := store.LoadSecrets()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, "newer", loaded[0].ID)
	assert.Equal(t, newer.Key, loaded[0].Key)
	assert.Equal(t, "older", loaded[1].ID)
	assert.True(t, older.CreatedAt.Equal(loaded[1].CreatedAt))
}

func TestFileKeyStoreDoesNotWriteRawKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileKeyStore(dir, testLogger())
	require.NoError(t, err)

	secret := fixedSecret("s", 7, 0)
	require.NoError(t, store.StoreSecret(secret))

	meta, err := os.ReadFile(filepath.Join(dir, "s.key"))
	require.NoError(t, err)
	assert.NotContains(t, string(meta), "key\"")

	data, err := os.ReadFile(filepath.Join(dir, "s.keydata"))
	require.NoError(t, err)
	assert.NotEqual(t, secret.Key, data)
}

func TestFileKeyStoreSkipsBrokenEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileKeyStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.StoreSecret(fixedSecret("good", 1, 0)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.key"), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.key"), []byte(`{"id":"orphan"}`), 0600))

	loaded, err := store.LoadSecrets()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "good", loaded[0].ID)
}

func TestFileKeyStoreDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileKeyStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.StoreSecret(fixedSecret("gone", 1, 0)))
	require.NoError(t, store.DeleteSecret("gone"))
	require.NoError(t, store.DeleteSecret("never-existed"))

	loaded, err := store.LoadSecrets()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestOpenKeyRingPersistsFirstSecret(t *testing.T) {
	store := NewMemoryKeyStore()

	ring, err := OpenKeyRing(DefaultKeyRingConfig(), store, testLogger())
	require.NoError(t, err)
	first, ok := ring.Latest()
	require.True(t, ok)

	reopened, err := OpenKeyRing(DefaultKeyRingConfig(), store, testLogger())
	require.NoError(t, err)
	again, ok := reopened.Latest()
	require.True(t, ok)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Key, again.Key)
}

func TestOpenKeyRingClusteredIgnoresStore(t *testing.T) {
	store := NewMemoryKeyStore()
	require.NoError(t, store.StoreSecret(fixedSecret("persisted", 1, 0)))

	ring, err := OpenKeyRing(KeyRingConfig{Clustered: true}, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, ring.Len())
}
