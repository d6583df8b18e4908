package storage_test

import (
	"encoding/json"
	"testing"

	"github.com/forgegate/forgegate/crypto"
	"github.com/forgegate/forgegate/storage"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendCRUD(t *testing.T) {
	backend := storage.NewMemoryBackend()

	require.NoError(t, backend.Store("a", []byte("alpha")))
	require.NoError(t, backend.Store("b", []byte("beta")))

	value, err := backend.Retrieve("a")
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), value)

	keys, err := backend.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	stats, err := backend.Stats()
	require.NoError(t, err)
	require.Equal(t, "memory", stats.Name)
	require.Equal(t, 2, stats.Keys)
	require.Equal(t, int64(9), stats.TotalBytes)

	require.NoError(t, backend.Remove("a"))
	_, err = backend.Retrieve("a")
	require.ErrorIs(t, err, storage.NotFoundErr)
	require.ErrorIs(t, backend.Remove("a"), storage.NotFoundErr)

	require.NoError(t, backend.Clear())
	keys, err = backend.List()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	backend := storage.NewMemoryBackend()

	value := []byte("original")
	require.NoError(t, backend.Store("k", value))
	value[0] = 'X'

	stored, err := backend.Retrieve("k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), stored)
}

func TestSnapshotRoundTrip(t *testing.T) {
	cryptoService, err := crypto.NewService()
	require.NoError(t, err)

	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Store("s1", mustJSON(t, map[string]string{"userId": "u1"})))
	require.NoError(t, backend.Store("s2", mustJSON(t, map[string]string{"userId": "u2"})))

	snapshotter, err := storage.NewSnapshotter(backend, cryptoService)
	require.NoError(t, err)

	artifact, err := snapshotter.Create("backup-password")
	require.NoError(t, err)

	// Mutate the backend; restore must replace, not merge.
	require.NoError(t, backend.Remove("s1"))
	require.NoError(t, backend.Store("s3", []byte(`{"userId":"u3"}`)))

	snapshot, err := snapshotter.Restore(artifact, "backup-password")
	require.NoError(t, err)
	require.Equal(t, 2, snapshot.SessionCount)
	require.Equal(t, "memory", snapshot.Backend)

	keys, err := backend.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, keys)
}

func TestSnapshotRestoreWrongPassword(t *testing.T) {
	cryptoService, err := crypto.NewService()
	require.NoError(t, err)

	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Store("s1", []byte(`{}`)))

	snapshotter, err := storage.NewSnapshotter(backend, cryptoService)
	require.NoError(t, err)

	artifact, err := snapshotter.Create("right")
	require.NoError(t, err)

	_, err = snapshotter.Restore(artifact, "wrong")
	require.ErrorIs(t, err, crypto.IntegrityFailureErr)

	// A failed restore must not clear the backend.
	keys, err := backend.List()
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, keys)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
