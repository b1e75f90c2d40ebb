package dedup

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uplo-tech/fastrand"

	"github.com/frostvault/backup/blockstore"
	"github.com/frostvault/backup/build"
)

func openTestEngine(t *testing.T) (*Engine, *blockstore.Store) {
	dir := build.TempDir(t.Name())
	store, err := blockstore.Open(filepath.Join(dir, "blocks"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e, err := Open(filepath.Join(dir, "dedup"), store)
	require.NoError(t, err)
	return e, store
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	e, _ := openTestEngine(t)
	data := fastrand.Bytes(10_000)

	meta, err := e.Store("file-a", bytes.NewReader(data), int64(len(data)), 4096)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), meta.TotalSize)
	require.Len(t, meta.Blocks, 3) // 4096, 4096, 1808

	var out bytes.Buffer
	require.NoError(t, e.Retrieve("file-a", &out))
	require.Equal(t, data, out.Bytes())
}

func TestStoreDeduplicatesRepeatedBlocks(t *testing.T) {
	e, store := openTestEngine(t)
	block := fastrand.Bytes(4096)
	data := append(append([]byte{}, block...), block...)

	_, err := e.Store("repeated", bytes.NewReader(data), int64(len(data)), 4096)
	require.NoError(t, err)

	stats := store.Stats()
	require.EqualValues(t, 1, stats.UniqueBlocks)
	require.EqualValues(t, 2, stats.TotalRefs)
}

func TestDeleteReleasesBlocksByReference(t *testing.T) {
	e, store := openTestEngine(t)
	data := fastrand.Bytes(4096)

	_, err := e.Store("file-a", bytes.NewReader(data), int64(len(data)), 4096)
	require.NoError(t, err)
	_, err = e.Store("file-b", bytes.NewReader(data), int64(len(data)), 4096)
	require.NoError(t, err)

	require.NoError(t, e.Delete("file-a"))
	// file-b still references the shared block.
	meta, ok := e.Get("file-b")
	require.True(t, ok)
	require.True(t, store.Has(meta.Blocks[0].Hash))

	require.NoError(t, e.Delete("file-b"))
	require.False(t, store.Has(meta.Blocks[0].Hash))
}

func TestVerifyIntegrityDetectsMissingBlock(t *testing.T) {
	e, store := openTestEngine(t)
	data := fastrand.Bytes(4096)

	meta, err := e.Store("file-a", bytes.NewReader(data), int64(len(data)), 4096)
	require.NoError(t, err)

	_, err = store.Release(meta.Blocks[0].Hash)
	require.NoError(t, err)

	issues := e.VerifyIntegrity()
	require.Len(t, issues, 1)
	require.Equal(t, "file-a", issues[0].Key)
}

func TestKeyFromPathStableAcrossSeparators(t *testing.T) {
	require.Equal(t, KeyFromPath("a/b/c.txt"), KeyFromPath(filepath.FromSlash("a/b/c.txt")))
}
