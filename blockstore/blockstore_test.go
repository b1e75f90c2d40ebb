package blockstore

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"

	"github.com/frostvault/backup/build"
	"github.com/frostvault/backup/crypto"
)

func openTestStore(t *testing.T) *Store {
	dir := build.TempDir(t.Name())
	s, err := Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(4096)

	h, err := s.Put(data)
	require.NoError(t, err)
	require.True(t, s.Has(h))

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(1024)

	h1, err := s.Put(data)
	require.NoError(t, err)
	h2, err := s.Put(data)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	stats := s.Stats()
	require.EqualValues(t, 1, stats.UniqueBlocks)
	require.EqualValues(t, 2, stats.TotalRefs)
}

func TestReleaseDecrementsAndDeletesAtZero(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(1024)

	h, err := s.Put(data)
	require.NoError(t, err)
	_, err = s.Put(data)
	require.NoError(t, err)

	wasFinal, err := s.Release(h)
	require.NoError(t, err)
	require.False(t, wasFinal)
	require.True(t, s.Has(h))

	wasFinal, err = s.Release(h)
	require.NoError(t, err)
	require.True(t, wasFinal)
	require.False(t, s.Has(h))

	_, err = s.Get(h)
	require.True(t, errors.Contains(err, ErrNotFound))
}

func TestGetDetectsCorruption(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(512)
	h, err := s.Put(data)
	require.NoError(t, err)

	require.NoError(t, writeFileAtomic(s.blockPath(h), append([]byte(nil), data...)[:len(data)-1]))

	_, err = s.Get(h)
	require.True(t, errors.Contains(err, ErrCorruption))
}

func TestGCRemovesOrphanedZeroRefcountEntries(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(256)
	h, err := s.Put(data)
	require.NoError(t, err)

	s.mu.Lock()
	s.index[h].Refcount = 0
	s.mu.Unlock()

	removed, err := s.GC()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.False(t, s.Has(h))

	removedAgain, err := s.GC()
	require.NoError(t, err)
	require.Equal(t, 0, removedAgain)
}

func TestReopenReplaysIndexFromSnapshot(t *testing.T) {
	dir := build.TempDir(t.Name())
	s, err := Open(dir, nil)
	require.NoError(t, err)

	data := fastrand.Bytes(2048)
	h, err := s.Put(data)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, reopened.Has(h))
	got, err := reopened.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStatsDedupRatio(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(1000)
	_, err := s.Put(data)
	require.NoError(t, err)
	_, err = s.Put(data)
	require.NoError(t, err)
	_, err = s.Put(data)
	require.NoError(t, err)

	stats := s.Stats()
	require.EqualValues(t, 1000, stats.UniqueBytes)
	require.EqualValues(t, 3000, stats.TotalBytes)
	require.InDelta(t, 1-1000.0/3000.0, stats.DedupRatio, 1e-9)
}

// TestConcurrentPutReleaseKeepsRefcountLinearizable drives many goroutines
// through concurrent Put and Release of the same content and checks the
// block survives until every reference has been released, never fewer.
func TestConcurrentPutReleaseKeepsRefcountLinearizable(t *testing.T) {
	s := openTestStore(t)
	data := fastrand.Bytes(2048)
	const n = 50

	var wg sync.WaitGroup
	hashes := make([]crypto.ContentHash, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Put(data)
			require.NoError(t, err)
			hashes[i] = h
		}(i)
	}
	wg.Wait()

	h := hashes[0]
	require.True(t, s.Has(h))

	var deletes int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			wasFinal, err := s.Release(h)
			require.NoError(t, err)
			if wasFinal {
				atomic.AddInt32(&deletes, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, deletes, "exactly one Release should observe the final refcount drop to zero")
	require.False(t, s.Has(h))
}
