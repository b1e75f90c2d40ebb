package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostvault/backup/build"
	"github.com/frostvault/backup/crypto"
)

func testKey(t *testing.T) crypto.CipherKey {
	t.Helper()
	params := crypto.NewKDFParamsWithSalt(crypto.DefaultKDFParams())
	key, err := crypto.DeriveKeyV2([]byte("correct horse battery staple"), params)
	require.NoError(t, err)
	return key
}

func hashOf(s string) crypto.ContentHash {
	return crypto.Hash([]byte(s))
}

func TestNewComputesTotalsAndRootHash(t *testing.T) {
	files := []FileEntry{
		{LocalPath: "a.txt", Size: 10, ContentHash: hashOf("a")},
		{LocalPath: "b.txt", Size: 20, ContentHash: hashOf("b")},
	}
	m, err := New("20260101_000000", []string{"/src"}, files, nil, "v2", nil)
	require.NoError(t, err)
	require.Equal(t, int64(30), m.TotalSize)
	require.Equal(t, 2, m.FileCount)
	require.False(t, m.RootHash.IsZero())
	require.NoError(t, m.Validate())
}

func TestDiffDetectsAddedRemovedModifiedMoved(t *testing.T) {
	old := Manifest{Files: []FileEntry{
		{LocalPath: "keep.txt", Size: 5, ContentHash: hashOf("keep")},
		{LocalPath: "gone.txt", Size: 5, ContentHash: hashOf("gone")},
		{LocalPath: "old.txt", Size: 7, ContentHash: hashOf("change")},
		{LocalPath: "src/moved.txt", Size: 9, ContentHash: hashOf("moveme")},
	}}
	updated := Manifest{Files: []FileEntry{
		{LocalPath: "keep.txt", Size: 5, ContentHash: hashOf("keep")},
		{LocalPath: "old.txt", Size: 7, ContentHash: hashOf("changed")},
		{LocalPath: "new.txt", Size: 3, ContentHash: hashOf("new")},
		{LocalPath: "dst/moved.txt", Size: 9, ContentHash: hashOf("moveme")},
	}}

	diff := Diff(old, updated)
	require.Len(t, diff.Removed, 1)
	require.Equal(t, "gone.txt", diff.Removed[0].LocalPath)
	require.Len(t, diff.Added, 1)
	require.Equal(t, "new.txt", diff.Added[0].LocalPath)
	require.Len(t, diff.Modified, 1)
	require.Equal(t, "old.txt", diff.Modified[0].LocalPath)
	require.Len(t, diff.Moved, 1)
	require.Equal(t, "src/moved.txt", diff.Moved[0].From.LocalPath)
	require.Equal(t, "dst/moved.txt", diff.Moved[0].To.LocalPath)
}

type fakeExistence struct{ missing map[string]bool }

func (f fakeExistence) Exists(ctx context.Context, remotePath string) (bool, error) {
	return !f.missing[remotePath], nil
}

func TestVerifyQuickReportsMissing(t *testing.T) {
	m := Manifest{Files: []FileEntry{
		{LocalPath: "a", RemotePath: "remote/a"},
		{LocalPath: "b", RemotePath: "remote/b"},
	}}
	results, err := Verify(context.Background(), m, VerifyQuick, fakeExistence{missing: map[string]bool{"remote/b": true}}, nil)
	require.NoError(t, err)
	require.True(t, results[0].OK)
	require.False(t, results[1].OK)
}

func TestSetKeyCheckAndValidateKey(t *testing.T) {
	m, err := New("20260101_000000", nil, nil, nil, "v2", nil)
	require.NoError(t, err)
	key := testKey(t)
	require.NoError(t, m.SetKeyCheck(key))
	require.True(t, m.ValidateKey(key))

	wrongParams := crypto.NewKDFParamsWithSalt(crypto.DefaultKDFParams())
	wrongKey, err := crypto.DeriveKeyV2([]byte("wrong password"), wrongParams)
	require.NoError(t, err)
	require.False(t, m.ValidateKey(wrongKey))
}

func TestCatalogSaveLoadListBackups(t *testing.T) {
	dir := build.TempDir(t.Name())
	cat, err := NewCatalog(dir)
	require.NoError(t, err)

	m1, err := New("20260101_000000", []string{"/src/a"}, []FileEntry{{LocalPath: "x", Size: 1, ContentHash: hashOf("x")}}, nil, "v2", nil)
	require.NoError(t, err)
	m2, err := New("20260102_000000", []string{"/src/b"}, []FileEntry{{LocalPath: "y", Size: 1, ContentHash: hashOf("y")}}, nil, "v2", nil)
	require.NoError(t, err)

	require.NoError(t, cat.Save(m1))
	require.NoError(t, cat.Save(m2))

	list, skipped, err := cat.ListBackups(ListFilter{})
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, list, 2)
	require.Equal(t, "20260102_000000", list[0].BackupID) // newest first

	filtered, _, err := cat.ListBackups(ListFilter{SourcePath: "/src/a"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "20260101_000000", filtered[0].BackupID)
}
