package tracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostvault/backup/build"
)

func TestBuildAndDiffIndexes(t *testing.T) {
	dir := build.TempDir(t.Name())
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("world"), 0644))

	old, err := Build([]string{dir})
	require.NoError(t, err)
	require.Len(t, old, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("changed"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("new"), 0644))
	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))

	updated, err := Build([]string{dir})
	require.NoError(t, err)

	diff := DiffIndexes(old, updated)
	require.ElementsMatch(t, []string{filepath.ToSlash(filepath.Join(filepath.Base(dir), "c.txt"))}, diff.Added)
	require.ElementsMatch(t, []string{filepath.ToSlash(filepath.Join(filepath.Base(dir), "a.txt"))}, diff.Removed)
	require.ElementsMatch(t, []string{filepath.ToSlash(filepath.Join(filepath.Base(dir), "b.txt"))}, diff.Modified)
}

func TestDetectChangesSinceLastBackupNoPrevious(t *testing.T) {
	srcDir := build.TempDir(t.Name() + "-src")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0644))

	stateDir := build.TempDir(t.Name() + "-state")
	tr, err := New(stateDir)
	require.NoError(t, err)

	diff, hadPrevious, err := tr.DetectChangesSinceLastBackup([]string{srcDir})
	require.NoError(t, err)
	require.False(t, hadPrevious)
	require.Len(t, diff.Added, 1)
}

func TestSaveIndexUpdatesLatestPointer(t *testing.T) {
	stateDir := build.TempDir(t.Name())
	tr, err := New(stateDir)
	require.NoError(t, err)

	idx := Index{"x.txt": FileRecord{Size: 4}}
	require.NoError(t, tr.SaveIndex("backup-1", idx))

	loaded, err := tr.LoadLatest()
	require.NoError(t, err)
	require.Equal(t, idx, loaded)

	fromBackup, err := tr.LoadIndex("backup-1")
	require.NoError(t, err)
	require.Equal(t, idx, fromBackup)
}
